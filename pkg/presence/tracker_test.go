package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/winterhq/winterdesk/pkg/opencode"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	client, err := opencode.NewClient("http://localhost:1", "", "", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewTracker(client, Options{Log: zerolog.Nop(), Now: clock.Now}), clock
}

func event(typ, properties string) opencode.Event {
	return opencode.Event{Type: typ, Properties: json.RawMessage(properties)}
}

func TestStatusEventsDriveBusySet(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_1","status":{"type":"busy"}}`))
	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_2","status":{"type":"busy"}}`))
	if got := tracker.BusySessions(); !reflect.DeepEqual(got, []string{"ses_1", "ses_2"}) {
		t.Errorf("busy: got %v", got)
	}

	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_1","status":{"type":"idle"}}`))
	if tracker.IsBusy("ses_1") {
		t.Error("ses_1 should be idle after status idle")
	}
	tracker.handleEvent(event(opencode.EventSessionIdle, `{"sessionID":"ses_2"}`))
	if tracker.IsBusy("ses_2") {
		t.Error("ses_2 should be idle after session.idle")
	}
}

func TestAssistantActivityMarksUnread(t *testing.T) {
	tracker, _ := newTestTracker(t)
	tracker.SetActive("ses_active")

	tracker.handleEvent(event(opencode.EventMessageUpdated,
		`{"info":{"id":"msg_1","sessionID":"ses_bg","role":"assistant"}}`))
	tracker.handleEvent(event(opencode.EventMessageUpdated,
		`{"info":{"id":"msg_2","sessionID":"ses_active","role":"assistant"}}`))
	tracker.handleEvent(event(opencode.EventMessageUpdated,
		`{"info":{"id":"msg_3","sessionID":"ses_user","role":"user"}}`))

	if got := tracker.UnreadSessions(); !reflect.DeepEqual(got, []string{"ses_bg"}) {
		t.Errorf("unread: got %v", got)
	}
}

func TestPartActivityMarksUnread(t *testing.T) {
	tracker, _ := newTestTracker(t)
	tracker.SetActive("ses_active")

	tracker.handleEvent(event(opencode.EventMessagePartDelta,
		`{"sessionID":"ses_bg","partID":"prt_1","field":"text","delta":"hi"}`))
	tracker.handleEvent(event(opencode.EventMessagePartUpdated,
		`{"part":{"id":"prt_2","sessionID":"ses_active","type":"text","text":"x"}}`))

	if got := tracker.UnreadSessions(); !reflect.DeepEqual(got, []string{"ses_bg"}) {
		t.Errorf("unread: got %v", got)
	}
}

func TestMarkReadAndSetActiveClearUnread(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.handleEvent(event(opencode.EventMessagePartDelta,
		`{"sessionID":"ses_1","partID":"prt_1","field":"text","delta":"hi"}`))
	tracker.handleEvent(event(opencode.EventMessagePartDelta,
		`{"sessionID":"ses_2","partID":"prt_2","field":"text","delta":"hi"}`))

	tracker.MarkRead("ses_1")
	if tracker.IsUnread("ses_1") {
		t.Error("ses_1 should be read")
	}
	tracker.SetActive("ses_2")
	if tracker.IsUnread("ses_2") {
		t.Error("switching to a session should mark it read")
	}
	if tracker.Active() != "ses_2" {
		t.Errorf("active: got %q", tracker.Active())
	}
}

func TestSweepEvictsStaleBusyEntries(t *testing.T) {
	tracker, clock := newTestTracker(t)

	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_stale","status":{"type":"busy"}}`))
	clock.Advance(200 * time.Second)
	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_fresh","status":{"type":"busy"}}`))
	clock.Advance(150 * time.Second)

	tracker.sweepOnce()
	if tracker.IsBusy("ses_stale") {
		t.Error("stale entry should be evicted")
	}
	if !tracker.IsBusy("ses_fresh") {
		t.Error("fresh entry should survive")
	}
}

func TestAnyEventRefreshesBusyTimestamp(t *testing.T) {
	tracker, clock := newTestTracker(t)

	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_1","status":{"type":"busy"}}`))
	clock.Advance(250 * time.Second)
	// Part traffic keeps the session alive without a fresh busy push.
	tracker.handleEvent(event(opencode.EventMessagePartDelta,
		`{"sessionID":"ses_1","partID":"prt_1","field":"text","delta":"still going"}`))
	clock.Advance(250 * time.Second)

	tracker.sweepOnce()
	if !tracker.IsBusy("ses_1") {
		t.Error("touched entry should survive the sweep")
	}
}

func TestHydrateMergesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"ses_rest":{"type":"busy"},"ses_idle":{"type":"idle"}}`))
	}))
	defer server.Close()

	client, err := opencode.NewClient(server.URL, "", "", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := NewTracker(client, Options{Log: zerolog.Nop(), Now: clock.Now})

	// An event that raced ahead of the snapshot must survive the merge.
	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_event","status":{"type":"busy"}}`))
	tracker.hydrate(context.Background())

	if got := tracker.BusySessions(); !reflect.DeepEqual(got, []string{"ses_event", "ses_rest"}) {
		t.Errorf("busy: got %v", got)
	}
}

func TestHydrateFailurePreservesState(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.handleEvent(event(opencode.EventSessionStatus, `{"sessionID":"ses_1","status":{"type":"busy"}}`))
	tracker.hydrate(context.Background())
	if !tracker.IsBusy("ses_1") {
		t.Error("failed hydration must not clear the busy set")
	}
}

func TestMarkLiveBroadcastsReconnect(t *testing.T) {
	client, err := opencode.NewClient("http://localhost:1", "", "", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var broadcasts int
	tracker := NewTracker(client, Options{
		Log:           zerolog.Nop(),
		OnReconnected: func() { broadcasts++ },
	})

	tracker.markLive()
	if !tracker.Live() {
		t.Error("expected live after first message")
	}
	if broadcasts != 1 {
		t.Errorf("broadcasts: got %d, want 1", broadcasts)
	}
	tracker.setLive(false)
	if tracker.Live() {
		t.Error("expected not live after connection loss")
	}
}

func TestHandleFocusRehydratesWhenHealthy(t *testing.T) {
	var statusHits, eventHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, r *http.Request) {
		statusHits.Add(1)
		_, _ = w.Write([]byte(`{"ses_rest":{"type":"busy"}}`))
	})
	mux.HandleFunc("/global/event", func(w http.ResponseWriter, r *http.Request) {
		eventHits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`data: {"payload":{"type":"session.status","properties":{"sessionID":"ses_1","status":{"type":"busy"}}}}` + "\n\n"))
		flusher.Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := opencode.NewClient(server.URL, "", "", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	live := make(chan struct{}, 1)
	tracker := NewTracker(client, Options{
		Log:           zerolog.Nop(),
		OnReconnected: func() { live <- struct{}{} },
	})
	tracker.Start(context.Background())
	defer tracker.Stop()

	select {
	case <-live:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker never went live")
	}

	before := statusHits.Load()
	tracker.HandleFocus(context.Background())
	if got := statusHits.Load(); got != before+1 {
		t.Errorf("status hits: got %d, want %d", got, before+1)
	}
	if got := eventHits.Load(); got != 1 {
		t.Errorf("event stream connects: got %d, want 1", got)
	}
}

func TestHandleFocusForcesImmediateReconnect(t *testing.T) {
	var eventHits atomic.Int32
	hydrated := make(chan struct{}, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, r *http.Request) {
		select {
		case hydrated <- struct{}{}:
		default:
		}
		_, _ = w.Write([]byte(`{}`))
	})
	// A stream that opens but never delivers a message, so the tracker
	// never reaches the live state.
	mux.HandleFunc("/global/event", func(w http.ResponseWriter, r *http.Request) {
		eventHits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := opencode.NewClient(server.URL, "", "", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	tracker := NewTracker(client, Options{Log: zerolog.Nop()})
	tracker.Start(context.Background())
	defer tracker.Stop()

	select {
	case <-hydrated:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker never hydrated")
	}

	tracker.HandleFocus(context.Background())

	// The redial must land well inside the 1s base delay.
	deadline := time.Now().Add(500 * time.Millisecond)
	for eventHits.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no immediate reconnect after focus, connects=%d", eventHits.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The forced redial must not consume a backoff step either.
	if got := tracker.sup.NextDelay(); got != time.Second {
		t.Errorf("delay after focus redial: got %v, want %v", got, time.Second)
	}
}

func TestTrackerLifecycleAgainstLiveServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ses_rest":{"type":"busy"}}`))
	})
	mux.HandleFunc("/global/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"payload":{"type":"session.status","properties":{"sessionID":"ses_push","status":{"type":"busy"}}}}`,
			`{"payload":{"type":"message.updated","properties":{"info":{"id":"msg_1","sessionID":"ses_push","role":"assistant"}}}}`,
		}
		for _, frame := range frames {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
			flusher.Flush()
		}
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := opencode.NewClient(server.URL, "", "", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	reconnected := make(chan struct{}, 1)
	tracker := NewTracker(client, Options{
		Log:           zerolog.Nop(),
		OnReconnected: func() { reconnected <- struct{}{} },
	})
	tracker.Start(context.Background())
	defer tracker.Stop()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker never went live")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tracker.IsBusy("ses_rest") && tracker.IsBusy("ses_push") && tracker.IsUnread("ses_push") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state not converged: busy=%v unread=%v", tracker.BusySessions(), tracker.UnreadSessions())
}
