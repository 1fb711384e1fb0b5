package opencode

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, frames []string) *Client {
	t.Helper()
	return newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/global/event" {
			http.NotFound(w, r)
			return
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept: got %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			for _, line := range strings.Split(frame, "\n") {
				_, _ = w.Write([]byte("data: " + line + "\n"))
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	})
}

func waitOpened(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Opened():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never opened")
	}
}

func collectEvents(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatal("timed out waiting for events channel to close")
		}
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	client := sseServer(t, []string{
		`{"payload":{"type":"session.status","properties":{"sessionID":"ses_1","status":{"type":"busy"}}}}`,
		`{"payload":{"type":"session.idle","properties":{"sessionID":"ses_1"}}}`,
	})
	sub := client.Subscribe(context.Background())
	defer sub.Close()
	waitOpened(t, sub)

	events := collectEvents(t, sub)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventSessionStatus || events[1].Type != EventSessionIdle {
		t.Errorf("unexpected types: %s, %s", events[0].Type, events[1].Type)
	}

	// Server closing the feed counts as a transport failure.
	select {
	case err, ok := <-sub.Errs():
		if !ok || err == nil {
			t.Error("expected an error from the closed feed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
}

func TestSubscribeDropsMalformedFrames(t *testing.T) {
	client := sseServer(t, []string{
		`this is not json`,
		`{"payload":{"properties":{}}}`,
		`{"payload":{"type":"session.idle","properties":{"sessionID":"ses_1"}}}`,
	})
	sub := client.Subscribe(context.Background())
	defer sub.Close()

	events := collectEvents(t, sub)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventSessionIdle {
		t.Errorf("type: got %q", events[0].Type)
	}
}

func TestSubscribeJoinsMultiLineData(t *testing.T) {
	client := sseServer(t, []string{
		"{\"payload\":{\"type\":\"session.idle\",\n\"properties\":{\"sessionID\":\"ses_1\"}}}",
	})
	sub := client.Subscribe(context.Background())
	defer sub.Close()

	events := collectEvents(t, sub)
	if len(events) != 1 || events[0].SessionID() != "ses_1" {
		t.Fatalf("multi-line frame not reassembled: %+v", events)
	}
}

func TestSubscribeReportsHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream broken", http.StatusInternalServerError)
	})
	sub := client.Subscribe(context.Background())
	defer sub.Close()

	select {
	case err, ok := <-sub.Errs():
		if !ok || err == nil {
			t.Error("expected error for non-2xx response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
	select {
	case <-sub.Opened():
		t.Error("opened should not close on a failed request")
	default:
	}
}

func TestSubscribeCloseIsIdempotent(t *testing.T) {
	client := sseServer(t, nil)
	sub := client.Subscribe(context.Background())
	waitOpened(t, sub)
	sub.Close()
	sub.Close()
	collectEvents(t, sub)
}

func TestSubscribeCancelSuppressesError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	sub := client.Subscribe(ctx)
	waitOpened(t, sub)
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case err, ok := <-sub.Errs():
			if !ok {
				return
			}
			t.Errorf("unexpected error after cancel: %v", err)
		case <-timeout:
			t.Fatal("errs channel never closed after cancel")
		}
	}
}
