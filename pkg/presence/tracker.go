// Package presence maintains the process-wide busy/unread awareness map for
// the session list. One long-lived event stream connection feeds it; REST
// hydration corrects for push-channel gaps. Its state survives any number of
// transport reconnects.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/winterhq/winterdesk/pkg/conn"
	"github.com/winterhq/winterdesk/pkg/opencode"
)

const (
	// sweepInterval is how often the stale-busy safety net runs.
	sweepInterval = 10 * time.Second
	// staleBusyAfter is how long a busy session may go without any event
	// before the sweep drops it. Loose enough that legitimate long-running
	// tool calls never trip it.
	staleBusyAfter = 300 * time.Second
)

// Options configures a Tracker.
type Options struct {
	Log zerolog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// OnReconnected is broadcast after the first parsed message of each
	// (re)connection, so other parts of the app can refresh derived state.
	OnReconnected func()
}

// Tracker is the ambient multi-session awareness service. Create one per
// process once the remote server is reachable; Start/Stop bound its lifetime.
type Tracker struct {
	client        *opencode.Client
	log           zerolog.Logger
	sup           *conn.Supervisor
	now           func() time.Time
	onReconnected func()

	mu       sync.Mutex
	busy     map[string]time.Time
	unread   map[string]struct{}
	active   string
	live     bool
	received bool
	sub      *opencode.Subscription

	started   bool
	cancel    context.CancelFunc
	kick      chan struct{}
	done      chan struct{}
	sweepDone chan struct{}
}

// NewTracker creates a tracker for the given client.
func NewTracker(client *opencode.Client, opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		client:        client,
		log:           opts.Log.With().Str("component", "presence").Logger(),
		sup:           conn.NewSupervisor(conn.AmbientPolicy()),
		now:           now,
		onReconnected: opts.OnReconnected,
		busy:          make(map[string]time.Time),
		unread:        make(map[string]struct{}),
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
}

// Start launches the connection loop and the stale-busy sweep. Calling Start
// more than once is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	go t.loop(ctx)
	go t.sweepLoop(ctx)
}

// Stop tears down the connection and waits for the loops to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	sub := t.sub
	t.mu.Unlock()

	cancel()
	if sub != nil {
		sub.Close()
	}
	<-t.done
	<-t.sweepDone
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	for ctx.Err() == nil {
		sub := t.client.Subscribe(ctx)
		t.setSub(sub)
		t.runConnection(ctx, sub)
		sub.Close()
		t.setLive(false)
		if ctx.Err() != nil {
			return
		}

		// The busy set is deliberately preserved here: a transient network
		// loss must not flash every indicator to idle.
		t.sup.RecordError()
		select {
		case <-t.kick:
			// Focus already reset the backoff; redial without consuming a
			// delay step.
			continue
		default:
		}
		delay := t.sup.NextDelay()
		t.log.Warn().Dur("delay", delay).Msg("Ambient event stream lost, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.kick:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runConnection drives one connection: hydrate on open, then consume events
// until the transport fails.
func (t *Tracker) runConnection(ctx context.Context, sub *opencode.Subscription) {
	select {
	case <-sub.Opened():
		t.hydrate(ctx)
	case <-sub.Errs():
		return
	case <-ctx.Done():
		return
	}

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if first {
				first = false
				t.markLive()
			}
			t.handleEvent(evt)
		}
	}
}

// hydrate merges the REST busy snapshot into the busy set. Merging rather
// than replacing tolerates events that already arrived over the socket
// before the query completed.
func (t *Tracker) hydrate(ctx context.Context) {
	statuses, err := t.client.SessionStatuses(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("Session status hydration failed")
		return
	}
	now := t.now()
	t.mu.Lock()
	for id, status := range statuses {
		if status.Busy() {
			t.busy[id] = now
		}
	}
	t.mu.Unlock()
}

// markLive flags the connection healthy after its first parsed message and
// broadcasts the reconnect notification.
func (t *Tracker) markLive() {
	t.mu.Lock()
	t.live = true
	t.received = true
	t.mu.Unlock()
	t.sup.ResetBackoff()
	if t.onReconnected != nil {
		t.onReconnected()
	}
}

func (t *Tracker) handleEvent(evt opencode.Event) {
	sessionID := evt.SessionID()
	if sessionID != "" {
		// Any event for a busy session is a liveness keepalive; long tool
		// calls emit plenty of part traffic without fresh busy pushes.
		t.touch(sessionID)
	}

	switch evt.Type {
	case opencode.EventSessionStatus:
		status, ok := evt.DecodeStatus()
		if !ok {
			return
		}
		switch status.Status.Type {
		case "busy":
			t.setBusy(status.SessionID)
		case "idle":
			t.setIdle(status.SessionID)
		}
	case opencode.EventSessionIdle:
		if sessionID != "" {
			t.setIdle(sessionID)
		}
	case opencode.EventMessageUpdated:
		if info, ok := evt.DecodeInfo(); ok && info.Role == "assistant" {
			t.noteUnread(sessionID)
		}
	case opencode.EventMessagePartUpdated, opencode.EventMessagePartDelta:
		// Part events cannot occur for a pure user message.
		t.noteUnread(sessionID)
	}
}

func (t *Tracker) touch(sessionID string) {
	now := t.now()
	t.mu.Lock()
	if _, ok := t.busy[sessionID]; ok {
		t.busy[sessionID] = now
	}
	t.mu.Unlock()
}

func (t *Tracker) setBusy(sessionID string) {
	now := t.now()
	t.mu.Lock()
	t.busy[sessionID] = now
	t.mu.Unlock()
}

func (t *Tracker) setIdle(sessionID string) {
	t.mu.Lock()
	delete(t.busy, sessionID)
	t.mu.Unlock()
}

func (t *Tracker) noteUnread(sessionID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	if sessionID != t.active {
		t.unread[sessionID] = struct{}{}
	}
	t.mu.Unlock()
}

// sweepLoop is the safety net for missed idle signals, e.g. a server crash
// mid-turn.
func (t *Tracker) sweepLoop(ctx context.Context) {
	defer close(t.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Tracker) sweepOnce() {
	now := t.now()
	t.mu.Lock()
	for id, last := range t.busy {
		if now.Sub(last) > staleBusyAfter {
			delete(t.busy, id)
			t.log.Debug().Str("session", id).Msg("Dropping stale busy session")
		}
	}
	t.mu.Unlock()
}

// HandleFocus refreshes state when the application regains visibility. A
// healthy connection only re-hydrates (state may have drifted while the push
// channel was throttled in the background); an unhealthy one reconnects
// immediately with backoff reset to base.
func (t *Tracker) HandleFocus(ctx context.Context) {
	t.mu.Lock()
	healthy := t.live && t.received
	sub := t.sub
	t.mu.Unlock()

	if healthy {
		t.hydrate(ctx)
		return
	}
	t.sup.ResetBackoff()
	select {
	case t.kick <- struct{}{}:
	default:
	}
	if sub != nil {
		sub.Close()
	}
}

// MarkRead clears the unread flag for a session. Invoked by the UI when the
// user views that session.
func (t *Tracker) MarkRead(sessionID string) {
	t.mu.Lock()
	delete(t.unread, sessionID)
	t.mu.Unlock()
}

// SetActive moves the "currently viewed session" pointer and synchronously
// marks the new session read.
func (t *Tracker) SetActive(sessionID string) {
	t.mu.Lock()
	t.active = sessionID
	delete(t.unread, sessionID)
	t.mu.Unlock()
}

// Active returns the currently viewed session.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// IsBusy reports whether a session currently has an in-progress agent turn.
func (t *Tracker) IsBusy(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.busy[sessionID]
	return ok
}

// BusySessions returns the busy set, sorted for stable display.
func (t *Tracker) BusySessions() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.busy))
	for id := range t.busy {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// IsUnread reports whether a session has unseen assistant activity.
func (t *Tracker) IsUnread(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.unread[sessionID]
	return ok
}

// UnreadSessions returns the unread set, sorted for stable display.
func (t *Tracker) UnreadSessions() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.unread))
	for id := range t.unread {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Live reports whether the tracker connection is currently healthy.
func (t *Tracker) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Tracker) setSub(sub *opencode.Subscription) {
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
}

func (t *Tracker) setLive(live bool) {
	t.mu.Lock()
	t.live = live
	t.mu.Unlock()
}
