// Package stream turns the at-least-once, possibly reordered OpenCode event
// feed into an exactly-once, ordered sequence of UI-facing events for one
// prompt submission.
package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/winterhq/winterdesk/pkg/conn"
	"github.com/winterhq/winterdesk/pkg/opencode"
)

// openWait bounds how long prompt submission waits for the transport's
// ready signal before assuming the stream is attached.
const openWait = 200 * time.Millisecond

var errStreamLost = errors.New("event stream lost")

// Attachment is an image or file sent alongside the prompt text.
type Attachment struct {
	Mime     string
	Filename string
	Data     []byte
}

func (a Attachment) dataURI() string {
	return "data:" + a.Mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Prompt is one outgoing submission: attachments first, then the text.
type Prompt struct {
	Text        string
	Attachments []Attachment
}

func (p Prompt) parts() []opencode.PartInput {
	parts := make([]opencode.PartInput, 0, len(p.Attachments)+1)
	for _, att := range p.Attachments {
		parts = append(parts, opencode.PartInput{
			Type:     "file",
			Mime:     att.Mime,
			Filename: att.Filename,
			URL:      att.dataURI(),
		})
	}
	return append(parts, opencode.PartInput{Type: "text", Text: p.Text})
}

// Reconciler owns one prompt submission on one session. It consumes the
// event feed, deduplicates against REST snapshots and its own emissions, and
// delivers an ordered event sequence to the sink. Create a fresh Reconciler
// per prompt; the dedup state must not be shared across submissions.
type Reconciler struct {
	client    *opencode.Client
	sessionID string
	sink      Sink
	log       zerolog.Logger
	sup       *conn.Supervisor

	// Allocated once per prompt and threaded through every reconnect by
	// reference; recreating these per connection breaks catch-up-by-length.
	textLens    map[string]int
	toolStarted map[string]struct{}
	knownMsgs   map[string]struct{}
	userMsgs    map[string]struct{}

	mu        sync.Mutex
	finalized bool
	sub       *opencode.Subscription
}

// New creates a reconciler for one prompt on the given session.
func New(client *opencode.Client, sessionID string, sink Sink, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:      client,
		sessionID:   sessionID,
		sink:        sink,
		log:         log.With().Str("component", "stream").Str("session", sessionID).Logger(),
		sup:         conn.NewSupervisor(conn.StreamPolicy()),
		textLens:    make(map[string]int),
		toolStarted: make(map[string]struct{}),
		knownMsgs:   make(map[string]struct{}),
		userMsgs:    make(map[string]struct{}),
	}
}

// Run submits the prompt and streams events until a terminal condition. It
// returns once the stream finalized (normally, fatally, or by reconnect
// exhaustion), the context was cancelled, or the submission itself failed.
func (r *Reconciler) Run(ctx context.Context, prompt Prompt) error {
	r.sup.Reset()

	known, err := r.client.KnownMessageIDs(ctx, r.sessionID)
	if err != nil {
		// Best-effort baseline: an empty set only risks re-showing old
		// messages, never aborting the prompt.
		r.log.Warn().Err(err).Msg("Failed to fetch known message IDs")
		known = make(map[string]struct{})
	}
	r.knownMsgs = known

	msgID := "msg_" + xid.New().String()
	r.userMsgs[msgID] = struct{}{}

	sub := r.client.Subscribe(ctx)
	r.setSub(sub)

	// Give the transport a chance to signal readiness before the prompt goes
	// out, so the first events are not pushed before the listener attaches.
	timer := time.NewTimer(openWait)
	select {
	case <-sub.Opened():
		timer.Stop()
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		sub.Close()
		return ctx.Err()
	}

	if err := r.client.SendPromptAsync(ctx, r.sessionID, msgID, prompt.parts()); err != nil {
		sub.Close()
		return err
	}

	return r.consume(ctx, sub)
}

func (r *Reconciler) consume(ctx context.Context, sub *opencode.Subscription) error {
	for {
		err := r.pump(ctx, sub)
		sub.Close()
		if r.Finalized() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch r.sup.RecordError() {
		case conn.ActionTolerate:
			// Within tolerance: redial right away, no backoff.
		case conn.ActionReconnect:
			delay := r.sup.NextDelay()
			r.log.Warn().Err(err).Dur("delay", delay).Msg("Event stream lost, reconnecting")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		case conn.ActionGiveUp:
			// A degraded but terminated stream beats an infinite hang.
			r.log.Warn().Err(err).Msg("Reconnect attempts exhausted, finalizing stream")
			r.finish()
			return nil
		}
		if r.Finalized() {
			return nil
		}

		sub = r.client.Subscribe(ctx)
		r.setSub(sub)
	}
}

// pump consumes one connection until it fails or the stream finalizes.
func (r *Reconciler) pump(ctx context.Context, sub *opencode.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				if err, ok := <-sub.Errs(); ok && err != nil {
					return err
				}
				return errStreamLost
			}
			r.sup.RecordMessage()
			if r.handleEvent(evt) {
				r.finish()
				return nil
			}
		}
	}
}

// handleEvent applies one classified event. It reports true when the event
// terminates the stream.
func (r *Reconciler) handleEvent(evt opencode.Event) bool {
	if evt.SessionID() != r.sessionID {
		return false
	}
	switch evt.Type {
	case opencode.EventMessagePartDelta:
		r.handlePartDelta(evt)
	case opencode.EventMessagePartUpdated:
		r.handlePartUpdated(evt)
	case opencode.EventMessageUpdated:
		return r.handleMessageUpdated(evt)
	case opencode.EventSessionIdle:
		return true
	case opencode.EventSessionStatus:
		if status, ok := evt.DecodeStatus(); ok && status.Status.Type == "idle" {
			return true
		}
	}
	return false
}

// handlePartDelta is the primary low-latency path: emit immediately and
// advance the ledger so a later snapshot does not replay the same text.
func (r *Reconciler) handlePartDelta(evt opencode.Event) {
	delta, ok := evt.DecodeDelta()
	if !ok || delta.Field != "text" || delta.Delta == "" {
		return
	}
	r.sink(Delta{Text: delta.Delta})
	r.textLens[delta.PartID] += len(delta.Delta)
}

func (r *Reconciler) handlePartUpdated(evt opencode.Event) {
	part, ok := evt.DecodePart()
	if !ok {
		return
	}
	if part.MessageID != "" {
		// Echo suppression: never stream pre-existing or user-authored
		// content back into the assistant stream.
		if _, known := r.knownMsgs[part.MessageID]; known {
			return
		}
		if _, user := r.userMsgs[part.MessageID]; user {
			return
		}
	}

	switch part.Type {
	case "text":
		if text := r.catchUp(part.ID, part.Text); text != "" {
			r.sink(Delta{Text: text})
		}
	case "reasoning":
		if text := r.catchUp(part.ID, part.Text); text != "" {
			r.sink(Reasoning{Text: text})
		}
	case "tool":
		r.handleToolPart(part)
	case "step-start":
		r.sink(Status{Text: "thinking"})
	}
}

// catchUp reconstructs deltas lost in transit from a full-text snapshot by
// diffing against the ledger. Snapshots at or below the ledger emit nothing.
func (r *Reconciler) catchUp(partID, full string) string {
	prev := r.textLens[partID]
	if len(full) <= prev {
		return ""
	}
	r.textLens[partID] = len(full)
	return full[prev:]
}

func (r *Reconciler) handleToolPart(part opencode.Part) {
	if part.State == nil {
		return
	}
	callID := part.CallID
	name := part.Tool
	if name == "" {
		name = "unknown"
	}

	switch part.State.Status {
	case "running":
		if _, started := r.toolStarted[callID]; !started {
			if text, ok := delegationStatus(name, part.State.Input); ok {
				r.sink(Status{Text: text})
			}
			r.sink(ToolStart{Name: name, ID: callID})
			r.toolStarted[callID] = struct{}{}
		}
	case "completed":
		if _, started := r.toolStarted[callID]; !started {
			r.sink(ToolStart{Name: name, ID: callID})
			r.toolStarted[callID] = struct{}{}
		}
		r.sink(ToolEnd{ID: callID, Result: part.State.MetadataOutput()})
	case "error":
		msg := part.State.Error
		if msg == "" {
			msg = "Tool execution failed"
		}
		r.sink(ToolEnd{ID: callID, Result: "[error] " + msg})
	}
}

func (r *Reconciler) handleMessageUpdated(evt opencode.Event) bool {
	info, ok := evt.DecodeInfo()
	if !ok {
		return false
	}
	if info.Role == "user" && info.ID != "" {
		r.userMsgs[info.ID] = struct{}{}
	}
	if info.Tokens != nil && (info.Tokens.Input > 0 || info.Tokens.Output > 0) {
		r.sink(Usage{InputTokens: info.Tokens.Input, OutputTokens: info.Tokens.Output})
	}
	// The finish flag is not a termination signal: it also fires between
	// intermediate tool-calling turns while the overall turn is still active.
	// Only session idle (or a fatal error below) ends the stream.
	if info.Role == "assistant" && info.HasError() {
		if _, known := r.knownMsgs[info.ID]; !known {
			r.log.Warn().Str("message", info.ID).Msg("Assistant message finished with error")
			return true
		}
	}
	return false
}

// finish emits StreamEnd exactly once.
func (r *Reconciler) finish() {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	r.mu.Unlock()
	r.sink(StreamEnd{})
}

// Finalized reports whether the stream reached a terminal state.
func (r *Reconciler) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

func (r *Reconciler) setSub(sub *opencode.Subscription) {
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
}

// Abort best-effort stops the remote generation and closes the local
// connection. Safe to call any number of times, including after the stream
// already finalized naturally.
func (r *Reconciler) Abort(ctx context.Context) {
	if err := r.client.Abort(ctx, r.sessionID); err != nil {
		r.log.Warn().Err(err).Msg("Abort request failed")
	}
	r.mu.Lock()
	r.finalized = true
	sub := r.sub
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
