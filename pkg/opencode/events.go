package opencode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Subscription is one live connection to the OpenCode event stream. Events
// arrive on Events until the transport fails, at which point exactly one
// error is delivered on Errs and both channels close. Opened closes once the
// server has accepted the stream request.
type Subscription struct {
	events chan Event
	errs   chan error
	opened chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events returns the decoded event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Errs delivers at most one transport error before the subscription ends.
func (s *Subscription) Errs() <-chan error { return s.errs }

// Opened closes when the server has responded to the stream request.
func (s *Subscription) Opened() <-chan struct{} { return s.opened }

// Close tears down the connection. Safe to call any number of times,
// including after the stream already ended on its own.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

// Subscribe connects to the OpenCode global event feed. Malformed frames are
// dropped silently; one bad frame never aborts the stream.
func (c *Client) Subscribe(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, 8),
		errs:   make(chan error, 1),
		opened: make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		defer close(sub.errs)

		req, err := c.newRequest(ctx, http.MethodGet, "/global/event", nil)
		if err != nil {
			sub.errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpSSE.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				sub.errs <- err
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			sub.errs <- fmt.Errorf("opencode event stream error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}
		close(sub.opened)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		var dataLines []string
		flush := func() bool {
			if len(dataLines) == 0 {
				return true
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = nil

			evt, ok := ParseEnvelope([]byte(payload))
			if !ok {
				return true
			}
			select {
			case sub.events <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := scanner.Err(); err != nil {
			sub.errs <- err
			return
		}
		// The server never closes the feed on purpose; clean EOF still
		// counts as a transport failure.
		sub.errs <- fmt.Errorf("opencode event stream closed")
	}()

	return sub
}
