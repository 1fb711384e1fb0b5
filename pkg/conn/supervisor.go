// Package conn owns reconnect policy for the long-lived event stream
// connections: how many error signals to tolerate before backing off, how the
// backoff delay grows, and when to stop trying altogether.
package conn

import (
	"sync"
	"time"
)

// Action tells the connection owner what to do after an error signal.
type Action int

const (
	// ActionTolerate means redial immediately; the error is within tolerance.
	ActionTolerate Action = iota
	// ActionReconnect means schedule a manual reconnect after NextDelay.
	ActionReconnect
	// ActionGiveUp means the attempt budget is exhausted; stop reconnecting.
	ActionGiveUp
)

// Policy configures a Supervisor.
type Policy struct {
	// BaseDelay is the first manual-reconnect delay.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// ErrorTolerance is the number of consecutive error signals that trigger
	// a manual reconnect; errors below it are tolerated.
	ErrorTolerance int
	// MaxAttempts bounds manual reconnects; 0 means unbounded.
	MaxAttempts int
}

// StreamPolicy is the bounded policy for a single prompt stream.
func StreamPolicy() Policy {
	return Policy{
		BaseDelay:      3 * time.Second,
		MaxDelay:       30 * time.Second,
		ErrorTolerance: 5,
		MaxAttempts:    10,
	}
}

// AmbientPolicy is the unbounded policy for the process-wide tracker
// connection, which must outlive the app session.
func AmbientPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		ErrorTolerance: 1,
	}
}

// Supervisor tracks consecutive transport errors, manual reconnect attempts,
// and the current backoff delay for one connection.
type Supervisor struct {
	policy Policy

	mu              sync.Mutex
	consecutiveErrs int
	attempts        int
	delay           time.Duration
}

// NewSupervisor creates a supervisor with the given policy.
func NewSupervisor(policy Policy) *Supervisor {
	if policy.ErrorTolerance < 1 {
		policy.ErrorTolerance = 1
	}
	return &Supervisor{policy: policy, delay: policy.BaseDelay}
}

// RecordError counts one transport error signal and decides what happens next.
func (s *Supervisor) RecordError() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrs++
	if s.consecutiveErrs < s.policy.ErrorTolerance {
		return ActionTolerate
	}
	s.consecutiveErrs = 0
	s.attempts++
	if s.policy.MaxAttempts > 0 && s.attempts > s.policy.MaxAttempts {
		return ActionGiveUp
	}
	return ActionReconnect
}

// RecordMessage notes a successfully received message. It resets the
// consecutive-error count but never the attempt counter or backoff delay.
func (s *Supervisor) RecordMessage() {
	s.mu.Lock()
	s.consecutiveErrs = 0
	s.mu.Unlock()
}

// NextDelay returns the delay for the pending reconnect and doubles the
// stored delay, capped at the policy maximum.
func (s *Supervisor) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	delay := s.delay
	s.delay *= 2
	if s.delay > s.policy.MaxDelay {
		s.delay = s.policy.MaxDelay
	}
	return delay
}

// ResetBackoff drops the delay back to base without touching the attempt
// counter.
func (s *Supervisor) ResetBackoff() {
	s.mu.Lock()
	s.delay = s.policy.BaseDelay
	s.mu.Unlock()
}

// Reset returns the supervisor to its initial state. Called at the start of a
// brand-new prompt submission.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.consecutiveErrs = 0
	s.attempts = 0
	s.delay = s.policy.BaseDelay
	s.mu.Unlock()
}
