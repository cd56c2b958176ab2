// Package permission manages the single pending permission prompt a session
// may have in flight. A prompt is installed when the driver asks for a
// decision, relayed to the extension, and resolved by the user's response,
// by deadline expiry, or by stream cancellation. The losing paths auto-deny;
// the driver always gets exactly one decision per prompt.
package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/driver"
)

var (
	// ErrPromptBusy is returned when a prompt is already pending. The caller
	// auto-denies the second request rather than queueing it.
	ErrPromptBusy = errors.New("permission prompt already pending")

	// ErrNoPending is returned when a response arrives for an unknown or
	// already-resolved request id. Callers log and ignore.
	ErrNoPending = errors.New("no pending permission prompt")
)

// Denial reasons surfaced to the driver and to the extension.
const (
	ReasonDenied    = "denied"
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// Timeouts holds the per-kind prompt deadlines.
type Timeouts struct {
	Tool     time.Duration
	Plan     time.Duration
	Question time.Duration
}

// DefaultTimeouts returns the standard deadlines: tool approval 60s, plan
// approval 300s, user questions 60s.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Tool:     60 * time.Second,
		Plan:     300 * time.Second,
		Question: 60 * time.Second,
	}
}

// For returns the deadline duration for a prompt kind.
func (t Timeouts) For(kind driver.PermissionKind) time.Duration {
	switch kind {
	case driver.PermissionPlanApproval:
		return t.Plan
	case driver.PermissionAskUser:
		return t.Question
	default:
		return t.Tool
	}
}

// Prompt is one pending permission request awaiting a decision.
type Prompt struct {
	RequestID string
	Request   *driver.PermissionRequest
	Deadline  time.Time
	CreatedAt time.Time

	responseCh chan *driver.Decision
}

// Outcome reports how a prompt was resolved.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Slot is a session's single prompt slot.
type Slot struct {
	mu       sync.Mutex
	pending  *Prompt
	timeouts Timeouts
	logger   *logger.Logger
}

// NewSlot creates a prompt slot with the given deadlines.
func NewSlot(timeouts Timeouts, log *logger.Logger) *Slot {
	if log == nil {
		log = logger.Default()
	}
	return &Slot{timeouts: timeouts, logger: log}
}

// Install claims the slot for a new prompt. Fails fast with ErrPromptBusy
// when another prompt is pending.
func (s *Slot) Install(req *driver.PermissionRequest) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return nil, ErrPromptBusy
	}

	now := time.Now()
	prompt := &Prompt{
		RequestID:  uuid.New().String(),
		Request:    req,
		Deadline:   now.Add(s.timeouts.For(req.Kind)),
		CreatedAt:  now,
		responseCh: make(chan *driver.Decision, 1),
	}
	s.pending = prompt
	return prompt, nil
}

// TimeoutSeconds returns the whole-second deadline advertised to the
// extension for a prompt kind.
func (s *Slot) TimeoutSeconds(kind driver.PermissionKind) int {
	return int(s.timeouts.For(kind) / time.Second)
}

// Await blocks until the prompt is resolved, its deadline passes, or ctx is
// cancelled. The deadline and cancellation paths auto-deny. The slot is
// released before returning.
func (s *Slot) Await(ctx context.Context, prompt *Prompt) (*driver.Decision, Outcome) {
	defer s.release(prompt)

	timer := time.NewTimer(time.Until(prompt.Deadline))
	defer timer.Stop()

	select {
	case decision := <-prompt.responseCh:
		if decision.Reason == ReasonCancelled {
			return decision, OutcomeCancelled
		}
		return decision, OutcomeAnswered
	case <-timer.C:
		return driver.Deny(ReasonTimeout), OutcomeTimedOut
	case <-ctx.Done():
		return driver.Deny(ReasonCancelled), OutcomeCancelled
	}
}

// Resolve delivers the user's decision. A request id that doesn't match the
// pending prompt returns ErrNoPending; duplicates after the first decision
// are rejected the same way.
func (s *Slot) Resolve(requestID string, decision *driver.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.RequestID != requestID {
		return ErrNoPending
	}

	select {
	case s.pending.responseCh <- decision:
		return nil
	default:
		return ErrNoPending
	}
}

// Cancel auto-denies the pending prompt, if any. Safe to call when the slot
// is empty.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return
	}
	select {
	case s.pending.responseCh <- driver.Deny(ReasonCancelled):
	default:
	}
}

// Pending returns the currently pending prompt, or nil.
func (s *Slot) Pending() *Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Slot) release(prompt *Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == prompt {
		s.pending = nil
	}
}
