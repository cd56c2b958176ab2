// Package mock provides a scripted in-memory driver for tests. A script is
// a sequence of steps: emit an event, raise a permission request, or sleep.
// The driver records every prompt, option set and permission decision it
// sees so tests can assert on them.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/tabrelay/internal/driver"
)

// Step is one scripted action. Exactly one field should be set.
type Step struct {
	// Event is emitted on the run's event channel.
	Event *driver.Event
	// Permission invokes the run's OnPermission hook and records the
	// decision.
	Permission *driver.PermissionRequest
	// Delay pauses the script, yielding to cancellation.
	Delay time.Duration
}

// Run captures everything observed during one Run call.
type Run struct {
	Prompt    string
	Opts      driver.RunOptions
	Decisions []*driver.Decision
}

// Driver replays a script per run.
type Driver struct {
	mu sync.Mutex

	// Script is replayed on every run unless ScriptFunc is set.
	Script []Step
	// ScriptFunc, when set, produces the script for each run.
	ScriptFunc func(prompt string, opts driver.RunOptions) []Step
	// ConversationID is emitted as session_established before the script
	// when non-empty. Defaults to a fresh uuid on first run.
	ConversationID string
	// RejectResume makes Run fail with driver.ErrResumeUnavailable whenever
	// the options carry a conversation id, mimicking a backend that lost it.
	RejectResume bool

	runs        []*Run
	modeUpdates []string
	closed      bool
}

// New creates a mock driver that replays the given script.
func New(steps ...Step) *Driver {
	return &Driver{Script: steps}
}

// Text builds a text event step.
func Text(delta string) Step {
	return Step{Event: &driver.Event{Type: driver.EventText, Delta: delta}}
}

// Result builds a successful result step.
func Result() Step {
	return Step{Event: &driver.Event{Type: driver.EventResult, OK: true}}
}

// ResultError builds a failed result step.
func ResultError(msg string) Step {
	return Step{Event: &driver.Event{Type: driver.EventResult, OK: false, Err: msg}}
}

// Runs returns the recorded runs.
func (d *Driver) Runs() []*Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Run, len(d.runs))
	copy(out, d.runs)
	return out
}

// ModeUpdates returns the permission-mode changes forwarded to the driver.
func (d *Driver) ModeUpdates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.modeUpdates))
	copy(out, d.modeUpdates)
	return out
}

// SetPermissionMode records the forwarded mode change.
func (d *Driver) SetPermissionMode(mode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modeUpdates = append(d.modeUpdates, mode)
	return nil
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Run replays the script. The channel closes after the last step or as soon
// as ctx is cancelled.
func (d *Driver) Run(ctx context.Context, prompt string, opts driver.RunOptions) (<-chan driver.Event, error) {
	d.mu.Lock()
	if d.ConversationID == "" {
		d.ConversationID = uuid.New().String()
	}
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = d.ConversationID
	}
	run := &Run{Prompt: prompt, Opts: opts}
	d.runs = append(d.runs, run)
	if d.RejectResume && opts.ConversationID != "" {
		d.mu.Unlock()
		return nil, driver.ErrResumeUnavailable
	}
	script := d.Script
	if d.ScriptFunc != nil {
		script = d.ScriptFunc(prompt, opts)
	}
	d.mu.Unlock()

	events := make(chan driver.Event, 16)
	go func() {
		defer close(events)

		emit := func(ev driver.Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(driver.Event{Type: driver.EventSessionEstablished, ConversationID: conversationID}) {
			return
		}

		for _, step := range script {
			select {
			case <-ctx.Done():
				return
			default:
			}

			switch {
			case step.Event != nil:
				if !emit(*step.Event) {
					return
				}
			case step.Permission != nil && opts.OnPermission != nil:
				decision, err := opts.OnPermission(ctx, step.Permission)
				if err != nil {
					return
				}
				d.mu.Lock()
				run.Decisions = append(run.Decisions, decision)
				d.mu.Unlock()
			case step.Delay > 0:
				select {
				case <-time.After(step.Delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Close marks the driver closed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
