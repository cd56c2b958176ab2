// Package driver defines the contract between a session and its coding-agent
// backend. A driver exposes one streaming operation: Run a prompt and emit a
// totally ordered stream of events until a terminal result. Cancellation is
// delivered through the run context; a driver must stop producing events and
// close its channel promptly (target under two seconds) once the context is
// cancelled.
//
// Two production drivers implement the contract: proc speaks a JSON line
// protocol over a child process's standard I/O, and inproc calls the
// Anthropic Messages API directly. Nothing outside this package tree depends
// on which one is active.
package driver

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrResumeUnavailable is returned by Run when the requested conversation id
// cannot be resumed. The caller falls back to a fresh conversation.
var ErrResumeUnavailable = errors.New("agent conversation cannot be resumed")

// EventType discriminates the tagged union of agent events.
type EventType string

const (
	// EventSessionEstablished carries the agent-conversation id assigned by
	// the backend. Emitted at most once per run, before any content.
	EventSessionEstablished EventType = "session_established"
	// EventText carries an incremental chunk of assistant text.
	EventText EventType = "text"
	// EventThinking carries an incremental chunk of extended thinking.
	EventThinking EventType = "thinking"
	// EventToolStart announces a tool invocation.
	EventToolStart EventType = "tool_start"
	// EventToolEnd reports a finished tool invocation.
	EventToolEnd EventType = "tool_end"
	// EventResult terminates the run. Always the last event.
	EventResult EventType = "result"
)

// Event is one element of a run's event stream. Fields are populated
// according to Type.
type Event struct {
	Type EventType

	// ConversationID for session_established.
	ConversationID string

	// Delta for text and thinking; Done and Signature for thinking.
	Delta     string
	Done      bool
	Signature string

	// Tool fields for tool_start and tool_end.
	ToolID        string
	ToolName      string
	Input         json.RawMessage
	OutputSummary string
	DurationMS    int64

	// OK for tool_end and result; Err carries the failure cause on result.
	OK  bool
	Err string
}

// PermissionKind classifies a driver-initiated permission request.
type PermissionKind string

const (
	PermissionToolUse      PermissionKind = "tool_use"
	PermissionPlanApproval PermissionKind = "plan_approval"
	PermissionAskUser      PermissionKind = "ask_user"
)

// Question is one entry of an ask_user permission request.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// PermissionRequest asks the user to decide before the driver proceeds.
type PermissionRequest struct {
	Kind PermissionKind

	// ToolID identifies the pending tool invocation for tool_use requests,
	// when the backend announces it ahead of approval.
	ToolID    string
	ToolName  string
	Input     json.RawMessage
	Plan      string
	Questions []Question
}

// Decision is the user's (or the relay's) answer to a permission request.
type Decision struct {
	Approved bool
	// ModifiedInput, when set on approval, replaces the tool input.
	ModifiedInput json.RawMessage
	Answers       json.RawMessage
	// Reason explains a denial: "denied", "timeout", "cancelled".
	Reason string
}

// Deny builds a denial decision with the given reason.
func Deny(reason string) *Decision {
	return &Decision{Approved: false, Reason: reason}
}

// PermissionFunc is invoked synchronously by a driver when it needs a
// decision. The driver blocks until the function returns; the relay resolves
// it by prompting the extension user, by deadline expiry, or by cancellation.
type PermissionFunc func(ctx context.Context, req *PermissionRequest) (*Decision, error)

// RunOptions parameterize a single run.
type RunOptions struct {
	// ProjectRoot is the absolute path the agent operates in.
	ProjectRoot string

	// PermissionMode is the session's mode snapshot at run start:
	// plan, acceptEdits or bypassPermissions.
	PermissionMode string

	// ConversationID resumes a prior agent conversation when non-empty.
	ConversationID string

	// AllowedTools restricts the tools offered to the agent. Empty means
	// the driver's default set.
	AllowedTools []string

	// OnPermission is the hook the driver calls before a gated action.
	// Never nil for the process and in-process drivers.
	OnPermission PermissionFunc
}

// Driver is the pluggable agent backend. A driver instance is owned
// exclusively by one session and must not be shared.
type Driver interface {
	// Run starts one agent run. The returned channel is closed after the
	// result event (or after context cancellation). Run returns an error
	// only when the run could not be started at all.
	Run(ctx context.Context, prompt string, opts RunOptions) (<-chan Event, error)

	// SetPermissionMode applies a permission-mode change to an in-flight
	// run so the next tool prompt sees the new mode. With no run in
	// flight, or for drivers without a live control channel, it is a
	// no-op; the next Run picks the mode up from its options.
	SetPermissionMode(mode string) error

	// Close releases the driver's resources. After Close the driver must
	// not be used again.
	Close() error
}
