// Package wire defines the framed JSON protocol spoken between the browser
// extension and the relay. Every frame is a JSON object with a "type"
// discriminator; this package holds the typed frames for both directions,
// the close codes, and small helpers for encoding and peeking.
package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a frame on the wire.
type FrameType string

// Client → server frame types.
const (
	TypeHandshake            FrameType = "handshake"
	TypeChat                 FrameType = "chat"
	TypeCancelRequest        FrameType = "cancel_request"
	TypeUpdatePermissionMode FrameType = "update_permission_mode"
	TypePermissionResponse   FrameType = "permission_response"
	TypeClearSession         FrameType = "clear_session"
	TypePong                 FrameType = "pong"
)

// Server → client frame types.
const (
	TypeHandshakeAck          FrameType = "handshake_ack"
	TypePing                  FrameType = "ping"
	TypeStreamControl         FrameType = "stream_control"
	TypeResponseChunk         FrameType = "response_chunk"
	TypeThinking              FrameType = "thinking"
	TypeToolActivity          FrameType = "tool_activity"
	TypePermissionRequest     FrameType = "permission_request"
	TypePermissionModeUpdated FrameType = "permission_mode_updated"
	TypeSessionCleared        FrameType = "session_cleared"
	TypeStatus                FrameType = "status"
	TypeError                 FrameType = "error"
)

// PermissionMode controls how tool-use prompts are handled for a session.
type PermissionMode string

const (
	ModePlan              PermissionMode = "plan"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// Valid reports whether the mode is one of the three known modes.
func (m PermissionMode) Valid() bool {
	switch m {
	case ModePlan, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}

// Envelope is the minimal decode used to route an inbound frame before the
// full typed decode.
type Envelope struct {
	Type FrameType `json:"type"`
}

// PeekType returns the frame type of a raw frame without fully decoding it.
func PeekType(data []byte) (FrameType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("malformed frame: missing type")
	}
	return env.Type, nil
}

// Handshake must be the first frame on every connection.
type Handshake struct {
	Type           FrameType      `json:"type"`
	PermissionMode PermissionMode `json:"permission_mode"`
	PageURL        string         `json:"page_url"`
	TabID          string         `json:"tab_id"`
}

// ElementContext carries the captured UI element the user selected in the
// page, in compact structured form.
type ElementContext struct {
	Selector   string            `json:"selector,omitempty"`
	TagName    string            `json:"tag_name,omitempty"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OuterHTML  string            `json:"outer_html,omitempty"`
	// Screenshot is an optional base64-encoded PNG capture of the element.
	Screenshot string `json:"screenshot,omitempty"`
}

// Chat starts a new agent run for the session.
type Chat struct {
	Type           FrameType       `json:"type"`
	Message        string          `json:"message"`
	ElementContext *ElementContext `json:"element_context,omitempty"`
	SelectedText   string          `json:"selected_text,omitempty"`
}

// CancelRequest asks the session to cancel its in-flight stream.
type CancelRequest struct {
	Type FrameType `json:"type"`
}

// UpdatePermissionMode switches the session's permission mode.
type UpdatePermissionMode struct {
	Type FrameType      `json:"type"`
	Mode PermissionMode `json:"mode"`
}

// PermissionResponse resolves an outstanding permission prompt.
type PermissionResponse struct {
	Type          FrameType       `json:"type"`
	RequestID     string          `json:"request_id"`
	Approved      bool            `json:"approved"`
	ModifiedInput json.RawMessage `json:"modified_input,omitempty"`
	Answers       json.RawMessage `json:"answers,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ClearSession ends the current agent conversation for the session.
type ClearSession struct {
	Type FrameType `json:"type"`
}

// Pong answers a server ping.
type Pong struct {
	Type FrameType `json:"type"`
}

// HandshakeAck acknowledges a successful handshake.
type HandshakeAck struct {
	Type                FrameType `json:"type"`
	SessionID           string    `json:"session_id"`
	AgentConversationID string    `json:"agent_conversation_id,omitempty"`
	Resumed             bool      `json:"resumed"`
}

// Ping is the server keepalive probe; the client answers with pong.
type Ping struct {
	Type FrameType `json:"type"`
}

// Stream control actions.
const (
	StreamStarted   = "started"
	StreamCompleted = "completed"
	StreamCancelled = "cancelled"
)

// StreamMetadata summarizes a finished stream. Cause is set on cancelled
// terminators: user_cancel, peer_gone or shutdown.
type StreamMetadata struct {
	DurationMS          int64  `json:"duration_ms"`
	ToolCount           int    `json:"tool_count"`
	Bytes               int64  `json:"bytes,omitempty"`
	AgentConversationID string `json:"agent_conversation_id,omitempty"`
	Cause               string `json:"cause,omitempty"`
}

// StreamControl brackets a stream: exactly one started frame precedes any
// data frame, and exactly one completed or cancelled frame ends it.
type StreamControl struct {
	Type     FrameType       `json:"type"`
	Action   string          `json:"action"`
	StreamID string          `json:"stream_id"`
	Metadata *StreamMetadata `json:"metadata,omitempty"`
}

// ResponseChunk carries incremental assistant text.
type ResponseChunk struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content"`
	Done    bool      `json:"done"`
}

// Thinking carries incremental extended-thinking text.
type Thinking struct {
	Type      FrameType `json:"type"`
	Content   string    `json:"content"`
	Signature string    `json:"signature,omitempty"`
	Done      bool      `json:"done"`
}

// Tool activity statuses.
const (
	ToolPending   = "pending"
	ToolExecuting = "executing"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// ToolActivity reports the lifecycle of one tool invocation.
type ToolActivity struct {
	Type          FrameType       `json:"type"`
	ToolID        string          `json:"tool_id"`
	ToolName      string          `json:"tool_name"`
	Status        string          `json:"status"`
	InputSummary  string          `json:"input_summary,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	OutputSummary string          `json:"output_summary,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
}

// Permission request types.
const (
	RequestToolUse      = "tool_use"
	RequestPlanApproval = "plan_approval"
	RequestAskUser      = "ask_user_question"
)

// PermissionQuestion is one question in an ask_user_question prompt.
type PermissionQuestion struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// PermissionRequest asks the user to decide on a tool use, a plan, or a
// question set. The client must answer with a permission_response carrying
// the same request id.
type PermissionRequest struct {
	Type           FrameType            `json:"type"`
	RequestID      string               `json:"request_id"`
	RequestType    string               `json:"request_type"`
	ToolName       string               `json:"tool_name,omitempty"`
	InputData      json.RawMessage      `json:"input_data,omitempty"`
	Plan           string               `json:"plan,omitempty"`
	Questions      []PermissionQuestion `json:"questions,omitempty"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
}

// PermissionModeUpdated acknowledges an update_permission_mode frame.
type PermissionModeUpdated struct {
	Type FrameType      `json:"type"`
	Mode PermissionMode `json:"mode"`
}

// SessionCleared acknowledges a clear_session frame and names the agent
// conversation that was detached. Empty when the session had none.
type SessionCleared struct {
	Type                FrameType `json:"type"`
	AgentConversationID string    `json:"agent_conversation_id,omitempty"`
	Message             string    `json:"message"`
}

// Status is an informational out-of-band frame (permission timeouts, store
// write failures, resume fallbacks).
type Status struct {
	Type   FrameType `json:"type"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// Error reports a recoverable protocol-level failure; the connection stays
// open.
type Error struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Marshal encodes a frame for the wire.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}

// NewError builds an error frame.
func NewError(code, message string) *Error {
	return &Error{Type: TypeError, Code: code, Message: message}
}

// NewStatus builds a status frame.
func NewStatus(status, detail string) *Status {
	return &Status{Type: TypeStatus, Status: status, Detail: detail}
}
