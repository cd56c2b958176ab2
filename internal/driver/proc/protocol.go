// Package proc hosts the agent backend as a child process speaking a
// line-delimited JSON protocol over stdin/stdout. Each line is one message;
// permission checks arrive as control_request messages and are answered with
// control_response lines.
package proc

import "encoding/json"

// Message types on the child's stdout/stdin.
const (
	msgTypeSystem          = "system"
	msgTypeAssistant       = "assistant"
	msgTypeUser            = "user"
	msgTypeResult          = "result"
	msgTypeControlRequest  = "control_request"
	msgTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	subtypeCanUseTool        = "can_use_tool"
	subtypeInterrupt         = "interrupt"
	subtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors in control responses.
const (
	behaviorAllow = "allow"
	behaviorDeny  = "deny"
)

// Tools the backend routes through dedicated prompt kinds.
const (
	toolExitPlanMode    = "ExitPlanMode"
	toolAskUserQuestion = "AskUserQuestion"
)

// agentMessage is one line from the child's stdout. The type field decides
// which of the remaining fields are populated.
type agentMessage struct {
	Type string `json:"type"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`

	// system
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// assistant / user
	Message *messageBody `json:"message,omitempty"`

	// result
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
}

type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// controlRequest is a permission check from the child.
type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// controlResponseMessage answers a control_request.
type controlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *permissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// sdkControlRequest is a control message sent to the child (interrupt,
// set_permission_mode).
type sdkControlRequest struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Request   sdkControlRequestBody `json:"request"`
}

type sdkControlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// userMessage delivers the run prompt to the child.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// resultText extracts the result payload as plain text, accepting either a
// bare string or an object with a text field.
func (m *agentMessage) resultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}
