package store

import "time"

// SessionStatus is the lifecycle state of a persisted session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusIdle   SessionStatus = "idle"
	StatusClosed SessionStatus = "closed"
)

// Session is the durable record of one tab conversation. The
// AgentConversationID is the backend's resume token; an empty string means
// the session never established one.
type Session struct {
	SessionID           string        `db:"session_id" json:"session_id"`
	AgentConversationID string        `db:"agent_conversation_id" json:"agent_conversation_id,omitempty"`
	ProjectRoot         string        `db:"project_root" json:"project_root"`
	TabID               string        `db:"tab_id" json:"tab_id"`
	PageURL             string        `db:"page_url" json:"page_url"`
	PermissionMode      string        `db:"permission_mode" json:"permission_mode"`
	Status              SessionStatus `db:"status" json:"status"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	LastActivity        time.Time     `db:"last_activity" json:"last_activity"`
}

// MessageRole classifies a stored transcript message.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
	RoleStatus     MessageRole = "status"
)

// Message is one transcript entry. Seq is assigned by the store and is
// gap-free and monotonic per session, starting at 1.
type Message struct {
	SessionID string      `db:"session_id" json:"-"`
	Seq       int64       `db:"seq" json:"seq"`
	UUID      string      `db:"uuid" json:"uuid"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	TS        time.Time   `db:"ts" json:"timestamp"`
}

// SessionSummary is the session listing shape served by the REST API.
// Title is derived from the first user message.
type SessionSummary struct {
	SessionID           string        `json:"session_id"`
	AgentConversationID string        `json:"agent_conversation_id,omitempty"`
	Title               string        `json:"title"`
	Status              SessionStatus `json:"status"`
	MessageCount        int           `json:"message_count"`
	CreatedAt           time.Time     `json:"created_at"`
	LastActivity        time.Time     `json:"last_activity"`
}
