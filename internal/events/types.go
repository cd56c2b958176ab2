// Package events defines the relay's event subjects and provides the
// configured bus implementation.
package events

// Connection lifecycle subjects.
const (
	ConnLost = "conn.lost"
)

// Session lifecycle subjects.
const (
	SessionCreated = "session.created"
	SessionResumed = "session.resumed"
	SessionCleared = "session.cleared"
	SessionClosed  = "session.closed"
)

// Stream lifecycle subjects.
const (
	StreamStarted   = "stream.started"
	StreamCompleted = "stream.completed"
	StreamCancelled = "stream.cancelled"
)
