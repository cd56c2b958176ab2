package wire

// WebSocket close codes used when a connection is rejected or torn down.
const (
	// CloseProtocolError is sent for malformed frames or a missing handshake.
	CloseProtocolError = 4002
	// CloseOriginRejected is sent when the Origin is not an extension scheme.
	CloseOriginRejected = 4003
	// CloseCapacityExceeded is sent when the concurrent-connection cap is hit.
	CloseCapacityExceeded = 4008
)

// Error codes carried in error frames.
const (
	ErrorCodeBusy              = "busy"
	ErrorCodeProtocolError     = "protocol_error"
	ErrorCodePromptBusy        = "prompt_busy"
	ErrorCodeDriverFailure     = "driver_failure"
	ErrorCodeStoreFailure      = "store_failure"
	ErrorCodeResumeUnavailable = "resume_unavailable"
)

// Cancellation causes recorded on stream teardown.
const (
	CauseUserCancel = "user_cancel"
	CausePeerGone   = "peer_gone"
	CauseShutdown   = "shutdown"
)
