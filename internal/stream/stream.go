// Package stream tracks in-flight agent runs. Each run gets a fresh stream
// id, a one-shot cancel signal and a small state machine; the package owns
// the started/completed/cancelled bracketing frames and guarantees nothing
// is emitted for a stream after its terminator.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/pkg/wire"
)

// State is the lifecycle state of a stream.
type State string

const (
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// DefaultGraceWindow bounds how long a cancel waits for the driver to stop
// before the cancelled terminator is emitted anyway.
const DefaultGraceWindow = 2 * time.Second

// SendFunc delivers a marshalled frame to the session's transport.
type SendFunc func(payload []byte)

// Stream is one agent run's lifecycle.
type Stream struct {
	id        string
	sessionID string
	send      SendFunc
	logger    *logger.Logger
	grace     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	toolCount   int64
	byteCount   int64
	cancelCause string
	terminated  bool
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// SessionID returns the owning session id.
func (s *Stream) SessionID() string { return s.sessionID }

// Context is cancelled when the stream is cancelled; drivers observe it.
func (s *Stream) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GraceWindow returns the bounded wait applied after a cancel.
func (s *Stream) GraceWindow() time.Duration { return s.grace }

// RecordTool increments the tool-event counter.
func (s *Stream) RecordTool() {
	s.mu.Lock()
	s.toolCount++
	s.mu.Unlock()
}

// RecordBytes adds streamed content bytes to the byte counter.
func (s *Stream) RecordBytes(n int) {
	s.mu.Lock()
	s.byteCount += int64(n)
	s.mu.Unlock()
}

// Send marshals and forwards a frame for this stream. Frames after the
// terminator are silently dropped.
func (s *Stream) Send(v interface{}) {
	s.mu.Lock()
	dropped := s.terminated
	s.mu.Unlock()
	if dropped {
		s.logger.Debug("dropping frame after stream terminator")
		return
	}

	payload, err := wire.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal stream frame")
		return
	}
	s.send(payload)
}

// RequestCancel moves a running stream to cancelling and raises the cancel
// signal. The cause (user_cancel, peer_gone, shutdown) is echoed later on the
// cancelled terminator. Duplicate or late cancels return false and are
// no-ops.
func (s *Stream) RequestCancel(cause string) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = StateCancelling
	s.cancelCause = cause
	s.mu.Unlock()

	s.cancel()
	return true
}

// Complete emits the completed terminator with run metadata. No-op when the
// stream is already terminated.
func (s *Stream) Complete(agentConversationID string) {
	s.terminate(StateCompleted, &wire.StreamControl{
		Type:     wire.TypeStreamControl,
		Action:   wire.StreamCompleted,
		StreamID: s.id,
		Metadata: s.metadata(agentConversationID),
	})
}

// Cancelled emits the cancelled terminator, carrying the cause recorded by
// RequestCancel. Called after the driver stopped or the grace window expired.
func (s *Stream) Cancelled() {
	s.mu.Lock()
	cause := s.cancelCause
	s.mu.Unlock()

	terminator := &wire.StreamControl{
		Type:     wire.TypeStreamControl,
		Action:   wire.StreamCancelled,
		StreamID: s.id,
	}
	if cause != "" {
		terminator.Metadata = &wire.StreamMetadata{Cause: cause}
	}
	s.terminate(StateCancelled, terminator)
}

// Fail emits an error frame with the redacted cause followed by the
// cancelled terminator, and records the failed state.
func (s *Stream) Fail(detail string) {
	s.Send(wire.NewError(wire.ErrorCodeDriverFailure, detail))
	s.terminate(StateFailed, &wire.StreamControl{
		Type:     wire.TypeStreamControl,
		Action:   wire.StreamCancelled,
		StreamID: s.id,
	})
}

func (s *Stream) terminate(state State, terminator *wire.StreamControl) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.state = state
	s.mu.Unlock()

	payload, err := wire.Marshal(terminator)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal stream terminator")
	} else {
		s.send(payload)
	}
	s.cancel()
}

func (s *Stream) metadata(agentConversationID string) *wire.StreamMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &wire.StreamMetadata{
		DurationMS:          time.Since(s.startedAt).Milliseconds(),
		ToolCount:           int(s.toolCount),
		Bytes:               s.byteCount,
		AgentConversationID: agentConversationID,
	}
}

// Controller is the registry of in-flight streams, keyed by stream id.
type Controller struct {
	mu      sync.Mutex
	streams map[string]*Stream
	grace   time.Duration
	logger  *logger.Logger
}

// NewController creates a stream registry. A zero grace uses the default.
func NewController(grace time.Duration, log *logger.Logger) *Controller {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if log == nil {
		log = logger.Default()
	}
	return &Controller{
		streams: make(map[string]*Stream),
		grace:   grace,
		logger:  log,
	}
}

// Begin registers a new stream for the session and emits the started frame
// before returning, so started always precedes any data frame.
func (c *Controller) Begin(sessionID string, send SendFunc) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		id:        uuid.New().String(),
		sessionID: sessionID,
		send:      send,
		logger:    c.logger.WithSessionID(sessionID),
		grace:     c.grace,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateRunning,
		startedAt: time.Now(),
	}
	s.logger = s.logger.WithStreamID(s.id)

	c.mu.Lock()
	c.streams[s.id] = s
	c.mu.Unlock()

	s.Send(&wire.StreamControl{
		Type:     wire.TypeStreamControl,
		Action:   wire.StreamStarted,
		StreamID: s.id,
	})
	c.logger.Info("stream started",
		zap.String("session_id", sessionID),
		zap.String("stream_id", s.id))
	return s
}

// Get returns a registered stream by id.
func (c *Controller) Get(streamID string) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamID]
	return s, ok
}

// Cancel raises the cancel signal on a stream. Unknown ids and repeated
// cancels return false.
func (c *Controller) Cancel(streamID, cause string) bool {
	s, ok := c.Get(streamID)
	if !ok {
		return false
	}
	return s.RequestCancel(cause)
}

// Release removes a terminated stream from the registry.
func (c *Controller) Release(streamID string) {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}
