package stream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/pkg/wire"
)

// frameRecorder captures frames a stream emits, in order.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) send(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, payload)
}

func (r *frameRecorder) types(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		ft, err := wire.PeekType(f)
		require.NoError(t, err)
		out = append(out, string(ft))
	}
	return out
}

func (r *frameRecorder) control(t *testing.T, i int) wire.StreamControl {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var sc wire.StreamControl
	require.NoError(t, json.Unmarshal(r.frames[i], &sc))
	return sc
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestBeginEmitsStartedFirst(t *testing.T) {
	rec := &frameRecorder{}
	c := NewController(0, nil)

	s := c.Begin("sess-1", rec.send)
	require.NotEmpty(t, s.ID())
	assert.Equal(t, StateRunning, s.State())

	s.Send(&wire.ResponseChunk{Type: wire.TypeResponseChunk, Content: "hi"})

	types := rec.types(t)
	require.Len(t, types, 2)
	assert.Equal(t, "stream_control", types[0])
	assert.Equal(t, "response_chunk", types[1])

	started := rec.control(t, 0)
	assert.Equal(t, wire.StreamStarted, started.Action)
	assert.Equal(t, s.ID(), started.StreamID)
}

func TestCompleteEmitsMetadataAndTerminates(t *testing.T) {
	rec := &frameRecorder{}
	c := NewController(0, nil)
	s := c.Begin("sess-1", rec.send)

	s.RecordTool()
	s.RecordTool()
	s.RecordBytes(42)
	s.Complete("conv-1")

	assert.Equal(t, StateCompleted, s.State())

	terminator := rec.control(t, rec.count()-1)
	assert.Equal(t, wire.StreamCompleted, terminator.Action)
	require.NotNil(t, terminator.Metadata)
	assert.Equal(t, 2, terminator.Metadata.ToolCount)
	assert.Equal(t, int64(42), terminator.Metadata.Bytes)
	assert.Equal(t, "conv-1", terminator.Metadata.AgentConversationID)

	// Events after the terminator are silently dropped.
	before := rec.count()
	s.Send(&wire.ResponseChunk{Type: wire.TypeResponseChunk, Content: "late"})
	assert.Equal(t, before, rec.count())
}

func TestCancelRaisesSignalOnce(t *testing.T) {
	rec := &frameRecorder{}
	c := NewController(0, nil)
	s := c.Begin("sess-1", rec.send)

	require.True(t, c.Cancel(s.ID(), wire.CauseUserCancel))
	assert.Equal(t, StateCancelling, s.State())

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("cancel signal not raised")
	}

	// Second cancel is a no-op and does not overwrite the cause.
	assert.False(t, c.Cancel(s.ID(), wire.CausePeerGone))

	s.Cancelled()
	assert.Equal(t, StateCancelled, s.State())

	terminator := rec.control(t, rec.count()-1)
	assert.Equal(t, wire.StreamCancelled, terminator.Action)
	require.NotNil(t, terminator.Metadata)
	assert.Equal(t, wire.CauseUserCancel, terminator.Metadata.Cause)

	// Cancel after terminator is ignored.
	assert.False(t, c.Cancel(s.ID(), wire.CauseUserCancel))
}

func TestCancelAfterCompleteIsIgnored(t *testing.T) {
	rec := &frameRecorder{}
	c := NewController(0, nil)
	s := c.Begin("sess-1", rec.send)

	s.Complete("")
	before := rec.count()

	assert.False(t, s.RequestCancel(wire.CauseUserCancel))
	s.Cancelled() // must not emit a second terminator
	assert.Equal(t, before, rec.count())
	assert.Equal(t, StateCompleted, s.State())
}

func TestFailEmitsErrorThenTerminator(t *testing.T) {
	rec := &frameRecorder{}
	c := NewController(0, nil)
	s := c.Begin("sess-1", rec.send)

	s.Fail("agent process exited unexpectedly")
	assert.Equal(t, StateFailed, s.State())

	types := rec.types(t)
	require.Len(t, types, 3)
	assert.Equal(t, "error", types[1])
	assert.Equal(t, "stream_control", types[2])

	var e wire.Error
	rec.mu.Lock()
	require.NoError(t, json.Unmarshal(rec.frames[1], &e))
	rec.mu.Unlock()
	assert.Equal(t, wire.ErrorCodeDriverFailure, e.Code)
}

func TestControllerRegistry(t *testing.T) {
	rec := &frameRecorder{}
	c := NewController(500*time.Millisecond, nil)

	s := c.Begin("sess-1", rec.send)
	assert.Equal(t, 500*time.Millisecond, s.GraceWindow())

	got, ok := c.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.False(t, c.Cancel("unknown-stream", wire.CauseUserCancel))

	c.Release(s.ID())
	_, ok = c.Get(s.ID())
	assert.False(t, ok)
}
