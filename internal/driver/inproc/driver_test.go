package inproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/driver"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type fakeMessages struct {
	events   []ssestream.Event
	requests []sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.requests = append(f.requests, body)
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: f.events}, nil)
}

func sse(t *testing.T, eventType, payload string) ssestream.Event {
	t.Helper()
	require.True(t, json.Valid([]byte(payload)))
	return ssestream.Event{Type: eventType, Data: json.RawMessage(payload)}
}

func chatScript(t *testing.T) []ssestream.Event {
	return []ssestream.Event{
		sse(t, "message_start", `{"type":"message_start","message":{"role":"assistant","content":[]}}`),
		sse(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"checking the page"}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}`),
		sse(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"The form "}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"looks fine."}}`),
		sse(t, "message_stop", `{"type":"message_stop"}`),
	}
}

func collect(t *testing.T, events <-chan driver.Event) []driver.Event {
	t.Helper()
	var out []driver.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func TestRunStreamsTextAndThinking(t *testing.T) {
	fake := &fakeMessages{events: chatScript(t)}
	d, err := New(fake, Options{Model: "claude-sonnet-4-5"}, nil)
	require.NoError(t, err)

	events, err := d.Run(context.Background(), "is this form broken?", driver.RunOptions{})
	require.NoError(t, err)

	got := collect(t, events)
	require.GreaterOrEqual(t, len(got), 5)

	assert.Equal(t, driver.EventSessionEstablished, got[0].Type)
	assert.NotEmpty(t, got[0].ConversationID)

	var text string
	var sawThinkingDelta, sawThinkingDone bool
	for _, ev := range got {
		switch ev.Type {
		case driver.EventText:
			text += ev.Delta
		case driver.EventThinking:
			if ev.Done {
				sawThinkingDone = true
				assert.Equal(t, "sig-1", ev.Signature)
			} else {
				sawThinkingDelta = true
			}
		}
	}
	assert.Equal(t, "The form looks fine.", text)
	assert.True(t, sawThinkingDelta)
	assert.True(t, sawThinkingDone)

	last := got[len(got)-1]
	assert.Equal(t, driver.EventResult, last.Type)
	assert.True(t, last.OK)
}

func TestRunAccumulatesHistory(t *testing.T) {
	fake := &fakeMessages{events: chatScript(t)}
	d, err := New(fake, Options{Model: "claude-sonnet-4-5"}, nil)
	require.NoError(t, err)

	events, err := d.Run(context.Background(), "first question", driver.RunOptions{})
	require.NoError(t, err)
	first := collect(t, events)

	events, err = d.Run(context.Background(), "follow-up", driver.RunOptions{})
	require.NoError(t, err)
	second := collect(t, events)

	// Same conversation id across runs.
	assert.Equal(t, first[0].ConversationID, second[0].ConversationID)

	require.Len(t, fake.requests, 2)
	// Second request carries user, assistant, user.
	assert.Len(t, fake.requests[0].Messages, 1)
	assert.Len(t, fake.requests[1].Messages, 3)
}

func TestRunRejectsUnknownResumeToken(t *testing.T) {
	fake := &fakeMessages{events: chatScript(t)}
	d, err := New(fake, Options{Model: "claude-sonnet-4-5"}, nil)
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "hello", driver.RunOptions{ConversationID: "conv-resume"})
	assert.ErrorIs(t, err, driver.ErrResumeUnavailable)

	// A fresh conversation still works afterwards.
	events, err := d.Run(context.Background(), "hello", driver.RunOptions{})
	require.NoError(t, err)
	got := collect(t, events)
	assert.NotEmpty(t, got[0].ConversationID)
}

func TestRunAfterCloseFails(t *testing.T) {
	fake := &fakeMessages{events: chatScript(t)}
	d, err := New(fake, Options{Model: "claude-sonnet-4-5"}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.Run(context.Background(), "hello", driver.RunOptions{})
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Model: "m"}, nil)
	assert.Error(t, err)

	_, err = New(&fakeMessages{}, Options{}, nil)
	assert.Error(t, err)
}
