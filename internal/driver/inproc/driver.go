// Package inproc hosts the agent in-process on the Anthropic Messages
// streaming API. It maintains the conversation history in memory, streams
// text and extended thinking incrementally, and assigns its own conversation
// ids. It advertises no tools, so permission prompting never triggers here;
// tool-gated work runs through the process driver.
package inproc

import (
	"context"
	"errors"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/driver"
)

const defaultMaxTokens = 8192

const systemPrompt = "You are a coding assistant embedded in the user's " +
	"browser workflow. Answer questions about the page the user is viewing " +
	"and the project they are working on. Be concise."

// MessagesClient is the subset of the Anthropic SDK client the driver uses.
// Satisfied by *sdk.MessageService; tests pass a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the in-process driver.
type Options struct {
	// Model is the Claude model identifier. Required.
	Model string
	// MaxTokens caps each completion. Zero uses the default.
	MaxTokens int
}

// Driver implements the agent contract over the Messages API.
type Driver struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	logger    *logger.Logger

	mu             sync.Mutex
	conversationID string
	history        []sdk.MessageParam
	closed         bool
}

// New builds an in-process driver from an existing Messages client.
func New(msg MessagesClient, opts Options, log *logger.Logger) (*Driver, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if log == nil {
		log = logger.Default()
	}
	return &Driver{
		msg:       msg,
		model:     opts.Model,
		maxTokens: maxTokens,
		logger:    log.WithFields(zap.String("component", "inproc-driver")),
	}, nil
}

// NewFromAPIKey constructs a driver using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options, log *logger.Logger) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts, log)
}

// Run streams one completion over the accumulated conversation history.
func (d *Driver) Run(ctx context.Context, prompt string, opts driver.RunOptions) (<-chan driver.Event, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("driver is closed")
	}
	if d.conversationID == "" {
		if opts.ConversationID != "" {
			// History lives in memory only, so a token from an earlier
			// process has nothing to resume.
			d.mu.Unlock()
			return nil, driver.ErrResumeUnavailable
		}
		d.conversationID = uuid.New().String()
	}
	conversationID := d.conversationID
	d.history = append(d.history, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
	messages := make([]sdk.MessageParam, len(d.history))
	copy(messages, d.history)
	d.mu.Unlock()

	params := sdk.MessageNewParams{
		Model:     sdk.Model(d.model),
		MaxTokens: d.maxTokens,
		Messages:  messages,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
	}

	stream := d.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, err
	}

	events := make(chan driver.Event, 64)
	go d.pump(ctx, stream, conversationID, events)
	return events, nil
}

func (d *Driver) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], conversationID string, events chan<- driver.Event) {
	defer close(events)
	defer func() { _ = stream.Close() }()

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

	var assistant strings.Builder
	thinking := make(map[int]string) // open thinking blocks: index -> signature

	for stream.Next() {
		if ctx.Err() != nil {
			return
		}
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if _, ok := ev.ContentBlock.AsAny().(sdk.ThinkingBlock); ok {
				thinking[int(ev.Index)] = ""
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				assistant.WriteString(delta.Text)
				if !emit(driver.Event{Type: driver.EventText, Delta: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if _, open := thinking[idx]; !open {
					thinking[idx] = ""
				}
				if !emit(driver.Event{Type: driver.EventThinking, Delta: delta.Thinking}) {
					return
				}
			case sdk.SignatureDelta:
				thinking[idx] = delta.Signature
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if signature, open := thinking[idx]; open {
				delete(thinking, idx)
				if !emit(driver.Event{Type: driver.EventThinking, Done: true, Signature: signature}) {
					return
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == nil {
			d.logger.WithError(err).Error("messages stream failed")
			emit(driver.Event{Type: driver.EventResult, OK: false, Err: "model stream failed"})
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	if text := assistant.String(); text != "" {
		d.mu.Lock()
		d.history = append(d.history, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		d.mu.Unlock()
	}
	emit(driver.Event{Type: driver.EventResult, OK: true})
}

// SetPermissionMode is a no-op: the driver advertises no tools, so the mode
// only matters to the options of the next Run.
func (d *Driver) SetPermissionMode(string) error { return nil }

// Close marks the driver closed and drops the in-memory history.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.history = nil
	return nil
}
