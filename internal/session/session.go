// Package session is the relay's core: it owns one agent conversation per
// browser tab, turns chat frames into driver runs, relays streamed output
// back as wire frames, and arbitrates permission prompts. A session survives
// connection loss and can be resumed by a later handshake.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/driver"
	"github.com/tabrelay/tabrelay/internal/events"
	"github.com/tabrelay/tabrelay/internal/events/bus"
	"github.com/tabrelay/tabrelay/internal/permission"
	"github.com/tabrelay/tabrelay/internal/store"
	"github.com/tabrelay/tabrelay/internal/stream"
	"github.com/tabrelay/tabrelay/pkg/wire"
)

// ErrBusy is returned when a chat arrives while a run is in flight.
var ErrBusy = errors.New("a run is already in progress")

// DriverFactory creates the agent driver for a session. Drivers are created
// lazily on the first run and recreated after clear_session.
type DriverFactory func() (driver.Driver, error)

// inputSummaryMaxLen bounds the inline tool-input preview on tool_activity
// frames; the full input rides in the structured field.
const inputSummaryMaxLen = 120

// Session binds one browser tab to one agent conversation.
type Session struct {
	id          string
	projectRoot string
	store       *store.Store
	streams     *stream.Controller
	slot        *permission.Slot
	bus         bus.EventBus
	newDriver   DriverFactory
	clearPurges bool
	logger      *logger.Logger

	// sendMu guards the connection binding only; it is never held while
	// s.mu is taken, so frame delivery cannot deadlock against state
	// changes.
	sendMu sync.RWMutex
	connID string
	send   stream.SendFunc

	mu                  sync.Mutex
	conversationID      string
	mode                wire.PermissionMode
	tabID               string
	pageURL             string
	drv                 driver.Driver
	active              *stream.Stream
	pendingContinuation bool
	status              store.SessionStatus
	lastActivity        time.Time
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// TabID returns the bound browser tab id.
func (s *Session) TabID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabID
}

// ConversationID returns the current agent-conversation id, or "".
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Mode returns the session's permission mode.
func (s *Session) Mode() wire.PermissionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Busy reports whether a run is in flight.
func (s *Session) Busy() bool {
	return s.activeStream() != nil
}

// LastActivity returns the time of the last user-visible activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Attach binds the session to a connection. Frames emitted while detached
// are dropped; in-flight streams keep running until cancelled by Detach.
func (s *Session) Attach(connID string, send stream.SendFunc) {
	s.sendMu.Lock()
	s.connID = connID
	s.send = send
	s.sendMu.Unlock()
	s.touch()
}

// Detach unbinds the connection and cancels any in-flight work: the peer is
// gone, so nobody can answer prompts or see output. A stale conn id (the tab
// already reconnected) is a no-op.
func (s *Session) Detach(connID string) {
	s.sendMu.Lock()
	if s.connID != connID {
		s.sendMu.Unlock()
		return
	}
	s.connID = ""
	s.send = nil
	s.sendMu.Unlock()

	s.logger.Info("connection lost, cancelling in-flight work")
	s.slot.Cancel()
	if st := s.activeStream(); st != nil {
		s.cancelStream(st, wire.CausePeerGone)
	}
}

// HandleChat starts an agent run for the chat frame. A second chat while a
// run is in flight is rejected with error:busy and does not disturb the run.
func (s *Session) HandleChat(ctx context.Context, chat *wire.Chat) {
	if s.Busy() {
		s.sendFrame(wire.NewError(wire.ErrorCodeBusy, "a run is already in progress"))
		return
	}

	screenshotPath := s.saveScreenshot(chat.ElementContext)
	prompt := BuildPrompt(chat.Message, chat.ElementContext, chat.SelectedText, screenshotPath)

	s.appendMessage(ctx, store.RoleUser, chat.Message)

	if err := s.startRun(prompt); err != nil {
		if errors.Is(err, ErrBusy) {
			s.sendFrame(wire.NewError(wire.ErrorCodeBusy, "a run is already in progress"))
			return
		}
		s.logger.WithError(err).Error("failed to start agent run")
		s.sendFrame(wire.NewError(wire.ErrorCodeDriverFailure, "agent backend unavailable"))
	}
}

// HandleCancel cancels the in-flight stream. The cancelled terminator is
// emitted once the driver stops, or when the grace window expires, whichever
// comes first. Cancels with nothing in flight are ignored.
func (s *Session) HandleCancel() {
	st := s.activeStream()
	if st == nil {
		s.logger.Debug("cancel request with no active stream")
		return
	}
	s.slot.Cancel()
	s.cancelStream(st, wire.CauseUserCancel)
}

// HandleModeUpdate validates and applies a permission-mode switch.
func (s *Session) HandleModeUpdate(ctx context.Context, frame *wire.UpdatePermissionMode) {
	if !frame.Mode.Valid() {
		s.sendFrame(wire.NewError(wire.ErrorCodeProtocolError, "unknown permission mode"))
		return
	}
	s.applyMode(ctx, frame.Mode)
}

// HandlePermissionResponse resolves the pending permission prompt. Responses
// whose request id doesn't match the pending prompt, and duplicates after
// the first decision, are logged and ignored.
func (s *Session) HandlePermissionResponse(frame *wire.PermissionResponse) {
	decision := &driver.Decision{
		Approved:      frame.Approved,
		ModifiedInput: frame.ModifiedInput,
		Answers:       frame.Answers,
		Reason:        frame.Reason,
	}
	if !decision.Approved && decision.Reason == "" {
		decision.Reason = permission.ReasonDenied
	}

	if err := s.slot.Resolve(frame.RequestID, decision); err != nil {
		s.logger.Warn("ignoring permission response with no matching prompt",
			zap.String("request_id", frame.RequestID))
	}
	s.touch()
}

// HandleClear ends the current agent conversation: cancels in-flight work,
// drops the driver and conversation id, optionally purges the transcript,
// and acknowledges with session_cleared.
func (s *Session) HandleClear(ctx context.Context) {
	s.slot.Cancel()
	if st := s.activeStream(); st != nil {
		s.cancelStream(st, wire.CauseUserCancel)
	}

	s.mu.Lock()
	cleared := s.conversationID
	s.conversationID = ""
	drv := s.drv
	s.drv = nil
	s.pendingContinuation = false
	s.mu.Unlock()

	if drv != nil {
		if err := drv.Close(); err != nil {
			s.logger.WithError(err).Warn("driver close failed during clear")
		}
	}
	if err := s.store.ClearConversationID(ctx, s.id); err != nil {
		s.logger.WithError(err).Error("failed to clear conversation id")
	}
	if s.clearPurges {
		if err := s.store.PurgeMessages(ctx, s.id); err != nil {
			s.logger.WithError(err).Error("failed to purge transcript")
		}
	}

	s.sendFrame(&wire.SessionCleared{
		Type:                wire.TypeSessionCleared,
		AgentConversationID: cleared,
		Message:             "conversation cleared",
	})
	s.publish(events.SessionCleared, map[string]interface{}{
		"agent_conversation_id": cleared,
	})
	s.touch()
}

// SwitchConversation rebinds the session to another agent conversation and
// drops the driver so the next run resumes the target.
func (s *Session) SwitchConversation(ctx context.Context, target string) error {
	if s.Busy() {
		return ErrBusy
	}

	s.mu.Lock()
	drv := s.drv
	s.drv = nil
	s.conversationID = target
	s.mu.Unlock()

	if drv != nil {
		_ = drv.Close()
	}
	return s.store.SetConversationID(ctx, s.id, target)
}

// Shutdown cancels in-flight work and releases the driver. The session row
// stays in the store so a later handshake can resume the conversation.
func (s *Session) Shutdown() {
	s.slot.Cancel()
	if st := s.activeStream(); st != nil {
		st.RequestCancel(wire.CauseShutdown)
		st.Cancelled()
		s.streams.Release(st.ID())
	}

	s.mu.Lock()
	drv := s.drv
	s.drv = nil
	s.active = nil
	s.mu.Unlock()

	if drv != nil {
		_ = drv.Close()
	}
}

// startRun claims the active-stream slot, acquires the driver, and launches
// the run goroutine. The started frame is emitted before startRun returns.
func (s *Session) startRun(prompt string) error {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.drv == nil {
		drv, err := s.newDriver()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.drv = drv
	}
	st := s.streams.Begin(s.id, s.deliver)
	s.active = st
	s.status = store.StatusActive
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.runStream(st, prompt)
	return nil
}

// runStream drives one agent run to its terminator: it forwards driver
// events as wire frames, persists the conversation id and the assistant
// reply, and finishes the stream according to the outcome.
func (s *Session) runStream(st *stream.Stream, prompt string) {
	defer s.streams.Release(st.ID())
	defer s.clearActive(st)

	s.mu.Lock()
	drv := s.drv
	opts := driver.RunOptions{
		ProjectRoot:    s.projectRoot,
		PermissionMode: string(s.mode),
		ConversationID: s.conversationID,
		OnPermission:   s.onPermission(st),
	}
	s.mu.Unlock()

	ctx := context.Background()

	eventCh, err := drv.Run(st.Context(), prompt, opts)
	if errors.Is(err, driver.ErrResumeUnavailable) && opts.ConversationID != "" {
		// The backend no longer knows the conversation; fall back to a
		// fresh one and keep the stored transcript.
		s.logger.WithStreamID(st.ID()).Warn("conversation could not be resumed, starting fresh",
			zap.String("agent_conversation_id", opts.ConversationID))
		s.sendFrame(wire.NewStatus(wire.ErrorCodeResumeUnavailable,
			"previous conversation could not be resumed; starting a new one"))
		s.dropConversationID(ctx)
		opts.ConversationID = ""
		eventCh, err = drv.Run(st.Context(), prompt, opts)
	}
	if err != nil {
		s.logger.WithStreamID(st.ID()).WithError(err).Error("agent run failed to start")
		st.Fail("agent backend unavailable")
		s.publish(events.StreamCancelled, streamData(st))
		return
	}

	var assistant strings.Builder
	toolStarts := make(map[string]time.Time)
	var sawResult, resultOK bool
	var resultErr string

	for ev := range eventCh {
		switch ev.Type {
		case driver.EventSessionEstablished:
			s.adoptConversationID(ctx, ev.ConversationID)
		case driver.EventText:
			assistant.WriteString(ev.Delta)
			st.RecordBytes(len(ev.Delta))
			st.Send(&wire.ResponseChunk{Type: wire.TypeResponseChunk, Content: ev.Delta})
		case driver.EventThinking:
			st.RecordBytes(len(ev.Delta))
			st.Send(&wire.Thinking{
				Type:      wire.TypeThinking,
				Content:   ev.Delta,
				Signature: ev.Signature,
				Done:      ev.Done,
			})
		case driver.EventToolStart:
			st.RecordTool()
			toolStarts[ev.ToolID] = time.Now()
			st.Send(&wire.ToolActivity{
				Type:         wire.TypeToolActivity,
				ToolID:       ev.ToolID,
				ToolName:     ev.ToolName,
				Status:       wire.ToolExecuting,
				Input:        ev.Input,
				InputSummary: summarizeInput(ev.Input),
			})
		case driver.EventToolEnd:
			status := wire.ToolCompleted
			if !ev.OK {
				status = wire.ToolFailed
			}
			duration := ev.DurationMS
			if duration == 0 {
				if started, ok := toolStarts[ev.ToolID]; ok {
					duration = time.Since(started).Milliseconds()
				}
			}
			delete(toolStarts, ev.ToolID)
			st.Send(&wire.ToolActivity{
				Type:          wire.TypeToolActivity,
				ToolID:        ev.ToolID,
				ToolName:      ev.ToolName,
				Status:        status,
				OutputSummary: ev.OutputSummary,
				DurationMS:    duration,
			})
		case driver.EventResult:
			sawResult = true
			resultOK = ev.OK
			resultErr = ev.Err
		}
	}

	if !sawResult {
		// The run was cancelled before a result arrived.
		st.Cancelled()
		s.publish(events.StreamCancelled, streamData(st))
		return
	}

	if !resultOK {
		s.logger.WithStreamID(st.ID()).Error("agent run failed", zap.String("cause", resultErr))
		st.Fail("agent run failed")
		s.publish(events.StreamCancelled, streamData(st))
		return
	}

	if text := assistant.String(); text != "" {
		s.appendMessage(ctx, store.RoleAssistant, text)
	}

	st.Send(&wire.ResponseChunk{Type: wire.TypeResponseChunk, Done: true})
	st.Complete(s.ConversationID())
	s.touch()
	s.publish(events.StreamCompleted, streamData(st))

	// Release the active slot before the plan continuation claims it.
	s.clearActive(st)
	if s.takePendingContinuation() {
		s.continueAfterPlan(ctx)
	}
}

// onPermission returns the driver hook for one stream. It relays the request
// to the extension, waits on the prompt slot, and applies the plan-approval
// mode switch before handing the decision back to the driver.
func (s *Session) onPermission(st *stream.Stream) driver.PermissionFunc {
	return func(ctx context.Context, req *driver.PermissionRequest) (*driver.Decision, error) {
		prompt, err := s.slot.Install(req)
		if err != nil {
			s.logger.Warn("auto-denying permission request, another prompt is pending",
				zap.String("tool", req.ToolName))
			s.sendFrame(wire.NewError(wire.ErrorCodePromptBusy, "another permission prompt is pending"))
			return driver.Deny(permission.ReasonDenied), nil
		}

		if req.Kind == driver.PermissionToolUse && req.ToolID != "" {
			st.Send(&wire.ToolActivity{
				Type:         wire.TypeToolActivity,
				ToolID:       req.ToolID,
				ToolName:     req.ToolName,
				Status:       wire.ToolPending,
				InputSummary: summarizeInput(req.Input),
			})
		}

		st.Send(&wire.PermissionRequest{
			Type:           wire.TypePermissionRequest,
			RequestID:      prompt.RequestID,
			RequestType:    requestType(req.Kind),
			ToolName:       req.ToolName,
			InputData:      req.Input,
			Plan:           req.Plan,
			Questions:      wireQuestions(req.Questions),
			TimeoutSeconds: s.slot.TimeoutSeconds(req.Kind),
		})

		decision, outcome := s.slot.Await(ctx, prompt)
		switch outcome {
		case permission.OutcomeTimedOut:
			s.logger.Info("permission prompt timed out", zap.String("request_id", prompt.RequestID))
			s.sendFrame(wire.NewStatus("permission_timeout", "permission request timed out and was denied"))
		case permission.OutcomeAnswered:
			if decision.Approved && req.Kind == driver.PermissionPlanApproval && s.Mode() == wire.ModePlan {
				s.applyMode(context.Background(), wire.ModeAcceptEdits)
				s.mu.Lock()
				s.pendingContinuation = true
				s.mu.Unlock()
			}
		}
		return decision, nil
	}
}

// continueAfterPlan issues the follow-up run after an approved plan. The
// continuation gets its own stream and transcript entry.
func (s *Session) continueAfterPlan(ctx context.Context) {
	s.logger.Info("plan approved, continuing in acceptEdits mode")
	s.appendMessage(ctx, store.RoleUser, continuationPrompt)
	if err := s.startRun(continuationPrompt); err != nil {
		s.logger.WithError(err).Error("failed to start plan continuation run")
		s.sendFrame(wire.NewError(wire.ErrorCodeDriverFailure, "agent backend unavailable"))
	}
}

// cancelStream raises the cancel signal and arms the grace-window watchdog:
// if the driver hasn't stopped by then, the cancelled terminator is emitted
// anyway (terminators are idempotent, so the race with the run goroutine is
// harmless).
func (s *Session) cancelStream(st *stream.Stream, cause string) {
	if !st.RequestCancel(cause) {
		return
	}
	time.AfterFunc(st.GraceWindow(), func() {
		if st.State() == stream.StateCancelling {
			s.logger.WithStreamID(st.ID()).Warn("driver missed the cancel grace window")
			st.Cancelled()
		}
	})
}

// applyMode records the new mode and forwards it to the driver so an
// in-flight run gates its next tool prompt under it.
func (s *Session) applyMode(ctx context.Context, mode wire.PermissionMode) {
	s.mu.Lock()
	s.mode = mode
	drv := s.drv
	s.mu.Unlock()

	if drv != nil {
		if err := drv.SetPermissionMode(string(mode)); err != nil {
			s.logger.WithError(err).Warn("failed to forward permission mode to driver")
		}
	}

	if err := s.store.SetPermissionMode(ctx, s.id, string(mode)); err != nil {
		s.logger.WithError(err).Error("failed to persist permission mode")
	}
	s.sendFrame(&wire.PermissionModeUpdated{Type: wire.TypePermissionModeUpdated, Mode: mode})
	s.touch()
}

// adoptConversationID records the backend-assigned conversation id the first
// time it is seen for this session.
func (s *Session) adoptConversationID(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	if s.conversationID == conversationID {
		s.mu.Unlock()
		return
	}
	s.conversationID = conversationID
	s.mu.Unlock()

	if err := s.store.SetConversationID(ctx, s.id, conversationID); err != nil {
		s.logger.WithError(err).Error("failed to persist conversation id")
	}
}

// dropConversationID forgets the current conversation binding. The next
// session_established event adopts the replacement.
func (s *Session) dropConversationID(ctx context.Context) {
	s.mu.Lock()
	s.conversationID = ""
	s.mu.Unlock()

	if err := s.store.ClearConversationID(ctx, s.id); err != nil {
		s.logger.WithError(err).Error("failed to clear conversation id")
	}
}

// appendMessage persists a transcript entry. The store already retries once;
// a failure here surfaces as a status frame and the run proceeds without the
// entry.
func (s *Session) appendMessage(ctx context.Context, role store.MessageRole, content string) {
	msg := &store.Message{SessionID: s.id, Role: role, Content: content}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.WithError(err).Error("failed to persist message")
		s.sendFrame(wire.NewStatus(wire.ErrorCodeStoreFailure, "message could not be saved; the conversation continues"))
	}
}

// saveScreenshot decodes and stores the element capture, returning its path.
// Failures are logged and the chat proceeds without the screenshot.
func (s *Session) saveScreenshot(ec *wire.ElementContext) string {
	if ec == nil || ec.Screenshot == "" {
		return ""
	}
	png, err := base64.StdEncoding.DecodeString(ec.Screenshot)
	if err != nil {
		s.logger.WithError(err).Warn("discarding undecodable screenshot")
		return ""
	}
	path, err := s.store.SaveScreenshot(s.id, uuid.New().String(), png)
	if err != nil {
		s.logger.WithError(err).Warn("failed to save screenshot")
		return ""
	}
	return path
}

func (s *Session) activeStream() *stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) clearActive(st *stream.Stream) {
	s.mu.Lock()
	if s.active == st {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Session) takePendingContinuation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pendingContinuation
	s.pendingContinuation = false
	return pending
}

// deliver hands a marshalled frame to the current connection. Dropped when
// detached.
func (s *Session) deliver(payload []byte) {
	s.sendMu.RLock()
	send := s.send
	s.sendMu.RUnlock()
	if send != nil {
		send(payload)
	}
}

// sendFrame marshals and delivers a session-level frame (not tied to a
// stream's terminator bookkeeping).
func (s *Session) sendFrame(v interface{}) {
	payload, err := wire.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal frame")
		return
	}
	s.deliver(payload)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.status = store.StatusActive
	s.mu.Unlock()

	go func() {
		if err := s.store.TouchActivity(context.Background(), s.id); err != nil {
			s.logger.WithError(err).Debug("failed to touch session activity")
		}
	}()
}

func (s *Session) publish(subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = s.id
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session", data)); err != nil {
		s.logger.WithError(err).Debug("failed to publish event")
	}
}

func streamData(st *stream.Stream) map[string]interface{} {
	return map[string]interface{}{"stream_id": st.ID()}
}

func requestType(kind driver.PermissionKind) string {
	switch kind {
	case driver.PermissionPlanApproval:
		return wire.RequestPlanApproval
	case driver.PermissionAskUser:
		return wire.RequestAskUser
	default:
		return wire.RequestToolUse
	}
}

func wireQuestions(questions []driver.Question) []wire.PermissionQuestion {
	if len(questions) == 0 {
		return nil
	}
	out := make([]wire.PermissionQuestion, len(questions))
	for i, q := range questions {
		out[i] = wire.PermissionQuestion{ID: q.ID, Prompt: q.Prompt, Options: q.Options}
	}
	return out
}

func summarizeInput(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	runes := []rune(string(input))
	if len(runes) <= inputSummaryMaxLen {
		return string(runes)
	}
	return string(runes[:inputSummaryMaxLen]) + "…"
}
