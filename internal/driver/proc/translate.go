package proc

import (
	"encoding/json"

	"github.com/tabrelay/tabrelay/internal/driver"
)

// translator converts protocol messages into driver events. It tracks which
// conversation id has been announced and which tool invocations are open so
// tool_result blocks can be matched back to their tool_use.
type translator struct {
	established bool
	openTools   map[string]string // tool_use_id -> tool name
}

func newTranslator() *translator {
	return &translator{openTools: make(map[string]string)}
}

// translate maps one protocol message to zero or more driver events.
// Control requests are not handled here; the driver answers those inline.
func (t *translator) translate(msg *agentMessage) []driver.Event {
	switch msg.Type {
	case msgTypeSystem:
		if msg.SessionID != "" && !t.established {
			t.established = true
			return []driver.Event{{
				Type:           driver.EventSessionEstablished,
				ConversationID: msg.SessionID,
			}}
		}
		return nil

	case msgTypeAssistant:
		return t.translateAssistant(msg)

	case msgTypeUser:
		return t.translateToolResults(msg)

	case msgTypeResult:
		var events []driver.Event
		if msg.SessionID != "" && !t.established {
			t.established = true
			events = append(events, driver.Event{
				Type:           driver.EventSessionEstablished,
				ConversationID: msg.SessionID,
			})
		}
		result := driver.Event{
			Type:       driver.EventResult,
			OK:         !msg.IsError,
			DurationMS: msg.DurationMS,
		}
		if msg.IsError {
			result.Err = msg.resultText()
		}
		return append(events, result)
	}
	return nil
}

func (t *translator) translateAssistant(msg *agentMessage) []driver.Event {
	if msg.Message == nil {
		return nil
	}
	var events []driver.Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, driver.Event{Type: driver.EventText, Delta: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				events = append(events, driver.Event{
					Type:      driver.EventThinking,
					Delta:     block.Thinking,
					Signature: block.Signature,
				})
			}
		case "tool_use":
			t.openTools[block.ID] = block.Name
			events = append(events, driver.Event{
				Type:     driver.EventToolStart,
				ToolID:   block.ID,
				ToolName: block.Name,
				Input:    block.Input,
			})
		}
	}
	return events
}

// translateToolResults handles echoed user messages carrying tool_result
// blocks for previously started tools.
func (t *translator) translateToolResults(msg *agentMessage) []driver.Event {
	if msg.Message == nil {
		return nil
	}
	var events []driver.Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		name, open := t.openTools[block.ToolUseID]
		if !open {
			continue
		}
		delete(t.openTools, block.ToolUseID)
		events = append(events, driver.Event{
			Type:          driver.EventToolEnd,
			ToolID:        block.ToolUseID,
			ToolName:      name,
			OutputSummary: summarize(block.Content),
			OK:            !block.IsError,
		})
	}
	return events
}

const summaryMaxLen = 200

func summarize(content string) string {
	runes := []rune(content)
	if len(runes) <= summaryMaxLen {
		return content
	}
	return string(runes[:summaryMaxLen]) + "…"
}

// permissionKind classifies a can_use_tool request: plan approvals and user
// questions ride on dedicated pseudo-tools.
func permissionKind(req *controlRequest) driver.PermissionKind {
	switch req.ToolName {
	case toolExitPlanMode:
		return driver.PermissionPlanApproval
	case toolAskUserQuestion:
		return driver.PermissionAskUser
	default:
		return driver.PermissionToolUse
	}
}

// buildPermissionRequest converts a can_use_tool control request into the
// driver contract's form.
func buildPermissionRequest(req *controlRequest) *driver.PermissionRequest {
	out := &driver.PermissionRequest{
		Kind:     permissionKind(req),
		ToolID:   req.ToolUseID,
		ToolName: req.ToolName,
		Input:    req.Input,
	}
	switch out.Kind {
	case driver.PermissionPlanApproval:
		var input struct {
			Plan string `json:"plan"`
		}
		if err := json.Unmarshal(req.Input, &input); err == nil {
			out.Plan = input.Plan
		}
	case driver.PermissionAskUser:
		var input struct {
			Questions []driver.Question `json:"questions"`
		}
		if err := json.Unmarshal(req.Input, &input); err == nil {
			out.Questions = input.Questions
		}
	}
	return out
}
