package proc

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/driver"
)

func parseMsg(t *testing.T, line string) *agentMessage {
	t.Helper()
	var msg agentMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return &msg
}

func TestTranslateSystemEstablishesOnce(t *testing.T) {
	tr := newTranslator()

	events := tr.translate(parseMsg(t, `{"type":"system","subtype":"init","session_id":"conv-1"}`))
	require.Len(t, events, 1)
	assert.Equal(t, driver.EventSessionEstablished, events[0].Type)
	assert.Equal(t, "conv-1", events[0].ConversationID)

	// A second system message does not re-establish.
	events = tr.translate(parseMsg(t, `{"type":"system","session_id":"conv-1"}`))
	assert.Empty(t, events)
}

func TestTranslateAssistantBlocks(t *testing.T) {
	tr := newTranslator()

	line := `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"let me look","signature":"sig"},
		{"type":"text","text":"I'll check the file."},
		{"type":"tool_use","id":"tool-1","name":"Read","input":{"file_path":"main.go"}}
	]}}`
	events := tr.translate(parseMsg(t, line))
	require.Len(t, events, 3)

	assert.Equal(t, driver.EventThinking, events[0].Type)
	assert.Equal(t, "let me look", events[0].Delta)
	assert.Equal(t, "sig", events[0].Signature)

	assert.Equal(t, driver.EventText, events[1].Type)
	assert.Equal(t, "I'll check the file.", events[1].Delta)

	assert.Equal(t, driver.EventToolStart, events[2].Type)
	assert.Equal(t, "tool-1", events[2].ToolID)
	assert.Equal(t, "Read", events[2].ToolName)
	assert.JSONEq(t, `{"file_path":"main.go"}`, string(events[2].Input))
}

func TestTranslateToolResultMatchesOpenTool(t *testing.T) {
	tr := newTranslator()

	tr.translate(parseMsg(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-1","name":"Bash","input":{}}]}}`))

	events := tr.translate(parseMsg(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool-1","content":"ok"}]}}`))
	require.Len(t, events, 1)
	assert.Equal(t, driver.EventToolEnd, events[0].Type)
	assert.Equal(t, "Bash", events[0].ToolName)
	assert.Equal(t, "ok", events[0].OutputSummary)
	assert.True(t, events[0].OK)

	// Results for unknown tool ids are dropped.
	events = tr.translate(parseMsg(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool-9","content":"?"}]}}`))
	assert.Empty(t, events)
}

func TestTranslateResult(t *testing.T) {
	tr := newTranslator()

	events := tr.translate(parseMsg(t, `{"type":"result","subtype":"success","session_id":"conv-1","duration_ms":1200,"result":"done"}`))
	require.Len(t, events, 2)
	assert.Equal(t, driver.EventSessionEstablished, events[0].Type)
	assert.Equal(t, driver.EventResult, events[1].Type)
	assert.True(t, events[1].OK)
	assert.Equal(t, int64(1200), events[1].DurationMS)
}

func TestTranslateErrorResult(t *testing.T) {
	tr := newTranslator()
	tr.established = true

	events := tr.translate(parseMsg(t, `{"type":"result","is_error":true,"result":"context limit reached"}`))
	require.Len(t, events, 1)
	assert.False(t, events[0].OK)
	assert.Equal(t, "context limit reached", events[0].Err)
}

func TestBuildPermissionRequestKinds(t *testing.T) {
	tool := buildPermissionRequest(&controlRequest{
		Subtype:  subtypeCanUseTool,
		ToolName: "Bash",
		Input:    json.RawMessage(`{"command":"rm -rf build"}`),
	})
	assert.Equal(t, driver.PermissionToolUse, tool.Kind)
	assert.Equal(t, "Bash", tool.ToolName)

	plan := buildPermissionRequest(&controlRequest{
		Subtype:  subtypeCanUseTool,
		ToolName: toolExitPlanMode,
		Input:    json.RawMessage(`{"plan":"1. refactor\n2. test"}`),
	})
	assert.Equal(t, driver.PermissionPlanApproval, plan.Kind)
	assert.Equal(t, "1. refactor\n2. test", plan.Plan)

	ask := buildPermissionRequest(&controlRequest{
		Subtype:  subtypeCanUseTool,
		ToolName: toolAskUserQuestion,
		Input:    json.RawMessage(`{"questions":[{"id":"q1","prompt":"Which DB?","options":["sqlite","postgres"]}]}`),
	})
	assert.Equal(t, driver.PermissionAskUser, ask.Kind)
	require.Len(t, ask.Questions, 1)
	assert.Equal(t, "Which DB?", ask.Questions[0].Prompt)
	assert.Equal(t, []string{"sqlite", "postgres"}, ask.Questions[0].Options)
}

func TestSummarizeTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	got := summarize(string(long))
	assert.Len(t, []rune(got), summaryMaxLen+1)
}

func TestSummarizeKeepsMultibyteRunesIntact(t *testing.T) {
	long := strings.Repeat("日本語テキスト", 100)
	got := summarize(long)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, []rune(got), summaryMaxLen+1)
}
