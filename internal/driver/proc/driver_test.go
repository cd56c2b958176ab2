package proc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/driver"
)

// fakeAgent drops an executable shell script standing in for the agent
// binary and returns the command argv for it.
func fakeAgent(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return []string{"/bin/sh", path}
}

// collectUntilClosed drains the event channel, failing the test if the
// channel does not close in time.
func collectUntilClosed(t *testing.T, events <-chan driver.Event, within time.Duration) []driver.Event {
	t.Helper()
	var out []driver.Event
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event channel did not close within %v", within)
		}
	}
}

func TestRunEndsWhenChildAwaitsMoreInput(t *testing.T) {
	// A conforming child keeps reading stdin for follow-up user messages
	// after its result; the run must still terminate.
	command := fakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"conv-proc"}'
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"duration_ms":5}'
exec cat >/dev/null
`)
	d, err := New(command, nil)
	require.NoError(t, err)

	events, err := d.Run(context.Background(), "hello", driver.RunOptions{})
	require.NoError(t, err)

	got := collectUntilClosed(t, events, 5*time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, driver.EventSessionEstablished, got[0].Type)
	assert.Equal(t, "conv-proc", got[0].ConversationID)
	last := got[len(got)-1]
	assert.Equal(t, driver.EventResult, last.Type)
	assert.True(t, last.OK)

	// The driver is reusable once the child is reaped.
	var second <-chan driver.Event
	require.Eventually(t, func() bool {
		ch, err := d.Run(context.Background(), "again", driver.RunOptions{ConversationID: "conv-proc"})
		if err != nil {
			return false
		}
		second = ch
		return true
	}, 5*time.Second, 50*time.Millisecond)
	collectUntilClosed(t, second, 5*time.Second)
}

func TestSetPermissionModeReachesLiveChild(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "stdin.jsonl")
	command := fakeAgent(t, fmt.Sprintf(`
{
echo '{"type":"system","subtype":"init","session_id":"conv-proc"}'
sleep 2
echo '{"type":"result","subtype":"success","is_error":false}'
} &
cat > %q
wait
`, capture))
	d, err := New(command, nil)
	require.NoError(t, err)

	events, err := d.Run(context.Background(), "switch soon", driver.RunOptions{PermissionMode: "plan"})
	require.NoError(t, err)

	// The child is up once it announces its conversation id.
	select {
	case ev := <-events:
		require.Equal(t, driver.EventSessionEstablished, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no session_established event")
	}

	require.NoError(t, d.SetPermissionMode("acceptEdits"))
	collectUntilClosed(t, events, 10*time.Second)

	data, err := os.ReadFile(capture)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"switch soon"`)
	assert.Contains(t, string(data), `"set_permission_mode"`)
	assert.Contains(t, string(data), `"acceptEdits"`)
}
