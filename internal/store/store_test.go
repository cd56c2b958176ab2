package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/db"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	pool, err := db.Open(filepath.Join(tmpDir, "state.db"))
	require.NoError(t, err)

	s, err := New(pool, tmpDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(id string) *Session {
	return &Session{
		SessionID:      id,
		ProjectRoot:    "/home/dev/project",
		TabID:          "tab-42",
		PageURL:        "https://example.com/docs",
		PermissionMode: "plan",
	}
}

func TestSessionCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, newTestSession("sess-1")))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "tab-42", got.TabID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.AgentConversationID)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.SetConversationID(ctx, "sess-1", "conv-abc"))
	require.NoError(t, s.SetPermissionMode(ctx, "sess-1", "acceptEdits"))
	require.NoError(t, s.SetStatus(ctx, "sess-1", StatusIdle))

	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-abc", got.AgentConversationID)
	assert.Equal(t, "acceptEdits", got.PermissionMode)
	assert.Equal(t, StatusIdle, got.Status)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, "missing", StatusClosed), ErrNotFound)
}

func TestFindResumable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// No conversation id yet: must not qualify.
	require.NoError(t, s.CreateSession(ctx, newTestSession("no-conv")))

	_, err := s.FindResumable(ctx, "/home/dev/project", "https://example.com/docs", 24*time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	older := newTestSession("older")
	older.AgentConversationID = "conv-old"
	older.LastActivity = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.CreateSession(ctx, older))

	newer := newTestSession("newer")
	newer.AgentConversationID = "conv-new"
	require.NoError(t, s.CreateSession(ctx, newer))

	got, err := s.FindResumable(ctx, "/home/dev/project", "https://example.com/docs", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.SessionID)

	// Different page URL does not match.
	_, err = s.FindResumable(ctx, "/home/dev/project", "https://example.com/other", 24*time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	// Outside the resume window nothing qualifies.
	_, err = s.FindResumable(ctx, "/home/dev/project", "https://example.com/docs", time.Nanosecond)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageSequencing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, newTestSession("sess-1")))
	require.NoError(t, s.CreateSession(ctx, newTestSession("sess-2")))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: "sess-1", Role: RoleUser, Content: "hello"}))
	}
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: "sess-2", Role: RoleAssistant, Content: "hi"}))

	msgs, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq, "sequence must be gap-free from 1")
		assert.NotEmpty(t, msg.UUID)
	}

	// Per-session sequences are independent.
	msgs, err = s.ListMessages(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)

	count, err := s.MessageCount(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPurgeMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, newTestSession("sess-1")))
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: "sess-1", Role: RoleUser, Content: "wipe me"}))
	require.NoError(t, s.PurgeMessages(ctx, "sess-1"))

	msgs, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Seq restarts at 1 after a purge.
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: "sess-1", Role: RoleUser, Content: "fresh"}))
	msgs, err = s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
}

func TestListSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	withConv := newTestSession("with-conv")
	withConv.AgentConversationID = "conv-1"
	require.NoError(t, s.CreateSession(ctx, withConv))
	require.NoError(t, s.CreateSession(ctx, newTestSession("without-conv")))

	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: "with-conv", Role: RoleUser, Content: "fix the login form validation"}))
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: "with-conv", Role: RoleAssistant, Content: "done"}))

	summaries, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]*SessionSummary{}
	for _, summary := range summaries {
		byID[summary.SessionID] = summary
	}
	assert.Equal(t, 2, byID["with-conv"].MessageCount)
	assert.Equal(t, "fix the login form validation", byID["with-conv"].Title)
	assert.Equal(t, "New conversation", byID["without-conv"].Title)

	agentOnly, err := s.ListAgentSessions(ctx)
	require.NoError(t, err)
	require.Len(t, agentOnly, 1)
	assert.Equal(t, "with-conv", agentOnly[0].SessionID)
}

func TestDeriveTitleTruncation(t *testing.T) {
	long := make([]rune, 200)
	for i := range long {
		long[i] = 'a'
	}
	title := deriveTitle(string(long))
	assert.Equal(t, titleMaxLen, len([]rune(title)))
}

func TestScreenshotSaveAndReap(t *testing.T) {
	s := setupTestStore(t)

	path, err := s.SaveScreenshot("sess-1", "cap-1", []byte("png-bytes"))
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Fresh file survives the reaper.
	require.NoError(t, s.ReapScreenshots(time.Hour))
	assert.FileExists(t, path)

	// Age the file past the TTL.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	require.NoError(t, s.ReapScreenshots(24*time.Hour))
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Dir(path))
}
