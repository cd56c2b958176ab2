// Package store persists sessions and transcripts to the relay's SQLite
// state file. All writes go through the pool's single serialized writer
// connection; reads run concurrently against WAL snapshots.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/common/sqlite"
	"github.com/tabrelay/tabrelay/internal/db"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found")

// Store provides durable session and message storage plus the screenshot
// blob directory.
type Store struct {
	pool     *db.Pool
	stateDir string
	logger   *logger.Logger
}

// New opens the store over an existing pool and runs the additive schema
// migrations. stateDir is the relay's state directory; screenshots live in
// a subdirectory of it.
func New(pool *db.Pool, stateDir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{pool: pool, stateDir: stateDir, logger: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// initSchema creates the tables and indexes if they don't exist, then runs
// the additive migrations. Never destructive.
func (s *Store) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_conversation_id TEXT NOT NULL DEFAULT '',
		project_root TEXT NOT NULL,
		tab_id TEXT NOT NULL DEFAULT '',
		page_url TEXT NOT NULL DEFAULT '',
		permission_mode TEXT NOT NULL DEFAULT 'plan',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		uuid TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		ts TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_resume
		ON sessions(project_root, page_url, last_activity DESC);
	`)
	if err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies idempotent column additions for schema evolution.
func (s *Store) runMigrations() error {
	w := s.pool.Writer()
	if err := sqlite.EnsureColumn(w, "sessions", "tab_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := sqlite.EnsureColumn(w, "sessions", "status", "TEXT NOT NULL DEFAULT 'active'"); err != nil {
		return err
	}
	return sqlite.EnsureIndex(w, "idx_messages_session_seq", "messages", "session_id, seq")
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_conversation_id, project_root, tab_id, page_url, permission_mode, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.SessionID, sess.AgentConversationID, sess.ProjectRoot, sess.TabID, sess.PageURL, sess.PermissionMode, sess.Status, sess.CreatedAt, sess.LastActivity)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	err := s.pool.Reader().GetContext(ctx, sess, `
		SELECT session_id, agent_conversation_id, project_root, tab_id, page_url, permission_mode, status, created_at, last_activity
		FROM sessions WHERE session_id = ?
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// FindResumable returns the most recently active session for the given
// project root and page URL that established an agent conversation within
// the resume window. Returns ErrNotFound when nothing qualifies.
func (s *Store) FindResumable(ctx context.Context, projectRoot, pageURL string, window time.Duration) (*Session, error) {
	cutoff := time.Now().UTC().Add(-window)
	sess := &Session{}
	err := s.pool.Reader().GetContext(ctx, sess, `
		SELECT session_id, agent_conversation_id, project_root, tab_id, page_url, permission_mode, status, created_at, last_activity
		FROM sessions
		WHERE project_root = ? AND page_url = ? AND agent_conversation_id != '' AND last_activity >= ?
		ORDER BY last_activity DESC
		LIMIT 1
	`, projectRoot, pageURL, cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// TouchActivity bumps last_activity to now.
func (s *Store) TouchActivity(ctx context.Context, sessionID string) error {
	return s.execOnSession(ctx, sessionID, `UPDATE sessions SET last_activity = ? WHERE session_id = ?`, time.Now().UTC())
}

// SetConversationID records the backend's conversation id for a session.
func (s *Store) SetConversationID(ctx context.Context, sessionID, conversationID string) error {
	return s.execOnSession(ctx, sessionID, `UPDATE sessions SET agent_conversation_id = ?, last_activity = ? WHERE session_id = ?`, conversationID, time.Now().UTC())
}

// ClearConversationID detaches a session from its backend conversation.
func (s *Store) ClearConversationID(ctx context.Context, sessionID string) error {
	return s.execOnSession(ctx, sessionID, `UPDATE sessions SET agent_conversation_id = '' WHERE session_id = ?`)
}

// SetPermissionMode persists a mode change.
func (s *Store) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	return s.execOnSession(ctx, sessionID, `UPDATE sessions SET permission_mode = ?, last_activity = ? WHERE session_id = ?`, mode, time.Now().UTC())
}

// SetStatus persists a status transition.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	return s.execOnSession(ctx, sessionID, `UPDATE sessions SET status = ? WHERE session_id = ?`, status)
}

// SetTabBinding updates the tab id and page URL after a resume rebinds the
// session to a new browser tab.
func (s *Store) SetTabBinding(ctx context.Context, sessionID, tabID, pageURL string) error {
	return s.execOnSession(ctx, sessionID, `UPDATE sessions SET tab_id = ?, page_url = ?, last_activity = ? WHERE session_id = ?`, tabID, pageURL, time.Now().UTC())
}

// execOnSession runs an UPDATE whose final placeholder is the session id and
// maps a zero-row result to ErrNotFound.
func (s *Store) execOnSession(ctx context.Context, sessionID, query string, args ...interface{}) error {
	args = append(args, sessionID)
	res, err := s.pool.Writer().ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns summaries of all sessions, newest activity first.
// Title is the first user message, truncated.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionSummary, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT s.session_id, s.agent_conversation_id, s.status, s.created_at, s.last_activity,
			COALESCE((SELECT COUNT(*) FROM messages m WHERE m.session_id = s.session_id), 0),
			COALESCE((SELECT m.content FROM messages m WHERE m.session_id = s.session_id AND m.role = 'user' ORDER BY m.seq ASC LIMIT 1), '')
		FROM sessions s
		ORDER BY s.last_activity DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SessionSummary
	for rows.Next() {
		summary := &SessionSummary{}
		var firstUser string
		if err := rows.Scan(&summary.SessionID, &summary.AgentConversationID, &summary.Status,
			&summary.CreatedAt, &summary.LastActivity, &summary.MessageCount, &firstUser); err != nil {
			s.logger.WithError(err).Warn("skipping corrupt session row")
			continue
		}
		summary.Title = deriveTitle(firstUser)
		result = append(result, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListAgentSessions returns summaries of sessions that have established an
// agent conversation.
func (s *Store) ListAgentSessions(ctx context.Context) ([]*SessionSummary, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*SessionSummary, 0, len(all))
	for _, summary := range all {
		if summary.AgentConversationID != "" {
			result = append(result, summary)
		}
	}
	return result, nil
}

const titleMaxLen = 80

func deriveTitle(firstUserMessage string) string {
	if firstUserMessage == "" {
		return "New conversation"
	}
	runes := []rune(firstUserMessage)
	if len(runes) <= titleMaxLen {
		return firstUserMessage
	}
	return string(runes[:titleMaxLen-1]) + "…"
}
