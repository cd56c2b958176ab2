package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendMessage assigns the next sequence number for the session and inserts
// the message in a single transaction on the serialized writer, which keeps
// sequence numbers gap-free. One retry on failure before surfacing the error.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.UUID == "" {
		msg.UUID = uuid.New().String()
	}
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}

	err := s.appendMessage(ctx, msg)
	if err == nil {
		return nil
	}
	s.logger.WithSessionID(msg.SessionID).WithError(err).Warn("message append failed, retrying once")
	if retryErr := s.appendMessage(ctx, msg); retryErr == nil {
		return nil
	}
	return fmt.Errorf("failed to append message: %w", err)
}

func (s *Store) appendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var nextSeq int64
	if err := tx.GetContext(ctx, &nextSeq, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?
	`, msg.SessionID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, seq, uuid, role, content, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.SessionID, nextSeq, msg.UUID, msg.Role, msg.Content, msg.TS); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	msg.Seq = nextSeq
	return nil
}

// ListMessages returns the session's transcript in sequence order. Rows that
// fail to scan are logged and skipped rather than failing the whole read.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT session_id, seq, uuid, role, content, ts
		FROM messages WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.SessionID, &msg.Seq, &msg.UUID, &msg.Role, &msg.Content, &msg.TS); err != nil {
			s.logger.WithSessionID(sessionID).WithError(err).Warn("skipping corrupt message row")
			continue
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MessageCount returns the number of stored messages for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	return count, err
}

// PurgeMessages deletes the session's transcript. Used by clear_session only
// when the purge flag is enabled.
func (s *Store) PurgeMessages(ctx context.Context, sessionID string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		s.logger.WithSessionID(sessionID).Info("purged transcript", zap.Int64("messages", deleted))
	}
	return nil
}
