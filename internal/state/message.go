package state

import (
	"context"
	"fmt"

	"github.com/user/turnstile/internal/types"
)

// AppendMessage stores a user or assistant message. Idempotent on ID.
func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, turn_id, role, content, thinking, stop_reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			string(msg.ID), string(msg.SessionID), string(msg.TurnID), string(msg.Role),
			msg.Content, msg.Thinking, msg.StopReason, toNanos(msg.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, role, content, thinking, stop_reason, created_at FROM (
			SELECT rowid AS rid, * FROM messages WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, rid ASC`, string(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var (
			m       types.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &role, &m.Content, &m.Thinking, &m.StopReason, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = types.Role(role)
		m.CreatedAt = fromNanos(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}
