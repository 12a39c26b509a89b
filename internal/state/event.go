package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/turnstile/internal/types"
)

// AppendEvent stores a persisted event. Re-appending the same event ID is a
// no-op so retried writes stay idempotent.
func (s *Store) AppendEvent(ctx context.Context, event *types.Event) error {
	if event.Seq == nil {
		return fmt.Errorf("append event %s: missing sequence number", event.ID)
	}
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (id, session_id, turn_id, seq, type, at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			string(event.ID), string(event.SessionID), string(event.TurnID), *event.Seq, event.Type, toNanos(event.At), payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns persisted events with seq > afterSeq in sequence order.
func (s *Store) ListEvents(ctx context.Context, sessionID types.SessionID, afterSeq int64, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, seq, type, at, payload
		FROM events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, string(sessionID), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var (
			e       types.Event
			seq, at int64
			payload string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TurnID, &seq, &e.Type, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = &seq
		e.At = fromNanos(at)
		e.Persistence = types.Persisted
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest stored sequence number for the session, or 0.
func (s *Store) MaxSeq(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var max int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, string(sessionID)).Scan(&max); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return max, nil
}

// SaveTurn inserts or updates a turn record.
func (s *Store) SaveTurn(ctx context.Context, turn *types.Turn) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, status, stop_reason, error, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				stop_reason = excluded.stop_reason,
				error = excluded.error,
				ended_at = excluded.ended_at`,
			string(turn.ID), string(turn.SessionID), string(turn.Status), turn.StopReason, turn.Error,
			toNanos(turn.StartedAt), nullableNanos(turn.EndedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// GetTurn returns a turn by ID.
func (s *Store) GetTurn(ctx context.Context, id types.TurnID) (*types.Turn, error) {
	var (
		t       types.Turn
		status  string
		started int64
		ended   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, stop_reason, error, started_at, ended_at
		FROM turns WHERE id = ?`, string(id)).
		Scan(&t.ID, &t.SessionID, &status, &t.StopReason, &t.Error, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	t.Status = types.TurnStatus(status)
	t.StartedAt = fromNanos(started)
	t.EndedAt = timePtr(ended)
	return &t, nil
}
