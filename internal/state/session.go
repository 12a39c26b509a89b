package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/turnstile/internal/types"
)

const sessionColumns = `id, COALESCE(session_key, ''), owner, status, created_at, updated_at, archived_at`

func scanSession(scanFn func(dest ...any) error) (*types.Session, error) {
	var (
		sess               types.Session
		created, updated   int64
		archived           sql.NullInt64
		key, owner, status string
	)
	if err := scanFn(&sess.ID, &key, &owner, &status, &created, &updated, &archived); err != nil {
		return nil, err
	}
	sess.Key = types.SessionKey(key)
	sess.Owner = types.Principal(owner)
	sess.Status = types.SessionStatus(status)
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	sess.ArchivedAt = timePtr(archived)
	return &sess, nil
}

// ResolveOrCreate returns the active session bound to key, creating one owned
// by owner if none exists. An archived session under the same key is
// detached so the key starts a fresh session.
func (s *Store) ResolveOrCreate(ctx context.Context, key types.SessionKey, owner types.Principal) (types.SessionID, error) {
	var id types.SessionID
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		err = tx.QueryRowContext(ctx, `SELECT id, status FROM sessions WHERE session_key = ?`, string(key)).Scan(&id, &status)
		switch {
		case err == nil && types.SessionStatus(status) == types.SessionActive:
			return tx.Commit()
		case err == nil:
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET session_key = NULL WHERE id = ?`, string(id)); err != nil {
				return fmt.Errorf("detach archived session: %w", err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("resolve session: %w", err)
		}

		id = types.NewSessionID()
		now := toNanos(time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, session_key, owner, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(id), string(key), string(owner), string(types.SessionActive), now, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Create inserts a new keyless session owned by owner.
func (s *Store) Create(ctx context.Context, owner types.Principal) (*types.Session, error) {
	now := time.Now().UTC()
	sess := &types.Session{
		ID:        types.NewSessionID(),
		Owner:     owner,
		Status:    types.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, session_key, owner, status, created_at, updated_at)
			VALUES (?, NULL, ?, ?, ?, ?)`,
			string(sess.ID), string(owner), string(sess.Status), toNanos(now), toNanos(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get returns the session with the given ID.
func (s *Store) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Owner returns the principal that owns the session.
func (s *Store) Owner(ctx context.Context, id types.SessionID) (types.Principal, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM sessions WHERE id = ?`, string(id)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("session owner: %w", err)
	}
	return types.Principal(owner), nil
}

// List returns sessions, newest activity first. An empty owner lists all.
func (s *Store) List(ctx context.Context, owner types.Principal) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, string(owner))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Touch bumps the session's activity timestamp.
func (s *Store) Touch(ctx context.Context, id types.SessionID) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, toNanos(time.Now()), string(id))
		return err
	})
}

// Archive archives one session. Archiving an archived session is a no-op.
func (s *Store) Archive(ctx context.Context, id types.SessionID) error {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, archived_at = COALESCE(archived_at, ?)
			WHERE id = ?`,
			string(types.SessionArchived), toNanos(time.Now()), string(id))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveIdle archives active sessions with no activity since before.
func (s *Store) ArchiveIdle(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, archived_at = ?
			WHERE status = ? AND updated_at < ?`,
			string(types.SessionArchived), toNanos(time.Now()), string(types.SessionActive), toNanos(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("archive idle sessions: %w", err)
	}
	return n, nil
}
