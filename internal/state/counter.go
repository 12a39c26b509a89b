package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/user/turnstile/internal/types"
)

// Next atomically increments and returns the session's sequence counter. The
// first call for a session seeds from the highest stored event so a restart
// never reuses a number.
func (s *Store) Next(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO session_counters (session_id, seq)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?) + 1)
			ON CONFLICT(session_id) DO UPDATE SET seq = seq + 1
			RETURNING seq`, string(sessionID), string(sessionID)).Scan(&seq)
	})
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", sessionID, err)
	}
	return seq, nil
}

// MemoryCounter is an in-process Counter keyed by session.
type MemoryCounter struct {
	counters sync.Map // types.SessionID -> *atomic.Int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (c *MemoryCounter) Next(_ context.Context, sessionID types.SessionID) (int64, error) {
	v, _ := c.counters.LoadOrStore(sessionID, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1), nil
}
