package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/turnstile/internal/observability"
)

// Sweeper expires overdue approval requests.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Archiver archives sessions idle since a cutoff.
type Archiver interface {
	ArchiveIdle(ctx context.Context, before time.Time) (int64, error)
}

// ApprovalSweep expires pending approvals whose deadline passed, including
// requests orphaned by a restart.
func ApprovalSweep(schedule string, gate Sweeper) Job {
	return Job{
		Name:     "approval-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := gate.Sweep(ctx)
			if n > 0 {
				slog.Info("expired overdue approvals", "count", n)
			}
			return err
		},
	}
}

// SessionArchival archives sessions with no activity for idle.
func SessionArchival(schedule string, idle time.Duration, store Archiver, obs observability.Observer) Job {
	return Job{
		Name:     "session-archival",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if idle <= 0 {
				return nil
			}
			n, err := store.ArchiveIdle(ctx, time.Now().Add(-idle))
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("archived idle sessions", "count", n)
				observability.Emit(ctx, obs, observability.SessionsArchived, observability.LevelInfo, "scheduler", map[string]any{"count": n})
			}
			return nil
		},
	}
}
