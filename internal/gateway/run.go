package gateway

import (
	"context"
	"time"

	"github.com/user/turnstile/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks one turn from submission until its processor returns.
type Run struct {
	ID        types.TurnID
	SessionID types.SessionID
	Message   *types.InboundMessage
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	// Ctx carries the turn's work. Stopping the queue does not cancel it,
	// so a started provider call always runs to the end.
	Ctx context.Context
	// Shutdown ends when the queue stops. Only waits on a human observe it.
	Shutdown context.Context

	done chan struct{}
}

// NewRun creates a Run in the Queued state for the given message.
func NewRun(msg *types.InboundMessage) *Run {
	return &Run{
		ID:        types.NewTurnID(),
		SessionID: msg.SessionID,
		Message:   msg,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Wait blocks until the run has been processed or abandoned and returns its
// processing error.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) start() {
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
}

func (r *Run) finish(err error) {
	now := time.Now()
	r.EndedAt = &now
	r.Error = err
	r.Status = RunStatusComplete
	if err != nil {
		r.Status = RunStatusFailed
	}
	if r.done != nil {
		close(r.done)
	}
}
