// Package gateway admits user messages as turns. It checks that the
// submitting principal owns the session and serializes turns per session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/turnstile/internal/types"
)

var (
	// ErrNotOwner is returned when a principal submits to someone else's session.
	ErrNotOwner = errors.New("session not owned by principal")
	// ErrArchived is returned for submissions to an archived session.
	ErrArchived = errors.New("session archived")
	// ErrEmptyMessage is returned for a message with no text.
	ErrEmptyMessage = errors.New("empty message")
)

// Gateway turns inbound messages into queued runs.
type Gateway struct {
	sessions types.SessionStore
	Queue    *Queue
}

// New creates a Gateway with the given concurrency limit for simultaneous
// turns and per-session lane size.
func New(sessions types.SessionStore, maxConcurrent int64, laneSize int) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Gateway{
		sessions: sessions,
		Queue:    NewQueue(maxConcurrent, laneSize),
	}
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop stops the queue and waits for running turns to finish.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// SetProcessor sets the turn processor.
func (g *Gateway) SetProcessor(fn func(*Run) error) {
	g.Queue.SetProcessor(fn)
}

// Resolve returns the session bound to key, creating one owned by principal
// on first use. An existing session must already belong to principal.
func (g *Gateway) Resolve(ctx context.Context, key types.SessionKey, principal types.Principal) (types.SessionID, error) {
	id, err := g.sessions.ResolveOrCreate(ctx, key, principal)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	owner, err := g.sessions.Owner(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if owner != principal {
		return "", ErrNotOwner
	}
	return id, nil
}

// Submit validates msg and enqueues it as a new turn. The principal on msg
// must come from the transport's authentication.
func (g *Gateway) Submit(ctx context.Context, msg *types.InboundMessage) (*Run, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, ErrEmptyMessage
	}
	session, err := g.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.Owner != msg.Principal {
		return nil, ErrNotOwner
	}
	if session.Status == types.SessionArchived {
		return nil, ErrArchived
	}

	run := NewRun(msg)
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	if err := g.sessions.Touch(ctx, msg.SessionID); err != nil {
		return run, fmt.Errorf("touch session: %w", err)
	}
	return run, nil
}
