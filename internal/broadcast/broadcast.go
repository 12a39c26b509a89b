// Package broadcast fans live events out to the connections joined to a
// session.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

var (
	// ErrNotOwner is returned when a connection joins a session its
	// principal does not own.
	ErrNotOwner = errors.New("principal does not own session")
	// ErrUnknownSession is returned when joining a session that does not exist.
	ErrUnknownSession = errors.New("unknown session")
)

// Conn is a joined transport connection. Send must not block; a connection
// that cannot keep up returns an error and misses the event.
type Conn interface {
	ID() string
	Principal() types.Principal
	Send(event *types.Event) error
}

// OwnerLookup returns a session's owning principal.
type OwnerLookup interface {
	Owner(ctx context.Context, id types.SessionID) (types.Principal, error)
}

// Broadcaster tracks session membership.
type Broadcaster struct {
	owners OwnerLookup
	obs    observability.Observer

	mu       sync.RWMutex
	sessions map[types.SessionID]map[string]Conn
	joined   map[string]map[types.SessionID]struct{}
}

func New(owners OwnerLookup, obs observability.Observer) *Broadcaster {
	return &Broadcaster{
		owners:   owners,
		obs:      obs,
		sessions: make(map[types.SessionID]map[string]Conn),
		joined:   make(map[string]map[types.SessionID]struct{}),
	}
}

// Join subscribes conn to the session after checking that the connection's
// authenticated principal owns it. Joining twice is a no-op.
func (b *Broadcaster) Join(ctx context.Context, conn Conn, sessionID types.SessionID) error {
	owner, err := b.owners.Owner(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("join %s: %w", sessionID, ErrUnknownSession)
	}
	if err != nil {
		return fmt.Errorf("join %s: %w", sessionID, err)
	}
	if conn.Principal() == "" || conn.Principal() != owner {
		slog.Warn("join rejected", "conn", conn.ID(), "principal", string(conn.Principal()), "session_id", string(sessionID))
		return fmt.Errorf("join %s: %w", sessionID, ErrNotOwner)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.sessions[sessionID]
	if !ok {
		members = make(map[string]Conn)
		b.sessions[sessionID] = members
	}
	members[conn.ID()] = conn
	subs, ok := b.joined[conn.ID()]
	if !ok {
		subs = make(map[types.SessionID]struct{})
		b.joined[conn.ID()] = subs
	}
	subs[sessionID] = struct{}{}
	return nil
}

// Leave unsubscribes conn from the session. It is safe to call at any time.
func (b *Broadcaster) Leave(conn Conn, sessionID types.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(conn.ID(), sessionID)
}

// LeaveAll unsubscribes conn from every session, e.g. on disconnect.
func (b *Broadcaster) LeaveAll(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sid := range b.joined[conn.ID()] {
		b.leaveLocked(conn.ID(), sid)
	}
}

func (b *Broadcaster) leaveLocked(connID string, sessionID types.SessionID) {
	if members, ok := b.sessions[sessionID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	if subs, ok := b.joined[connID]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(b.joined, connID)
		}
	}
}

// Broadcast delivers event to the connections joined to exactly sessionID.
func (b *Broadcaster) Broadcast(sessionID types.SessionID, event *types.Event) {
	b.mu.RLock()
	members := make([]Conn, 0, len(b.sessions[sessionID]))
	for _, c := range b.sessions[sessionID] {
		members = append(members, c)
	}
	b.mu.RUnlock()

	for _, c := range members {
		if err := c.Send(event); err != nil {
			slog.Warn("broadcast dropped", "conn", c.ID(), "session_id", string(sessionID), "type", event.Type, "error", err)
			observability.Emit(context.Background(), b.obs, observability.BroadcastDropped, observability.LevelWarning, "broadcast", map[string]any{
				"conn":       c.ID(),
				"session_id": string(sessionID),
				"event_type": event.Type,
			})
		}
	}
}

// Members returns how many connections are joined to the session.
func (b *Broadcaster) Members(sessionID types.SessionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}
