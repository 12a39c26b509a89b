package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/turnstile/internal/types"
)

// Broadcaster delivers a live event to the connections joined to a session.
type Broadcaster interface {
	Broadcast(sessionID types.SessionID, event *types.Event)
}

// Sink accepts persisted events for durable storage without blocking.
type Sink interface {
	EnqueueEvent(event *types.Event)
}

// Emitter builds events and publishes them. For one session, numbering,
// broadcast and enqueue happen under a single lock so live order and
// persisted order agree.
type Emitter struct {
	seq  *Sequencer
	bc   Broadcaster
	sink Sink
	now  func() time.Time

	mu    sync.Mutex
	locks map[types.SessionID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewEmitter(seq *Sequencer, bc Broadcaster, sink Sink) *Emitter {
	return &Emitter{
		seq:   seq,
		bc:    bc,
		sink:  sink,
		now:   time.Now,
		locks: make(map[types.SessionID]*sessionLock),
	}
}

// Emit publishes one event. Persisted types get the next sequence number;
// if that fails the event is dropped and an error wrapping ErrSequence is
// returned.
func (e *Emitter) Emit(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, eventType string, payload any) (*types.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	ev := &types.Event{
		ID:          types.NewEventID(),
		Type:        eventType,
		SessionID:   sessionID,
		TurnID:      turnID,
		Persistence: Classify(eventType),
		Payload:     raw,
	}

	l := e.acquire(sessionID)
	defer e.release(sessionID, l)

	if ev.IsPersisted() {
		seq, err := e.seq.Next(ctx, sessionID)
		if err != nil {
			slog.Error("sequence assignment failed", "session_id", string(sessionID), "type", eventType, "error", err)
			return nil, err
		}
		ev.Seq = &seq
	}
	ev.At = e.now().UTC()

	if e.bc != nil {
		e.bc.Broadcast(sessionID, ev)
	}
	if ev.IsPersisted() && e.sink != nil {
		e.sink.EnqueueEvent(ev)
	}
	return ev, nil
}

func (e *Emitter) acquire(sessionID types.SessionID) *sessionLock {
	e.mu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Emitter) release(sessionID types.SessionID, l *sessionLock) {
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, sessionID)
	}
	e.mu.Unlock()
}
