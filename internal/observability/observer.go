// Package observability carries out-of-band signals (write failures,
// approval expiries, queue pressure) that must not travel on the live event
// stream. Levels follow OTel severity numbers.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// Level represents event severity aligned with OTel SeverityNumber ranges.
type Level int

const (
	LevelVerbose Level = 5
	LevelInfo    Level = 9
	LevelWarning Level = 13
	LevelError   Level = 17
)

// SlogLevel maps this level to the corresponding slog.Level.
func (l Level) SlogLevel() slog.Level {
	switch {
	case l <= 8:
		return slog.LevelDebug
	case l <= 12:
		return slog.LevelInfo
	case l <= 16:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// EventType identifies the kind of signal, e.g. "writer.write.failed".
type EventType string

const (
	WriterWriteFailed   EventType = "writer.write.failed"
	WriterWriteRetried  EventType = "writer.write.retried"
	ApprovalExpired     EventType = "approval.expired"
	ApprovalSwept       EventType = "approval.swept"
	SessionsArchived    EventType = "sessions.archived"
	BroadcastDropped    EventType = "broadcast.dropped"
	TurnSequenceFailure EventType = "turn.sequence.failed"
)

type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// Observer receives events from subsystems for logging, tracing, or metrics.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// Emit stamps the event and forwards it to obs, tolerating a nil observer.
func Emit(ctx context.Context, obs Observer, typ EventType, level Level, source string, data map[string]any) {
	if obs == nil {
		return
	}
	obs.OnEvent(ctx, Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	})
}
