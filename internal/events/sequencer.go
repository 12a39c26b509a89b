package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/turnstile/internal/types"
)

// ErrSequence is returned when a persisted event cannot be numbered. The
// event is never delivered in that case.
var ErrSequence = errors.New("sequence assignment failed")

// Sequencer hands out gap-free per-session sequence numbers from a Counter.
type Sequencer struct {
	counter types.Counter
}

func NewSequencer(counter types.Counter) *Sequencer {
	return &Sequencer{counter: counter}
}

// Next returns the next sequence number for the session.
func (s *Sequencer) Next(ctx context.Context, sessionID types.SessionID) (int64, error) {
	seq, err := s.counter.Next(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSequence, err)
	}
	if seq <= 0 {
		return 0, fmt.Errorf("%w: counter returned %d", ErrSequence, seq)
	}
	return seq, nil
}
