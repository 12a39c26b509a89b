package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/turnstile/internal/types"
)

var (
	// ErrQueueFull is returned when a session already has too many turns waiting.
	ErrQueueFull = errors.New("session queue full")
	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("queue stopped")
)

// DefaultLaneSize bounds how many turns may wait behind the running one.
const DefaultLaneSize = 16

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that turns within a
// session are processed one at a time, while the semaphore limits the
// total number of concurrent turns across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Run
	laneSize  int
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64, laneSize int) *Queue {
	if laneSize <= 0 {
		laneSize = DefaultLaneSize
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Run),
		laneSize:  laneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish. Running turns see only their Shutdown context end.
// Turns still waiting in a lane fail with context.Canceled.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the session's lane, creating the lane (and its
// goroutine) on first use. Returns ErrQueueFull if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	lane, exists := q.lanes[run.SessionID]
	if !exists {
		lane = make(chan *Run, q.laneSize)
		q.lanes[run.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(run.SessionID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("%w: session %s", ErrQueueFull, run.SessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Run) {
	defer q.wg.Done()
	defer q.abandon(lane)
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				run.finish(err)
				return
			}
			q.process(run)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(run *Run) {
	q.active.Add(1)
	defer q.active.Add(-1)

	run.Ctx = context.WithoutCancel(q.ctx)
	run.Shutdown = q.ctx
	run.start()
	if q.processor == nil {
		run.finish(nil)
		return
	}
	err := q.processor(run)
	if err != nil {
		slog.Error("turn failed", "turn_id", string(run.ID), "session_id", string(run.SessionID), "error", err)
	}
	run.finish(err)
}

// abandon fails whatever is still buffered in a lane whose goroutine is exiting.
func (q *Queue) abandon(lane chan *Run) {
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			run.finish(context.Canceled)
		default:
			return
		}
	}
}

// WaitIdle blocks until no turns are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Active returns how many turns are running right now.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
