// Package writer persists sequenced events, messages and turn records off the
// live path. Writes for one session land in order; sessions are written
// concurrently up to a global limit.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/types"
)

// Store is the subset of the relational store the writer needs.
type Store interface {
	AppendEvent(ctx context.Context, event *types.Event) error
	AppendMessage(ctx context.Context, msg *types.Message) error
	SaveTurn(ctx context.Context, turn *types.Turn) error
}

// JobKind names the record a job carries.
type JobKind string

const (
	JobEvent   JobKind = "event"
	JobMessage JobKind = "message"
	JobTurn    JobKind = "turn"
)

// Job is one pending write.
type Job struct {
	Kind      JobKind
	SessionID types.SessionID
	Event     *types.Event
	Message   *types.Message
	Turn      *types.Turn
}

// Options tune the writer.
type Options struct {
	Retry         *RetryPolicy
	MaxConcurrent int64
	WriteTimeout  time.Duration
}

// lane holds one session's backlog. Only one goroutine drains a lane at a
// time and the goroutine exits when the backlog is empty.
type lane struct {
	jobs    []*Job
	waiters []chan struct{}
}

// Writer is the durable write-behind queue.
type Writer struct {
	store     Store
	retry     *RetryPolicy
	semaphore *semaphore.Weighted
	timeout   time.Duration
	obs       observability.Observer

	mu      sync.Mutex
	lanes   map[types.SessionID]*lane
	pending int
	waiters []chan struct{}
	closed  bool
	failed  int64
}

// New creates a Writer over store. A nil observer discards failure reports.
func New(store Store, opts Options, obs observability.Observer) *Writer {
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = opts.Retry.withDefaults()
	}
	concurrency := opts.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Writer{
		store:     store,
		retry:     retry,
		semaphore: semaphore.NewWeighted(concurrency),
		timeout:   timeout,
		obs:       obs,
		lanes:     make(map[types.SessionID]*lane),
	}
}

// EnqueueEvent queues a persisted event. Transient events are ignored.
func (w *Writer) EnqueueEvent(event *types.Event) {
	if !event.IsPersisted() {
		return
	}
	w.Enqueue(&Job{Kind: JobEvent, SessionID: event.SessionID, Event: event})
}

// EnqueueMessage queues a user or assistant message.
func (w *Writer) EnqueueMessage(msg *types.Message) {
	w.Enqueue(&Job{Kind: JobMessage, SessionID: msg.SessionID, Message: msg})
}

// EnqueueTurn queues an insert or update of a turn record.
func (w *Writer) EnqueueTurn(turn *types.Turn) {
	cp := *turn
	w.Enqueue(&Job{Kind: JobTurn, SessionID: turn.SessionID, Turn: &cp})
}

// Enqueue adds a job to its session's lane. It never blocks on storage.
func (w *Writer) Enqueue(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		slog.Error("write dropped after close", "session_id", string(job.SessionID), "kind", string(job.Kind))
		return
	}

	l, exists := w.lanes[job.SessionID]
	if !exists {
		l = &lane{}
		w.lanes[job.SessionID] = l
	}
	l.jobs = append(l.jobs, job)
	w.pending++
	if !exists {
		go w.processLane(job.SessionID, l)
	}
}

// processLane writes the session's jobs in FIFO order, holding a semaphore
// slot per write so that lanes share the store fairly.
func (w *Writer) processLane(sessionID types.SessionID, l *lane) {
	for {
		w.mu.Lock()
		if len(l.jobs) == 0 {
			delete(w.lanes, sessionID)
			for _, ch := range l.waiters {
				close(ch)
			}
			w.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		w.mu.Unlock()

		_ = w.semaphore.Acquire(context.Background(), 1)
		w.write(job)
		w.semaphore.Release(1)

		w.mu.Lock()
		w.pending--
		if w.pending == 0 {
			for _, ch := range w.waiters {
				close(ch)
			}
			w.waiters = nil
		}
		w.mu.Unlock()
	}
}

func (w *Writer) write(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	attempts, err := w.retry.Execute(ctx, func() error {
		return w.apply(ctx, job)
	}, func(attempt int, err error) {
		observability.Emit(ctx, w.obs, observability.WriterWriteRetried, observability.LevelWarning, "writer", map[string]any{
			"session_id": string(job.SessionID),
			"kind":       string(job.Kind),
			"attempt":    attempt,
			"error":      err.Error(),
		})
	})
	if err == nil {
		return
	}

	w.mu.Lock()
	w.failed++
	w.mu.Unlock()

	data := map[string]any{
		"session_id": string(job.SessionID),
		"kind":       string(job.Kind),
		"attempts":   attempts,
		"error":      err.Error(),
	}
	if job.Event != nil {
		data["event_id"] = string(job.Event.ID)
		data["event_type"] = job.Event.Type
		if job.Event.Seq != nil {
			data["seq"] = *job.Event.Seq
		}
	}
	slog.Error("durable write failed", "session_id", string(job.SessionID), "kind", string(job.Kind), "attempts", attempts, "error", err)
	observability.Emit(ctx, w.obs, observability.WriterWriteFailed, observability.LevelError, "writer", data)
}

func (w *Writer) apply(ctx context.Context, job *Job) error {
	switch job.Kind {
	case JobEvent:
		return w.store.AppendEvent(ctx, job.Event)
	case JobMessage:
		return w.store.AppendMessage(ctx, job.Message)
	case JobTurn:
		return w.store.SaveTurn(ctx, job.Turn)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// Drain blocks until every job enqueued so far, and any enqueued while
// waiting, has been written or given up on.
func (w *Writer) Drain(ctx context.Context) error {
	w.mu.Lock()
	if w.pending == 0 {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain writer: %w", ctx.Err())
	}
}

// DrainSession blocks until the session's lane is empty.
func (w *Writer) DrainSession(ctx context.Context, sessionID types.SessionID) error {
	w.mu.Lock()
	l, ok := w.lanes[sessionID]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain session %s: %w", sessionID, ctx.Err())
	}
}

// Close drains outstanding writes and rejects further jobs.
func (w *Writer) Close(ctx context.Context) error {
	err := w.Drain(ctx)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}

// Pending returns the number of jobs not yet written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Failed returns the number of jobs abandoned after exhausting retries.
func (w *Writer) Failed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}
