// Package scheduler runs periodic maintenance on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler registers jobs as cron entries. A job never overlaps itself.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for the given jobs. Jobs with an empty schedule
// are disabled.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Validate parses every schedule without starting anything.
func Validate(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

// Start registers enabled jobs and starts the cron ticker. It fails if any
// schedule does not parse.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	for _, job := range s.jobs {
		if job.Schedule == "" {
			slog.Info("scheduled job disabled", "name", job.Name)
			continue
		}
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() { s.fire(job) })
		if err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s %q: %w", job.Name, job.Schedule, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(job Job) {
	s.wg.Add(1)
	defer s.wg.Done()
	if s.ctx.Err() != nil {
		return
	}
	slog.Debug("cron firing job", "name", job.Name)
	if err := job.Run(s.ctx); err != nil {
		slog.Error("scheduled job failed", "name", job.Name, "error", err)
	}
}

// RunNow runs every enabled job once, in order. Used at startup to catch
// up on work left by a previous process.
func (s *Scheduler) RunNow(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Schedule == "" {
			continue
		}
		if err := job.Run(ctx); err != nil {
			slog.Error("startup job failed", "name", job.Name, "error", err)
		}
	}
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}
