package writer

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// RetryPolicy controls how failed writes are retried with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 5 attempts, 100ms initial delay, 2x multiplier, 5s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() *RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = max(d.MaxDelay, p.InitialDelay)
	}
	return &p
}

// isRetryable separates transient storage errors from ones that will fail
// the same way every time. Unknown errors default to retryable.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		case sqlite3.ErrConstraint, sqlite3.ErrReadonly, sqlite3.ErrCorrupt:
			return false
		}
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") {
		return true
	}

	// Constraint violations and missing sequence numbers never heal.
	if strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "missing sequence") ||
		strings.Contains(msg, "database is closed") {
		return false
	}

	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. onRetry, if set, is called before each sleep. It
// returns the attempt count and the last error.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) (int, error) {
	var lastErr error
	attempt := 1
	for ; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return attempt, lastErr
		case <-time.After(p.NextDelay(attempt)):
		}
	}
	return p.MaxAttempts, lastErr
}
