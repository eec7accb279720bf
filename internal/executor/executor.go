package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/rosterd/rosterd/internal/roster"
	"golang.org/x/sync/semaphore"
)

// ErrExecutorCanceled is returned by Submit after Cancel has been requested.
var ErrExecutorCanceled = errors.New("executor is canceled")

// Task is one unit of work. It must honor ctx cancellation.
type Task func(ctx context.Context) error

// RetryConfig bounds the per-task retry loop.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func (c RetryConfig) maxAttempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// Future resolves when a submitted task finishes all its attempts.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// Err returns the task result; valid only after Wait has returned nil-ctx.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return errors.New("task is still running")
	}
}

// Executor runs tasks for one tenant with a hard cap on in-flight work.
// Submissions past the cap block for backpressure. Tasks start in submission
// order but may complete out of order. Cancel is cooperative: it stops new
// starts and lets running tasks finish.
type Executor struct {
	class    string
	sem      *semaphore.Weighted
	retry    RetryConfig
	wg       sync.WaitGroup
	canceled atomic.Bool
}

func New(class string, limit int, retry RetryConfig) *Executor {
	if limit < 1 {
		limit = 1
	}
	return &Executor{
		class: class,
		sem:   semaphore.NewWeighted(int64(limit)),
		retry: retry,
	}
}

// Submit schedules task and returns a Future for its final result. It blocks
// while the concurrency ceiling is reached.
func (e *Executor) Submit(ctx context.Context, task Task) (*Future, error) {
	if task == nil {
		return nil, errors.New("task is nil")
	}
	if e.canceled.Load() {
		return nil, ErrExecutorCanceled
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if e.canceled.Load() {
		e.sem.Release(1)
		return nil, ErrExecutorCanceled
	}

	f := &Future{done: make(chan struct{})}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		metrics.ExecutorInFlight.WithLabelValues(e.class).Inc()
		defer metrics.ExecutorInFlight.WithLabelValues(e.class).Dec()

		f.err = e.runWithRetry(ctx, task)
		close(f.done)
	}()
	return f, nil
}

// runWithRetry drives the task through the exponential backoff policy.
// Permanent errors short-circuit; rate-limit errors stretch the wait to the
// server-requested interval; exhaustion surfaces as TaskExhaustedError.
func (e *Executor) runWithRetry(ctx context.Context, task Task) error {
	bo := backoff.NewExponentialBackOff()
	if e.retry.Base > 0 {
		bo.InitialInterval = e.retry.Base
	}
	if e.retry.Max > 0 {
		bo.MaxInterval = e.retry.Max
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	maxAttempts := e.retry.maxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = task(ctx)
		if lastErr == nil {
			return nil
		}
		if roster.IsPermanent(lastErr) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if ra := roster.RetryAfter(lastErr); ra > wait {
			wait = ra
		}
		if e.retry.Max > 0 && wait > e.retry.Max {
			wait = e.retry.Max
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &roster.TaskExhaustedError{Attempts: maxAttempts, LastErr: lastErr}
}

// Cancel stops issuing new tasks. In-flight tasks keep running until they
// return or hit their own timeout; nothing is force-killed.
func (e *Executor) Cancel() {
	e.canceled.Store(true)
}

// Canceled reports whether Cancel has been requested.
func (e *Executor) Canceled() bool {
	return e.canceled.Load()
}

// Wait blocks until all started tasks have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}
