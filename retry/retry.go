// Package retry layers a caller-side retry loop over task.Await. Nothing in
// the task or pool packages retries on its own.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bozylik/taskbound/pool"
	"github.com/bozylik/taskbound/task"
)

type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	Backoff     BackoffStrategy
	Jitter      bool

	// AttemptTimeout bounds every attempt with its own task deadline.
	// Zero leaves attempts unbounded.
	AttemptTimeout time.Duration

	// RetryIf decides whether an attempt's error is worth another try.
	// Nil retries timeouts and work failures but never pool or state errors.
	RetryIf func(err error) bool

	Logger *zap.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     NewExponentialBackoff(100*time.Millisecond, 2, 2*time.Second),
		Jitter:      true,
	}
}

// Retryable is the default RetryIf.
func Retryable(err error) bool {
	switch task.KindOf(err) {
	case task.KindTimeout:
		return true
	case task.KindTaskFailed:
		return !errors.Is(err, task.ErrPoolClosed)
	default:
		return false
	}
}

// Do submits work to p once per attempt until an attempt succeeds, the
// error is not retryable, attempts run out, or ctx ends. Each attempt is a
// fresh task, so a timed-out attempt's worker may still be busy while the
// next one runs.
func Do[T any](ctx context.Context, p *pool.Pool, work task.Work[T], policy Policy) (T, error) {
	var zero T

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = Retryable
	}
	log := policy.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(0)
			if policy.Backoff != nil {
				delay = policy.Backoff.Next(attempt - 1)
			}
			if policy.Jitter {
				delay = withJitter(delay)
			}

			log.Debug("retrying", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))

			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return zero, fmt.Errorf("retry: %w (last error: %w)", ctx.Err(), lastErr)
				case <-timer.C:
				}
			}
		}

		val, err := runAttempt(ctx, p, work, policy.AttemptTimeout)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry: %w (last error: %w)", ctx.Err(), err)
		}
		lastErr = err

		if !retryIf(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("retry: gave up after %d attempts: %w", attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, p *pool.Pool, work task.Work[T], timeout time.Duration) (T, error) {
	var zero T

	t, err := task.Submit(p, work)
	if err != nil {
		return zero, err
	}
	if timeout > 0 {
		if _, err := t.WithTimeout(timeout); err != nil {
			return zero, err
		}
	}
	return t.AwaitContext(ctx)
}
