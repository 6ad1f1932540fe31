package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozylik/taskbound/pool"
	"github.com/bozylik/taskbound/retry"
	"github.com/bozylik/taskbound/task"
)

func newPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{Workers: 2, ShutdownMode: pool.ShutdownAbandon})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	p := newPool(t)
	var calls atomic.Int32

	val, err := retry.Do(context.Background(), p, func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, retry.Policy{
		MaxAttempts: 5,
		Backoff:     retry.NewFixedBackoff(5 * time.Millisecond),
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDo_GivesUp(t *testing.T) {
	p := newPool(t)
	cause := errors.New("still down")
	var calls atomic.Int32

	_, err := retry.Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, cause
	}, retry.Policy{MaxAttempts: 3, Backoff: retry.NewFixedBackoff(time.Millisecond), Jitter: true})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, task.ErrTaskFailed)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.EqualValues(t, 3, calls.Load())
}

func TestDo_RetriesAttemptTimeouts(t *testing.T) {
	p := newPool(t)
	var calls atomic.Int32

	val, err := retry.Do(context.Background(), p, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return "second try", nil
	}, retry.Policy{
		MaxAttempts:    2,
		AttemptTimeout: 30 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.Equal(t, "second try", val)
}

func TestDo_RetryIfStops(t *testing.T) {
	p := newPool(t)
	permanent := errors.New("bad request")
	var calls atomic.Int32

	_, err := retry.Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, permanent
	}, retry.Policy{
		MaxAttempts: 5,
		RetryIf: func(err error) bool {
			return !errors.Is(err, permanent)
		},
	})

	assert.ErrorIs(t, err, permanent)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_ClosedPoolIsNotRetried(t *testing.T) {
	p, err := pool.New(pool.Config{Workers: 1})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = retry.Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 1, nil
	}, retry.DefaultPolicy())

	assert.ErrorIs(t, err, task.ErrPoolClosed)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	p := newPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := retry.Do(ctx, p, func(ctx context.Context) (int, error) {
		return 0, errors.New("down")
	}, retry.Policy{MaxAttempts: 10, Backoff: retry.NewFixedBackoff(time.Second)})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retry.Retryable(task.ErrTimeout))
	assert.True(t, retry.Retryable(task.ErrTaskFailed))
	assert.False(t, retry.Retryable(task.ErrInvalidState))
	assert.False(t, retry.Retryable(task.ErrPoolClosed))
	assert.False(t, retry.Retryable(errors.Join(task.ErrTaskFailed, task.ErrPoolClosed)))
}
