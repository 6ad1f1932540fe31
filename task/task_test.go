package task_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozylik/taskbound/metrics"
	"github.com/bozylik/taskbound/pool"
	"github.com/bozylik/taskbound/task"
)

// newPool returns an abandoning pool so slow timed-out work never holds up
// test cleanup.
func newPool(t *testing.T, workers int, opts ...pool.Option) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{Workers: workers, ShutdownMode: pool.ShutdownAbandon}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p
}

func sleepThen[T any](d time.Duration, v T) task.Work[T] {
	return func(ctx context.Context) (T, error) {
		time.Sleep(d)
		return v, nil
	}
}

func TestTask_NoDeadlineWaitsForCompletion(t *testing.T) {
	p := newPool(t, 2)

	tsk, err := task.Submit(p, sleepThen(150*time.Millisecond, "ok"))
	require.NoError(t, err)

	start := time.Now()
	val, err := tsk.Await()
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, task.StateCompleted, tsk.State())

	_, has := tsk.Deadline()
	assert.False(t, has)
}

func TestTask_CompletesBeforeDeadline(t *testing.T) {
	p := newPool(t, 2)

	tsk, err := task.Submit(p, sleepThen(50*time.Millisecond, 42))
	require.NoError(t, err)
	_, err = tsk.WithTimeout(time.Second)
	require.NoError(t, err)

	start := time.Now()
	val, err := tsk.Await()
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Less(t, elapsed, 500*time.Millisecond, "wait should track the work, not the deadline")
}

func TestTask_DeadlineElapsesFirst(t *testing.T) {
	p := newPool(t, 2)

	tsk, err := task.Submit(p, sleepThen(time.Second, "ok"))
	require.NoError(t, err)
	_, err = tsk.WithTimeout(100 * time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	val, err := tsk.Await()
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTimeout)
	assert.Equal(t, task.KindTimeout, task.KindOf(err))
	assert.Empty(t, val)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond, "wait should track the deadline, not the work")
	assert.Equal(t, task.StateTimedOut, tsk.State())
}

func TestTask_LateResultIsDiscarded(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := newPool(t, 1, pool.WithMetrics(m))

	finished := make(chan struct{})
	tsk, err := task.Submit(p, func(ctx context.Context) (string, error) {
		defer close(finished)
		time.Sleep(150 * time.Millisecond)
		return "late", nil
	})
	require.NoError(t, err)
	_, err = tsk.WithTimeout(30 * time.Millisecond)
	require.NoError(t, err)

	_, first := tsk.Await()
	require.ErrorIs(t, first, task.ErrTimeout)

	<-finished
	time.Sleep(10 * time.Millisecond)

	val, second := tsk.Await()
	assert.Empty(t, val)
	assert.Equal(t, task.StateTimedOut, tsk.State())
	assert.True(t, first == second, "repeated await must return the identical error")
}

func TestTask_ResultAfterDeadlineWithoutWaiter(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, sleepThen(80*time.Millisecond, "late"))
	require.NoError(t, err)
	_, err = tsk.WithTimeout(20 * time.Millisecond)
	require.NoError(t, err)

	select {
	case <-tsk.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never settled")
	}

	assert.Equal(t, task.StateTimedOut, tsk.State())
	_, err = tsk.Await()
	assert.ErrorIs(t, err, task.ErrTimeout)
}

func TestTask_WorkFailure(t *testing.T) {
	p := newPool(t, 1)
	cause := errors.New("connection refused")

	tsk, err := task.Submit(p, func(ctx context.Context) (string, error) {
		return "", cause
	})
	require.NoError(t, err)
	_, err = tsk.WithTimeout(time.Second)
	require.NoError(t, err)

	_, first := tsk.Await()
	require.Error(t, first)
	assert.ErrorIs(t, first, task.ErrTaskFailed)
	assert.ErrorIs(t, first, cause)
	assert.NotErrorIs(t, first, task.ErrTimeout)
	assert.Equal(t, task.StateFailed, tsk.State())

	_, second := tsk.Await()
	assert.True(t, first == second)
}

func TestTask_FailureStoredUntilObserved(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, func(ctx context.Context) (int, error) {
		return 0, fmt.Errorf("business logic error")
	})
	require.NoError(t, err)

	<-tsk.Done()
	time.Sleep(10 * time.Millisecond)

	_, err = tsk.Await()
	assert.ErrorIs(t, err, task.ErrTaskFailed)
	assert.Contains(t, err.Error(), "business logic error")
}

func TestTask_Panic(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, func(ctx context.Context) (int, error) {
		panic("something went wrong!")
	})
	require.NoError(t, err)

	_, err = tsk.Await()
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTaskFailed)
	assert.Contains(t, err.Error(), "task panicked: something went wrong!")
}

func TestTask_AwaitIsIdempotent(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, task.Func(func() (string, error) { return "ok", nil }))
	require.NoError(t, err)

	v1, e1 := tsk.Await()
	v2, e2 := tsk.Await()
	assert.NoError(t, e1)
	assert.NoError(t, e2)
	assert.Equal(t, v1, v2)

	at, settled := tsk.FinishedAt()
	assert.True(t, settled)
	assert.False(t, at.Before(tsk.CreatedAt()))
}

func TestTask_WithTimeoutTwice(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, sleepThen(10*time.Millisecond, 1))
	require.NoError(t, err)

	_, err = tsk.WithTimeout(time.Second)
	require.NoError(t, err)

	_, err = tsk.WithTimeout(2 * time.Second)
	assert.ErrorIs(t, err, task.ErrInvalidState)

	d, ok := tsk.Deadline()
	assert.True(t, ok)
	assert.Equal(t, time.Second, d, "the first deadline must stay in force")
}

func TestTask_WithTimeoutRejectsNonPositive(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, sleepThen(10*time.Millisecond, 1))
	require.NoError(t, err)

	_, err = tsk.WithTimeout(0)
	assert.ErrorIs(t, err, task.ErrInvalidState)
	_, err = tsk.WithTimeout(-time.Second)
	assert.ErrorIs(t, err, task.ErrInvalidState)

	_, ok := tsk.Deadline()
	assert.False(t, ok)
}

func TestTask_WithTimeoutDoesNotChangeState(t *testing.T) {
	p := newPool(t, 1)

	release := make(chan struct{})
	blocker, err := task.Submit(p, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	tsk, err := task.Submit(p, sleepThen(0, 1))
	require.NoError(t, err)

	_, err = tsk.WithTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, task.StatePending, tsk.State(), "an elapsed deadline is only acted on by a waiter or a worker")

	close(release)
	_, err = blocker.Await()
	require.NoError(t, err)
}

func TestTask_NeverSubmitted(t *testing.T) {
	var zero task.Task[string]
	_, err := zero.Await()
	assert.ErrorIs(t, err, task.ErrInvalidState)

	_, err = zero.WithTimeout(time.Second)
	assert.ErrorIs(t, err, task.ErrInvalidState)

	var nilTask *task.Task[string]
	_, err = nilTask.Await()
	assert.ErrorIs(t, err, task.ErrInvalidState)
	assert.False(t, nilTask.MarkTimedOut())
}

func TestTask_SubmitInvalid(t *testing.T) {
	_, err := task.Submit[int](nil, sleepThen(0, 1))
	assert.ErrorIs(t, err, task.ErrInvalidState)

	p := newPool(t, 1)
	_, err = task.Submit[int](p, nil)
	assert.ErrorIs(t, err, task.ErrInvalidState)
}

func TestTask_SubmitAfterShutdown(t *testing.T) {
	p, err := pool.New(pool.Config{Workers: 1})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	tsk, err := task.Submit(p, sleepThen(0, "x"))
	assert.Nil(t, tsk)
	assert.ErrorIs(t, err, task.ErrPoolClosed)
	assert.Equal(t, task.KindPoolClosed, task.KindOf(err))
}

func TestTask_TimedOutWhileQueuedNeverRuns(t *testing.T) {
	p := newPool(t, 1)

	release := make(chan struct{})
	blocker, err := task.Submit(p, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	queued, err := task.Submit(p, func(ctx context.Context) (int, error) {
		ran <- struct{}{}
		return 1, nil
	})
	require.NoError(t, err)
	_, err = queued.WithTimeout(20 * time.Millisecond)
	require.NoError(t, err)

	_, err = queued.Await()
	require.ErrorIs(t, err, task.ErrTimeout)

	close(release)
	_, err = blocker.Await()
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("work of a task that timed out in the queue must not run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTask_DeadlinePassedInQueueWithoutWaiter(t *testing.T) {
	p := newPool(t, 1)

	release := make(chan struct{})
	blocker, err := task.Submit(p, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	queued, err := task.Submit(p, func(ctx context.Context) (int, error) {
		ran <- struct{}{}
		return 1, nil
	})
	require.NoError(t, err)
	_, err = queued.WithTimeout(10 * time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	close(release)
	_, err = blocker.Await()
	require.NoError(t, err)

	select {
	case <-queued.Done():
	case <-time.After(time.Second):
		t.Fatal("queued task never settled")
	}
	assert.Equal(t, task.StateTimedOut, queued.State())
	assert.Empty(t, ran)
}

func TestTask_ForceInterrupt(t *testing.T) {
	t.Run("Off", func(t *testing.T) {
		p := newPool(t, 1)
		interrupted := make(chan struct{}, 1)

		tsk, err := task.Submit(p, func(ctx context.Context) (int, error) {
			select {
			case <-ctx.Done():
				interrupted <- struct{}{}
			case <-time.After(200 * time.Millisecond):
			}
			return 1, nil
		})
		require.NoError(t, err)
		_, err = tsk.WithTimeout(20 * time.Millisecond)
		require.NoError(t, err)

		_, err = tsk.Await()
		require.ErrorIs(t, err, task.ErrTimeout)

		select {
		case <-interrupted:
			t.Fatal("work must not be interrupted without force interrupt")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("On", func(t *testing.T) {
		p := newPool(t, 1)
		interrupted := make(chan struct{}, 1)

		tsk, err := task.Submit(p, func(ctx context.Context) (int, error) {
			select {
			case <-ctx.Done():
				interrupted <- struct{}{}
				return 0, ctx.Err()
			case <-time.After(5 * time.Second):
				return 1, nil
			}
		}, task.WithForceInterrupt(true))
		require.NoError(t, err)
		_, err = tsk.WithTimeout(20 * time.Millisecond)
		require.NoError(t, err)

		_, err = tsk.Await()
		require.ErrorIs(t, err, task.ErrTimeout)

		select {
		case <-interrupted:
		case <-time.After(time.Second):
			t.Fatal("work should observe cancellation under force interrupt")
		}
		assert.Equal(t, task.StateTimedOut, tsk.State())
	})

	t.Run("PoolDefault", func(t *testing.T) {
		p, err := pool.New(pool.Config{Workers: 1, ForceInterrupt: true, ShutdownMode: pool.ShutdownAbandon})
		require.NoError(t, err)
		defer p.Shutdown(context.Background())

		interrupted := make(chan struct{}, 1)
		tsk, err := task.Submit(p, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			interrupted <- struct{}{}
			return 0, ctx.Err()
		})
		require.NoError(t, err)
		_, err = tsk.WithTimeout(10 * time.Millisecond)
		require.NoError(t, err)

		_, err = tsk.Await()
		require.ErrorIs(t, err, task.ErrTimeout)

		select {
		case <-interrupted:
		case <-time.After(time.Second):
			t.Fatal("pool-wide force interrupt was not applied")
		}
	})
}

func TestTask_AwaitContextCancelled(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, sleepThen(300*time.Millisecond, "ok"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = tsk.AwaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, tsk.State().Terminal(), "abandoning a wait must not settle the task")

	val, err := tsk.Await()
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestTask_AbandonedByPoolShutdown(t *testing.T) {
	p, err := pool.New(pool.Config{Workers: 1, ShutdownMode: pool.ShutdownAbandon})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	_, err = task.Submit(p, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	queued, err := task.Submit(p, sleepThen(0, 1))
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))

	_, err = queued.Await()
	assert.ErrorIs(t, err, task.ErrTaskFailed)
	assert.ErrorIs(t, err, task.ErrPoolClosed)
	assert.Equal(t, task.StateFailed, queued.State())
}

func TestTask_PriorityAndID(t *testing.T) {
	p := newPool(t, 1)

	tsk, err := task.Submit(p, sleepThen(0, 1), task.WithID("inscription-1"), task.WithPriority(5))
	require.NoError(t, err)
	assert.Equal(t, "inscription-1", tsk.ID())

	generated, err := task.Submit(p, sleepThen(0, 1))
	require.NoError(t, err)
	assert.Len(t, generated.ID(), 26, "generated ids are ULIDs")
	assert.NotEqual(t, tsk.ID(), generated.ID())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, task.KindNone, task.KindOf(nil))
	assert.Equal(t, task.KindTimeout, task.KindOf(fmt.Errorf("x: %w", task.ErrTimeout)))
	assert.Equal(t, task.KindTaskFailed, task.KindOf(fmt.Errorf("%w: %w", task.ErrTaskFailed, task.ErrPoolClosed)))
	assert.Equal(t, task.KindInvalidState, task.KindOf(task.ErrInvalidState))
	assert.Equal(t, task.KindOther, task.KindOf(errors.New("other")))
	assert.Equal(t, "timeout", task.KindTimeout.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", task.StatePending.String())
	assert.Equal(t, "timed_out", task.StateTimedOut.String())
	assert.False(t, task.StateRunning.Terminal())
	assert.True(t, task.StateFailed.Terminal())
}
