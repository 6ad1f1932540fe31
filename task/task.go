package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/bozylik/taskbound/metrics"
	"github.com/bozylik/taskbound/pool"
)

// Work is the body of a task. It may block its worker and may fail. The
// context is only cancelled by the pool going away, or by a timeout when
// the task was submitted with force interrupt on.
type Work[T any] func(ctx context.Context) (T, error)

// Func adapts a context-free function into Work.
func Func[T any](fn func() (T, error)) Work[T] {
	return func(context.Context) (T, error) { return fn() }
}

// Task is the handle to one submitted unit of work.
//
// Timeouts never interrupt running work unless force interrupt is on: the
// waiter is released at the deadline, the worker keeps running the body
// until it returns, and whatever it returns is discarded. A slow body
// therefore holds a pool worker past its deadline.
type Task[T any] struct {
	id             string
	createdAt      time.Time
	forceInterrupt bool
	work           Work[T]

	log     *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	timeout    time.Duration
	deadlineAt time.Time
	value      T
	err        error
	finishedAt time.Time
	cancelWork context.CancelFunc
	done       chan struct{}
}

// Submit enqueues work on p and returns its handle in the Pending state.
// Submitting to a closed pool fails here with ErrPoolClosed.
func Submit[T any](p *pool.Pool, work Work[T], opts ...SubmitOption) (*Task[T], error) {
	if p == nil {
		return nil, fmt.Errorf("submit: %w: nil pool", ErrInvalidState)
	}
	if work == nil {
		return nil, fmt.Errorf("submit: %w: nil work", ErrInvalidState)
	}

	cfg := submitConfig{forceInterrupt: p.ForceInterrupt()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = ulid.Make().String()
	}

	t := &Task[T]{
		id:             cfg.id,
		createdAt:      time.Now(),
		forceInterrupt: cfg.forceInterrupt,
		work:           work,
		log:            p.Logger().With(zap.String("task_id", cfg.id)),
		metrics:        p.Metrics(),
		state:          StatePending,
		done:           make(chan struct{}),
	}

	err := p.Submit(pool.Job{
		ID:       t.id,
		Priority: cfg.priority,
		Run:      t.run,
		Abandon:  t.abandon,
	})
	if err != nil {
		return nil, err
	}

	t.metrics.TaskSubmitted()
	t.log.Debug("task submitted", zap.Int("priority", cfg.priority))
	return t, nil
}

func (t *Task[T]) ID() string           { return t.id }
func (t *Task[T]) CreatedAt() time.Time { return t.createdAt }

// Done is closed once the task reaches a terminal state.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FinishedAt reports when the task settled.
func (t *Task[T]) FinishedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt, t.state.Terminal()
}

// Deadline returns the attached timeout, if any.
func (t *Task[T]) Deadline() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout, t.timeout > 0
}

// WithTimeout attaches a deadline measured from now. It may be called once
// per task. It starts no timer and never changes the task state; the
// deadline is enforced by Await and by the settling worker.
func (t *Task[T]) WithTimeout(d time.Duration) (*Task[T], error) {
	if !t.submitted() {
		return t, fmt.Errorf("with timeout: %w: task was never submitted", ErrInvalidState)
	}
	if d <= 0 {
		return t, fmt.Errorf("with timeout: %w: non-positive duration %s", ErrInvalidState, d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timeout > 0 {
		return t, fmt.Errorf("with timeout: %w: deadline already set on task %s", ErrInvalidState, t.id)
	}
	t.timeout = d
	t.deadlineAt = time.Now().Add(d)
	return t, nil
}

// Await blocks until the task settles or its deadline elapses.
func (t *Task[T]) Await() (T, error) {
	return t.AwaitContext(context.Background())
}

// AwaitContext is Await that also gives up when ctx ends. Giving up on ctx
// returns ctx.Err() and leaves the task untouched.
func (t *Task[T]) AwaitContext(ctx context.Context) (T, error) {
	if !t.submitted() {
		var zero T
		return zero, fmt.Errorf("await: %w: task was never submitted", ErrInvalidState)
	}

	start := time.Now()

	t.mu.Lock()
	if t.state.Terminal() {
		defer t.mu.Unlock()
		return t.value, t.err
	}
	deadlineAt := t.deadlineAt
	t.mu.Unlock()

	var expired <-chan time.Time
	if !deadlineAt.IsZero() {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			t.MarkTimedOut()
			return t.observe(start)
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.done:
	case <-expired:
		t.MarkTimedOut()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	return t.observe(start)
}

// MarkTimedOut settles a non-terminal task as TimedOut and reports whether
// it did. Work still running is only told about it under force interrupt.
func (t *Task[T]) MarkTimedOut() bool {
	if !t.submitted() {
		return false
	}

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	prev, timeout := t.state, t.timeout
	t.timeOutLocked(time.Now())
	cancel := t.cancelWork
	t.mu.Unlock()

	if t.forceInterrupt && cancel != nil {
		cancel()
	}

	t.metrics.TaskSettled(metrics.OutcomeTimedOut)
	t.log.Debug("task timed out",
		zap.Stringer("previous_state", prev),
		zap.Duration("timeout", timeout),
		zap.Bool("force_interrupt", t.forceInterrupt),
	)
	return true
}

func (t *Task[T]) submitted() bool {
	return t != nil && t.done != nil
}

func (t *Task[T]) observe(start time.Time) (T, error) {
	t.mu.Lock()
	v, err := t.value, t.err
	t.mu.Unlock()

	t.metrics.ObserveAwait(OutcomeLabel(err), time.Since(start))
	return v, err
}

func (t *Task[T]) timeOutLocked(now time.Time) {
	var zero T
	t.state = StateTimedOut
	t.value = zero
	if t.timeout > 0 {
		t.err = fmt.Errorf("%w: task %s exceeded %s", ErrTimeout, t.id, t.timeout)
	} else {
		t.err = fmt.Errorf("%w: task %s", ErrTimeout, t.id)
	}
	t.finishedAt = now
	close(t.done)
}

// run is the pool job body.
func (t *Task[T]) run(poolCtx context.Context) {
	workCtx, cancel := context.WithCancel(poolCtx)
	defer cancel()

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		t.log.Debug("skipping task settled before it was scheduled")
		return
	}
	if now := time.Now(); !t.deadlineAt.IsZero() && now.After(t.deadlineAt) {
		t.timeOutLocked(now)
		t.mu.Unlock()
		t.metrics.TaskSettled(metrics.OutcomeTimedOut)
		t.log.Debug("task deadline passed while queued")
		return
	}
	t.state = StateRunning
	t.cancelWork = cancel
	t.mu.Unlock()

	val, err := t.call(workCtx)
	t.settle(val, err)
}

func (t *Task[T]) call(ctx context.Context) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.work(ctx)
}

func (t *Task[T]) settle(val T, err error) {
	now := time.Now()

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		t.discardLate(err)
		return
	}

	// A result that lands strictly after the deadline loses, whether or not
	// anyone is waiting yet.
	if !t.deadlineAt.IsZero() && now.After(t.deadlineAt) {
		t.timeOutLocked(now)
		t.mu.Unlock()
		t.metrics.TaskSettled(metrics.OutcomeTimedOut)
		t.discardLate(err)
		return
	}

	if err != nil {
		t.state = StateFailed
		t.err = fmt.Errorf("%w: task %s: %w", ErrTaskFailed, t.id, err)
	} else {
		t.state = StateCompleted
		t.value = val
	}
	t.finishedAt = now
	state := t.state
	close(t.done)
	t.mu.Unlock()

	if state == StateFailed {
		t.metrics.TaskSettled(metrics.OutcomeFailed)
		t.log.Debug("task failed", zap.Error(err), zap.Duration("elapsed", now.Sub(t.createdAt)))
		return
	}
	t.metrics.TaskSettled(metrics.OutcomeCompleted)
	t.log.Debug("task completed", zap.Duration("elapsed", now.Sub(t.createdAt)))
}

func (t *Task[T]) discardLate(err error) {
	t.metrics.LateResultDiscarded()
	fields := []zap.Field{zap.Duration("elapsed", time.Since(t.createdAt))}
	if err != nil && !errors.Is(err, context.Canceled) {
		fields = append(fields, zap.Error(err))
	}
	t.log.Debug("discarding late result of timed out task", fields...)
}

// abandon is called by the pool for queued jobs dropped at shutdown.
func (t *Task[T]) abandon(cause error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.err = fmt.Errorf("%w: task %s: %w", ErrTaskFailed, t.id, cause)
	t.finishedAt = time.Now()
	close(t.done)
	t.mu.Unlock()

	t.metrics.TaskSettled(metrics.OutcomeAbandoned)
	t.log.Debug("task abandoned by pool shutdown")
}
