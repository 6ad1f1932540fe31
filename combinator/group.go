// Package combinator joins several tasks into one logical unit bounded by
// a single group deadline.
//
// A join completes only when every child completes. The first child
// failure fails the join without waiting for siblings. When the group
// deadline elapses first, every child still in flight is marked timed out
// (its work is not interrupted) and the join reports ErrTimeout.
package combinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bozylik/taskbound/metrics"
	"github.com/bozylik/taskbound/task"
)

type outcome[T any] struct {
	values []T
	err    error
}

// Group is a derived task over ordered children. Child order only matters
// for the order of the returned values.
type Group[T any] struct {
	children []*task.Task[T]
	metrics  *metrics.Metrics

	mu         sync.Mutex
	timeout    time.Duration
	deadlineAt time.Time
	result     *outcome[T]
}

type GroupOption func(*groupConfig)

type groupConfig struct {
	metrics *metrics.Metrics
}

func WithMetrics(m *metrics.Metrics) GroupOption {
	return func(c *groupConfig) { c.metrics = m }
}

func NewGroup[T any](tasks []*task.Task[T], opts ...GroupOption) *Group[T] {
	var cfg groupConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	children := make([]*task.Task[T], len(tasks))
	copy(children, tasks)
	return &Group[T]{children: children, metrics: cfg.metrics}
}

// JoinAll waits for every task, bounded by d, and returns their values in
// input order.
func JoinAll[T any](tasks []*task.Task[T], d time.Duration, opts ...GroupOption) ([]T, error) {
	return JoinAllContext(context.Background(), tasks, d, opts...)
}

func JoinAllContext[T any](ctx context.Context, tasks []*task.Task[T], d time.Duration, opts ...GroupOption) ([]T, error) {
	g := NewGroup(tasks, opts...)
	if _, err := g.WithTimeout(d); err != nil {
		return nil, err
	}
	return g.AwaitContext(ctx)
}

func (g *Group[T]) Tasks() []*task.Task[T] {
	out := make([]*task.Task[T], len(g.children))
	copy(out, g.children)
	return out
}

// WithTimeout attaches the group deadline, measured from now. Children's
// own deadlines are unaffected and still apply.
func (g *Group[T]) WithTimeout(d time.Duration) (*Group[T], error) {
	if d <= 0 {
		return g, fmt.Errorf("join: %w: non-positive duration %s", task.ErrInvalidState, d)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timeout > 0 {
		return g, fmt.Errorf("join: %w: group deadline already set", task.ErrInvalidState)
	}
	g.timeout = d
	g.deadlineAt = time.Now().Add(d)
	return g, nil
}

// State is derived from the children until the group has been awaited to
// a terminal outcome, after which it is fixed.
func (g *Group[T]) State() task.State {
	g.mu.Lock()
	res := g.result
	g.mu.Unlock()

	if res != nil {
		switch task.KindOf(res.err) {
		case task.KindNone:
			return task.StateCompleted
		case task.KindTimeout:
			return task.StateTimedOut
		default:
			return task.StateFailed
		}
	}

	derived := task.StateCompleted
	for _, c := range g.children {
		switch s := c.State(); s {
		case task.StateFailed:
			return task.StateFailed
		case task.StateTimedOut:
			derived = task.StateTimedOut
		case task.StatePending:
			if derived == task.StateCompleted {
				derived = task.StatePending
			}
		case task.StateRunning:
			if derived == task.StateCompleted || derived == task.StatePending {
				derived = task.StateRunning
			}
		}
	}
	return derived
}

func (g *Group[T]) Await() ([]T, error) {
	return g.AwaitContext(context.Background())
}

// AwaitContext blocks until every child completes, a child fails or times
// out on its own deadline, the group deadline elapses, or ctx ends. Only
// the last case leaves the group unsettled.
func (g *Group[T]) AwaitContext(ctx context.Context) ([]T, error) {
	g.mu.Lock()
	if g.result != nil {
		defer g.mu.Unlock()
		return g.result.values, g.result.err
	}
	deadlineAt, timeout := g.deadlineAt, g.timeout
	g.mu.Unlock()

	start := time.Now()
	values, err := g.wait(ctx, deadlineAt, timeout)
	if err != nil && ctx.Err() != nil && task.KindOf(err) == task.KindOther {
		return nil, err
	}

	g.mu.Lock()
	if g.result == nil {
		g.result = &outcome[T]{values: values, err: err}
	}
	res := g.result
	g.mu.Unlock()

	g.metrics.ObserveJoin(task.OutcomeLabel(res.err), time.Since(start))
	return res.values, res.err
}

type childResult[T any] struct {
	index int
	value T
	err   error
}

func (g *Group[T]) wait(ctx context.Context, deadlineAt time.Time, timeout time.Duration) ([]T, error) {
	values := make([]T, len(g.children))
	if len(g.children) == 0 {
		return values, nil
	}

	for i, c := range g.children {
		if c == nil {
			return nil, fmt.Errorf("join: %w: child %d is nil", task.ErrInvalidState, i)
		}
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var expired <-chan time.Time
	if !deadlineAt.IsZero() {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return nil, g.expire(timeout)
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	results := make(chan childResult[T], len(g.children))
	for i, c := range g.children {
		go func(i int, c *task.Task[T]) {
			v, err := c.AwaitContext(waitCtx)
			results <- childResult[T]{index: i, value: v, err: err}
		}(i, c)
	}

	remaining := len(g.children)
	for remaining > 0 {
		select {
		case r := <-results:
			if r.err != nil {
				if ctx.Err() != nil && task.KindOf(r.err) == task.KindOther {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("join: child %d (%s): %w", r.index, g.children[r.index].ID(), r.err)
			}
			values[r.index] = r.value
			remaining--
		case <-expired:
			return nil, g.expire(timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// The last completion only counts if it was observed by the deadline.
	if !deadlineAt.IsZero() && time.Now().After(deadlineAt) {
		return nil, g.expire(timeout)
	}
	return values, nil
}

func (g *Group[T]) expire(timeout time.Duration) error {
	var marked int
	for _, c := range g.children {
		if c.MarkTimedOut() {
			marked++
		}
	}
	return fmt.Errorf("join: %w: group deadline %s elapsed with %d of %d tasks incomplete",
		task.ErrTimeout, timeout, marked, len(g.children))
}
