// Package remote stands in for a slow remote call keyed by an identifier.
// Only its latency and failure behaviour matter to callers; there is no
// transport behind it.
package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bozylik/taskbound/pool"
	"github.com/bozylik/taskbound/task"
)

// Caller performs one remote call for id.
type Caller interface {
	Call(ctx context.Context, id string) (string, error)
}

// NewID returns a random call identifier.
func NewID() string {
	return uuid.NewString()
}

// Simulated answers every call with Body after a latency chosen by exact
// id match, falling back to the default latency. Configured failures are
// returned after the latency has elapsed.
//
// By default a call blocks for its full latency regardless of ctx, like a
// blocking socket read. Interruptible makes it return early with ctx.Err().
type Simulated struct {
	body           string
	defaultLatency time.Duration
	interruptible  bool
	log            *zap.Logger

	mu        sync.RWMutex
	latencies map[string]time.Duration
	failures  map[string]error

	calls atomic.Int64
}

type Option func(*Simulated)

func WithBody(body string) Option {
	return func(s *Simulated) { s.body = body }
}

func WithDefaultLatency(d time.Duration) Option {
	return func(s *Simulated) { s.defaultLatency = d }
}

func WithLatency(id string, d time.Duration) Option {
	return func(s *Simulated) { s.latencies[id] = d }
}

func WithFailure(id string, err error) Option {
	return func(s *Simulated) { s.failures[id] = err }
}

func Interruptible() Option {
	return func(s *Simulated) { s.interruptible = true }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Simulated) {
		if log != nil {
			s.log = log
		}
	}
}

func NewSimulated(opts ...Option) *Simulated {
	s := &Simulated{
		body:      "ok",
		log:       zap.NewNop(),
		latencies: make(map[string]time.Duration),
		failures:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLatency changes the latency for one id.
func (s *Simulated) SetLatency(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[id] = d
}

func (s *Simulated) LatencyFor(id string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.latencies[id]; ok {
		return d
	}
	return s.defaultLatency
}

func (s *Simulated) Calls() int64 { return s.calls.Load() }

func (s *Simulated) Call(ctx context.Context, id string) (string, error) {
	s.calls.Add(1)
	latency := s.LatencyFor(id)

	s.mu.RLock()
	failure := s.failures[id]
	s.mu.RUnlock()

	s.log.Debug("remote call", zap.String("call_id", id), zap.Duration("latency", latency))

	if latency > 0 {
		if s.interruptible {
			timer := time.NewTimer(latency)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", fmt.Errorf("call %s: %w", id, ctx.Err())
			case <-timer.C:
			}
		} else {
			time.Sleep(latency)
		}
	}

	if failure != nil {
		return "", fmt.Errorf("call %s: %w", id, failure)
	}
	return s.body, nil
}

// Work adapts one call into a task body.
func Work(c Caller, id string) task.Work[string] {
	return func(ctx context.Context) (string, error) {
		return c.Call(ctx, id)
	}
}

// SubmitAll submits one call per id and returns the handles in id order.
// If a submission fails the tasks already submitted are returned with the
// error; they keep running.
func SubmitAll(p *pool.Pool, c Caller, ids []string, opts ...task.SubmitOption) ([]*task.Task[string], error) {
	tasks := make([]*task.Task[string], 0, len(ids))
	for _, id := range ids {
		t, err := task.Submit(p, Work(c, id), opts...)
		if err != nil {
			return tasks, fmt.Errorf("submit call %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
