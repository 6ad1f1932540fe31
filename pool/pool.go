package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bozylik/taskbound/container"
	"github.com/bozylik/taskbound/metrics"
)

// ErrPoolClosed is returned for any submission after Shutdown, and for a
// second call to Shutdown.
var ErrPoolClosed = errors.New("pool closed")

// Job is one unit handed to a worker. Run receives the pool context, which
// is only cancelled by an abandoning or timed out shutdown. Abandon, if
// set, is called instead of Run for queued jobs dropped by ShutdownAbandon.
type Job struct {
	ID       string
	Priority int
	Run      func(ctx context.Context)
	Abandon  func(err error)
}

// Pool is a fixed-size set of worker goroutines fed from a priority queue.
// It is owned by whoever created it and must be shut down exactly once.
type Pool struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	queue  *container.PriorityQueue[Job]
	closed bool

	notify   chan struct{}
	stopping chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	busy atomic.Int32
	wg   sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New validates cfg and starts cfg.Workers workers.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:      cfg,
		log:      zap.NewNop(),
		queue:    container.NewPriorityQueue[Job](),
		notify:   make(chan struct{}, 1),
		stopping: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.log.Debug("pool started",
		zap.Int("workers", cfg.Workers),
		zap.Stringer("shutdown_mode", cfg.ShutdownMode),
		zap.Bool("force_interrupt", cfg.ForceInterrupt),
	)
	return p, nil
}

// Scoped creates a pool, hands it to fn and shuts it down when fn returns
// or panics. Shutdown is bounded by ctx.
func Scoped(ctx context.Context, cfg Config, fn func(*Pool) error, opts ...Option) (err error) {
	p, err := New(cfg, opts...)
	if err != nil {
		return err
	}

	defer func() {
		if serr := p.Shutdown(ctx); serr != nil && !errors.Is(serr, ErrPoolClosed) {
			err = errors.Join(err, serr)
		}
	}()

	return fn(p)
}

func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no body", job.ID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("submit %q: %w", job.ID, ErrPoolClosed)
	}
	p.queue.Push(job, job.Priority)
	queued := p.queue.Len()
	p.mu.Unlock()

	p.metrics.SetQueued(queued)

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Shutdown stops accepting jobs. In ShutdownDrain mode it waits, bounded by
// ctx, for every queued and running job to finish. In ShutdownAbandon mode
// queued jobs are dropped and running jobs are left to finish on their own.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true

	var dropped []Job
	if p.cfg.ShutdownMode == ShutdownAbandon {
		dropped = p.queue.Drain()
	}
	p.mu.Unlock()

	close(p.stopping)
	p.metrics.SetQueued(p.Queued())

	if p.cfg.ShutdownMode == ShutdownAbandon {
		for _, job := range dropped {
			if job.Abandon != nil {
				job.Abandon(ErrPoolClosed)
			}
		}
		p.cancel()
		p.log.Info("pool abandoned",
			zap.Int("dropped", len(dropped)),
			zap.Int("in_flight", p.Busy()),
		)
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Debug("pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.log.Warn("pool shutdown timed out", zap.Int("in_flight", p.Busy()), zap.Int("queued", p.Queued()))
		return fmt.Errorf("shutdown timeout: some jobs may still be running: %w", ctx.Err())
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()

	for {
		job, ok := p.next()
		if !ok {
			p.log.Debug("worker exiting", zap.Int("worker", n))
			return
		}
		p.run(n, job)
	}
}

func (p *Pool) next() (Job, bool) {
	for {
		p.mu.Lock()
		if item, ok := p.queue.Pop(); ok {
			queued := p.queue.Len()
			p.mu.Unlock()

			if queued > 0 {
				select {
				case p.notify <- struct{}{}:
				default:
				}
			}
			p.metrics.SetQueued(queued)
			return item.Value, true
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return Job{}, false
		}

		select {
		case <-p.notify:
		case <-p.stopping:
		}
	}
}

func (p *Pool) run(n int, job Job) {
	p.busy.Add(1)
	p.metrics.WorkerBusy()
	defer func() {
		p.busy.Add(-1)
		p.metrics.WorkerIdle()
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", n), zap.String("job_id", job.ID), zap.Any("panic", r))
		}
	}()

	job.Run(p.ctx)
}

func (p *Pool) Workers() int { return p.cfg.Workers }

// ForceInterrupt reports the pool-wide default for cancelling the context
// of work whose task has timed out.
func (p *Pool) ForceInterrupt() bool { return p.cfg.ForceInterrupt }

func (p *Pool) Busy() int { return int(p.busy.Load()) }

func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) Logger() *zap.Logger { return p.log }

func (p *Pool) Metrics() *metrics.Metrics { return p.metrics }
