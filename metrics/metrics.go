// Package metrics holds the Prometheus collectors shared by the pool and
// the task packages. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeAbandoned = "abandoned"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	tasksSubmitted prometheus.Counter
	taskOutcomes   *prometheus.CounterVec
	lateResults    prometheus.Counter
	busyWorkers    prometheus.Gauge
	queuedJobs     prometheus.Gauge
	awaitDuration  *prometheus.HistogramVec
	joinDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskbound_tasks_submitted_total",
				Help: "Total number of tasks submitted to the worker pool.",
			},
		),
		taskOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskbound_task_outcomes_total",
				Help: "Total number of tasks that reached a terminal state, by outcome.",
			},
			[]string{"outcome"},
		),
		lateResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskbound_late_results_discarded_total",
				Help: "Results produced by work after its task had already timed out.",
			},
		),
		busyWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskbound_pool_busy_workers",
				Help: "Number of pool workers currently executing a job.",
			},
		),
		queuedJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskbound_pool_queued_jobs",
				Help: "Number of jobs waiting in the pool run queue.",
			},
		),
		awaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskbound_await_seconds",
				Help:    "Time callers spent blocked in Await, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		joinDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskbound_join_seconds",
				Help:    "Time callers spent blocked joining a task group, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}

	for _, o := range []string{OutcomeCompleted, OutcomeFailed, OutcomeTimedOut, OutcomeAbandoned} {
		m.taskOutcomes.WithLabelValues(o)
	}

	if reg != nil {
		reg.MustRegister(
			m.tasksSubmitted,
			m.taskOutcomes,
			m.lateResults,
			m.busyWorkers,
			m.queuedJobs,
			m.awaitDuration,
			m.joinDuration,
		)
	}
	return m
}

func (m *Metrics) TaskSubmitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

func (m *Metrics) TaskSettled(outcome string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LateResultDiscarded() {
	if m == nil {
		return
	}
	m.lateResults.Inc()
}

func (m *Metrics) WorkerBusy() {
	if m == nil {
		return
	}
	m.busyWorkers.Inc()
}

func (m *Metrics) WorkerIdle() {
	if m == nil {
		return
	}
	m.busyWorkers.Dec()
}

func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queuedJobs.Set(float64(n))
}

func (m *Metrics) ObserveAwait(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.awaitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveJoin(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.joinDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
