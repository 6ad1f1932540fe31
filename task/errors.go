package task

import (
	"context"
	"errors"

	"github.com/bozylik/taskbound/metrics"
	"github.com/bozylik/taskbound/pool"
)

var (
	// ErrTaskFailed wraps any error returned (or panic raised) by work
	// before the deadline. The underlying error stays reachable with errors.Is.
	ErrTaskFailed = errors.New("task failed")

	// ErrTimeout means the deadline elapsed before completion was observed.
	ErrTimeout = errors.New("task timed out")

	// ErrInvalidState is a programmer error: a deadline attached twice or
	// a handle that was never submitted.
	ErrInvalidState = errors.New("invalid task state")

	ErrPoolClosed = pool.ErrPoolClosed
)

// ErrorKind classifies errors produced by this package and the combinator.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTaskFailed
	KindTimeout
	KindInvalidState
	KindPoolClosed
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTaskFailed:
		return "task_failed"
	case KindTimeout:
		return "timeout"
	case KindInvalidState:
		return "invalid_state"
	case KindPoolClosed:
		return "pool_closed"
	default:
		return "other"
	}
}

// KindOf maps err onto the taxonomy. A queued task dropped by an abandoning
// pool carries both ErrTaskFailed and ErrPoolClosed; it reports as
// KindTaskFailed because it surfaced through Await.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTaskFailed):
		return KindTaskFailed
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrPoolClosed):
		return KindPoolClosed
	default:
		return KindOther
	}
}

// OutcomeLabel turns a wait result into a metrics outcome label.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimedOut
	case errors.Is(err, ErrPoolClosed):
		return metrics.OutcomeAbandoned
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}
