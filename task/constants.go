package task

import "fmt"

// State is the lifecycle position of a Task. States only move forward:
// Pending -> Running -> {Completed, Failed, TimedOut}. A Pending task may
// settle directly as TimedOut or Failed without ever running.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s >= StateCompleted
}
