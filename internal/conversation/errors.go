package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrPlanner      = errors.New("planner error")
	ErrWorker       = errors.New("worker error")
	ErrInvalidState = errors.New("invalid state")
	ErrConfig       = errors.New("config error")
	ErrNotFound     = errors.New("conversation not found")
)

// PlannerError wraps any failure of the planner call: network error,
// non-success status, or malformed payload. The client never retries;
// inside a wake-up handler it is fatal to the conversation.
type PlannerError struct {
	Detail string
	Err    error
}

func (e *PlannerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planner: %s: %v", e.Detail, e.Err)
	}
	return "planner: " + e.Detail
}

func (e *PlannerError) Unwrap() error { return ErrPlanner }

// WorkerError wraps a failure of any worker operation after the client's
// own bounded retries are exhausted.
type WorkerError struct {
	Op     string
	Detail string
	Err    error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("worker %s: %s", e.Op, e.Detail)
}

func (e *WorkerError) Unwrap() error { return ErrWorker }

// InvalidStateError marks a state machine invariant violation. It forces
// the conversation to DONE with stop reason "invalid_state".
type InvalidStateError struct {
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("unrecognized conversation state: %q", e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConfigError marks missing or malformed creation input. It is rejected
// synchronously and never enters the state machine.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }
