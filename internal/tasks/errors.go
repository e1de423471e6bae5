package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound indicates the task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrExecutionNotFound indicates the execution does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrTaskBusy indicates the task has a firing in flight and the
	// requested operation cannot proceed until it completes.
	ErrTaskBusy = errors.New("task busy: execution in flight")

	// ErrInvalidSchedule indicates the task's cron schedule is unusable.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrStateConflict indicates a concurrent state change won; the
	// caller should re-read the task and retry if still relevant.
	ErrStateConflict = errors.New("task state changed concurrently")
)

// TransitionError reports a disallowed state transition.
type TransitionError struct {
	From TaskState
	To   TaskState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
