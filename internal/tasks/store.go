package tasks

import (
	"context"
	"encoding/json"
	"time"
)

// Store defines the interface for task persistence.
type Store interface {
	// Task CRUD operations

	// CreateTask creates a new task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by ID. Returns nil when absent.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask replaces the mutable fields of an existing task.
	UpdateTask(ctx context.Context, task *Task) error

	// DeleteTask deletes a task row. Execution history is retained.
	DeleteTask(ctx context.Context, id string) error

	// ListTasks returns tasks with optional filtering.
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*Task, error)

	// State transitions

	// CompareAndSwapState moves the task from one state to another only
	// if the persisted state still matches from. Returns false when a
	// concurrent change won the race.
	CompareAndSwapState(ctx context.Context, id string, from, to TaskState, at time.Time) (bool, error)

	// Execution operations

	// OpenExecution inserts the execution record and points the task's
	// last_execution_id at it, in a single transaction.
	OpenExecution(ctx context.Context, exec *TaskExecution) error

	// MarkExecutionRunning flips a pending execution to running and
	// stamps started_at.
	MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error

	// RecordResult persists an execution's terminal fields and, when
	// evidence is non-nil, the owning task's last_known_state, in a
	// single transaction.
	RecordResult(ctx context.Context, exec *TaskExecution, evidence json.RawMessage) error

	// GetExecution retrieves an execution by ID. Returns nil when absent.
	GetExecution(ctx context.Context, id string) (*TaskExecution, error)

	// ListExecutions returns executions for a task, newest first.
	ListExecutions(ctx context.Context, taskID string, opts ListExecutionsOptions) ([]*TaskExecution, error)

	// GetRunningExecutions returns the task's in-flight executions.
	GetRunningExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error)

	// RecoverStaleExecutions marks pending and running executions whose
	// work began before cutoff as failed with error crash_recovered.
	// Returns the number of executions recovered.
	RecoverStaleExecutions(ctx context.Context, cutoff time.Time) (int, error)
}

// ListTasksOptions configures task listing.
type ListTasksOptions struct {
	// UserID filters by owner.
	UserID string

	// State filters by lifecycle state.
	State *TaskState

	// Limit is the maximum number of tasks to return.
	Limit int

	// Offset for pagination.
	Offset int
}

// ListExecutionsOptions configures execution listing.
type ListExecutionsOptions struct {
	// Status filters by execution status.
	Status *ExecutionStatus

	// Limit is the maximum number of executions to return.
	Limit int

	// Offset for pagination.
	Offset int

	// Since filters to executions created after this time.
	Since *time.Time

	// Until filters to executions created before this time.
	Until *time.Time
}
