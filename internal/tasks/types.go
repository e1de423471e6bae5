// Package tasks implements the monitoring task domain for Torale.
//
// A task is a durable declaration of something to watch: a natural-language
// search query, a condition, a cron schedule, and the channels to notify
// when the condition is met. The package supports:
//   - Task CRUD with validation at the boundary
//   - A state machine over {active, paused, completed} kept in sync
//     with the scheduler's job store
//   - Per-firing execution records with an immutable audit trail
//   - A service facade consumed by the daemon and CLI
package tasks

import (
	"encoding/json"
	"time"

	"github.com/torale/torale/internal/notify"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// StateActive indicates the task is scheduled and will fire.
	StateActive TaskState = "active"

	// StatePaused indicates the task is suspended; its job remains but
	// does not fire.
	StatePaused TaskState = "paused"

	// StateCompleted indicates the task finished; no job exists for it.
	StateCompleted TaskState = "completed"
)

// NotifyBehavior controls what happens after a condition-met firing.
type NotifyBehavior string

const (
	// NotifyOnce completes the task after its first condition-met firing.
	NotifyOnce NotifyBehavior = "once"

	// NotifyAlways keeps the task active and notifies on every
	// condition-met firing.
	NotifyAlways NotifyBehavior = "always"
)

// ExecutionStatus represents the state of one firing.
type ExecutionStatus string

const (
	// ExecutionPending indicates the firing is queued but not started.
	ExecutionPending ExecutionStatus = "pending"

	// ExecutionRunning indicates the firing is in progress.
	ExecutionRunning ExecutionStatus = "running"

	// ExecutionSuccess indicates the agent call completed and the result
	// was persisted.
	ExecutionSuccess ExecutionStatus = "success"

	// ExecutionFailed indicates the firing failed; ErrorMessage explains.
	ExecutionFailed ExecutionStatus = "failed"
)

// Task is the durable monitoring declaration.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`

	// UserID identifies the owner.
	UserID string `json:"user_id"`

	// Name is a human-readable name for the task.
	Name string `json:"name"`

	// Schedule is the 5-field cron expression, interpreted in UTC.
	Schedule string `json:"schedule"`

	// SearchQuery is the natural-language query the agent monitors.
	SearchQuery string `json:"search_query"`

	// ConditionDescription is the natural-language trigger condition.
	ConditionDescription string `json:"condition_description"`

	// NotifyBehavior selects once or always semantics.
	NotifyBehavior NotifyBehavior `json:"notify_behavior"`

	// State is the current lifecycle state.
	State TaskState `json:"state"`

	// LastKnownState is the agent's last evidence, opaque to the core.
	// It is passed back to the agent on the next firing for context.
	LastKnownState json.RawMessage `json:"last_known_state,omitempty"`

	// LastExecutionID references the most recent execution.
	LastExecutionID string `json:"last_execution_id,omitempty"`

	// NotificationChannels is the ordered list of delivery destinations.
	NotificationChannels []notify.Channel `json:"notification_channels"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// StateChangedAt is when State last changed.
	StateChangedAt time.Time `json:"state_changed_at"`
}

// TaskExecution represents a single firing of a task. Once Status leaves
// pending/running the record is immutable.
type TaskExecution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`

	// TaskID references the parent task.
	TaskID string `json:"task_id"`

	// Status is the current execution status.
	Status ExecutionStatus `json:"status"`

	// StartedAt is when the firing began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the firing reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the raw agent response envelope, kept for audit.
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorMessage classifies the failure for failed executions.
	ErrorMessage string `json:"error_message,omitempty"`

	// Notification is the user-facing message when the condition was met.
	// Nil means the condition was not met.
	Notification *string `json:"notification,omitempty"`

	// GroundingSources are the references backing the agent's answer.
	GroundingSources []notify.Source `json:"grounding_sources,omitempty"`

	// CreatedAt is when the execution record was created.
	CreatedAt time.Time `json:"created_at"`
}

// IsTerminal returns true if the execution reached a final status.
func (e *TaskExecution) IsTerminal() bool {
	return e.Status == ExecutionSuccess || e.Status == ExecutionFailed
}

// ConditionMet reports whether this firing triggered a notification.
func (e *TaskExecution) ConditionMet() bool {
	return e.Notification != nil
}
