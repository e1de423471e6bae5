package notify

import (
	"errors"
	"fmt"
	"time"
)

// Payload is the notification content delivered to every channel of one
// execution. Field names and shapes are part of the public webhook
// contract and must not drift.
type Payload struct {
	// ExecutionID identifies the execution; receivers deduplicate on it.
	ExecutionID string `json:"execution_id"`

	// TaskID identifies the task that fired.
	TaskID string `json:"task_id"`

	// TaskName is the user-chosen task name.
	TaskName string `json:"task_name"`

	// TriggeredAt is when the condition was observed, UTC.
	TriggeredAt time.Time `json:"triggered_at"`

	// Notification is the user-facing message from the agent.
	Notification string `json:"notification"`

	// Sources ground the notification. Serialized as [] when empty,
	// never null.
	Sources []Source `json:"sources"`

	// Confidence is the agent's advisory confidence, null when unknown.
	Confidence *int `json:"confidence"`
}

// AttemptError is one failed delivery attempt, classified for the retry
// loop. Permanent failures terminate the chain immediately; transient
// ones are retried until the policy is exhausted.
type AttemptError struct {
	// Permanent is true when retrying cannot help.
	Permanent bool

	// HTTPStatus is the response code for webhook attempts, 0 otherwise.
	HTTPStatus int

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *AttemptError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s delivery failure (status %d): %v", kind, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *AttemptError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanently failed attempt.
// Unclassified errors count as transient.
func IsPermanent(err error) bool {
	var attempt *AttemptError
	return errors.As(err, &attempt) && attempt.Permanent
}
