package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureReason categorizes why an agent invocation failed. The reason is
// recorded verbatim on the failed execution so operators can aggregate by
// class.
type FailureReason string

const (
	// FailureTimeout indicates the invocation exceeded its deadline.
	FailureTimeout FailureReason = "agent_timeout"

	// FailureTransport indicates a network failure or an agent-side 5xx.
	FailureTransport FailureReason = "agent_transport"

	// FailureRejected indicates the agent answered but the response is
	// unusable: a non-2xx refusal or a malformed envelope.
	FailureRejected FailureReason = "agent_rejected"
)

// Error is a classified agent invocation failure.
type Error struct {
	// Reason categorizes the failure.
	Reason FailureReason

	// Status is the HTTP status code, if a response was received.
	Status int

	// Fields names the envelope fields that failed validation, set only
	// for rejected responses.
	Fields []string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if len(e.Fields) > 0 {
		parts = append(parts, "fields="+strings.Join(e.Fields, ","))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Classify returns the failure reason for an invocation error.
// Context expiry maps to timeout regardless of how it surfaced.
func Classify(err error) FailureReason {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Reason
	}
	return FailureTransport
}
