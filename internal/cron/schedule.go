// Package cron converts 5-field cron expressions into future fire instants.
//
// Expressions use the standard minute/hour/day-of-month/month/day-of-week
// fields, including steps (*/n), lists, and ranges. Interpretation is always
// UTC; callers that need local-time semantics convert before storing.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidCron reports a malformed cron expression.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrNoFutureFire reports an expression with no satisfiable fire instant
	// within the parser's lookahead horizon.
	ErrNoFutureFire = errors.New("cron expression has no future fire time")
)

// parser accepts exactly five fields. No seconds, no @descriptors.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	inner cron.Schedule
}

// Parse validates a 5-field cron expression and returns its Schedule.
func Parse(expr string) (Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Schedule{}, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	inner, err := parser.Parse(trimmed)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, trimmed, err)
	}
	return Schedule{expr: trimmed, inner: inner}, nil
}

// Validate reports whether expr is a well-formed 5-field cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Expr returns the expression verbatim as it was parsed.
func (s Schedule) Expr() string { return s.expr }

// Next returns the first fire instant strictly after the given instant, in UTC.
// It returns ErrNoFutureFire when no activation exists within the lookahead
// horizon (for example "0 0 31 2 *").
func (s Schedule) Next(after time.Time) (time.Time, error) {
	if s.inner == nil {
		return time.Time{}, fmt.Errorf("%w: schedule not parsed", ErrInvalidCron)
	}
	next := s.inner.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoFutureFire, s.expr, after.UTC().Format(time.RFC3339))
	}
	return next.UTC(), nil
}

// NextFire parses expr and returns the first fire instant strictly after the
// given instant. It is the one-shot form of Parse followed by Next.
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after)
}
