// Package jobs persists the scheduler's own records: one ScheduledJob per
// non-completed task, carrying the next fire instant and an optimistic
// concurrency version. The scheduler loop is the only writer; every other
// subsystem reaches the table through this package's Store.
package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no scheduled job exists for the given id.
	ErrNotFound = errors.New("scheduled job not found")
)

// ScheduledJob is the scheduler's durable record for one task. JobID equals
// the owning task's ID.
type ScheduledJob struct {
	JobID      string    `json:"job_id"`
	CronExpr   string    `json:"cron_expr"`
	NextFireAt time.Time `json:"next_fire_at"`
	Paused     bool      `json:"paused"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists ScheduledJobs.
//
// Claim and Reschedule are the contention points between a running firing and
// a concurrent pause or delete: both refuse to touch a paused row, and a
// deleted row stays deleted. The version column serializes claims: at most
// one caller wins per scheduled instant.
type Store interface {
	// Upsert creates the job or replaces its schedule fields, bumping Version.
	Upsert(ctx context.Context, job *ScheduledJob) error

	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, jobID string) (*ScheduledJob, error)

	// Delete removes the job. Deleting an absent job is a no-op.
	Delete(ctx context.Context, jobID string) error

	// Pause suspends firing without touching NextFireAt. ErrNotFound when absent.
	Pause(ctx context.Context, jobID string) error

	// Resume clears the paused flag. ErrNotFound when absent.
	Resume(ctx context.Context, jobID string) error

	// Due returns unpaused jobs with NextFireAt <= before, ordered ascending.
	Due(ctx context.Context, before time.Time, limit int) ([]*ScheduledJob, error)

	// Claim advances NextFireAt to nextFireAt and bumps Version, succeeding
	// only when the stored Version still equals expectedVersion and the job
	// is not paused. A false return means another actor claimed the firing
	// (or paused/deleted the job) first; the caller aborts without error.
	Claim(ctx context.Context, jobID string, expectedVersion int64, nextFireAt time.Time) (bool, error)

	// Reschedule sets NextFireAt after a completed firing. It leaves the
	// paused flag untouched and reports false without error when the job is
	// paused or gone, so a concurrent pause or delete wins the race.
	Reschedule(ctx context.Context, jobID string, nextFireAt time.Time) (bool, error)
}
