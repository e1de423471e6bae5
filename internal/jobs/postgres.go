package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on a Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle. The caller owns the
// handle's lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert creates the job or replaces its schedule fields, bumping version.
func (s *PostgresStore) Upsert(ctx context.Context, job *ScheduledJob) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (job_id, cron_expr, next_fire_at, paused, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,1,$5,$5)
		ON CONFLICT (job_id) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			next_fire_at = EXCLUDED.next_fire_at,
			paused = EXCLUDED.paused,
			version = scheduled_jobs.version + 1,
			updated_at = EXCLUDED.updated_at
	`,
		job.JobID,
		job.CronExpr,
		job.NextFireAt.UTC(),
		job.Paused,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert scheduled job: %w", err)
	}
	return nil
}

// Get returns the job or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, cron_expr, next_fire_at, paused, version, created_at, updated_at
		FROM scheduled_jobs WHERE job_id = $1
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled job: %w", err)
	}
	return job, nil
}

// Delete removes the job. Deleting an absent job is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return nil
}

// Pause suspends firing without touching next_fire_at.
func (s *PostgresStore) Pause(ctx context.Context, jobID string) error {
	return s.setPaused(ctx, jobID, true)
}

// Resume clears the paused flag.
func (s *PostgresStore) Resume(ctx context.Context, jobID string) error {
	return s.setPaused(ctx, jobID, false)
}

func (s *PostgresStore) setPaused(ctx context.Context, jobID string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET paused = $2, version = version + 1, updated_at = $3
		WHERE job_id = $1
	`, jobID, paused, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set scheduled job paused: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set scheduled job paused: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Due returns unpaused jobs with next_fire_at <= before, ordered ascending.
func (s *PostgresStore) Due(ctx context.Context, before time.Time, limit int) ([]*ScheduledJob, error) {
	query := `
		SELECT job_id, cron_expr, next_fire_at, paused, version, created_at, updated_at
		FROM scheduled_jobs
		WHERE NOT paused AND next_fire_at <= $1
		ORDER BY next_fire_at ASC`
	args := []any{before.UTC()}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var due []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		due = append(due, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return due, nil
}

// Claim advances next_fire_at under the version CAS.
func (s *PostgresStore) Claim(ctx context.Context, jobID string, expectedVersion int64, nextFireAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET next_fire_at = $3, version = version + 1, updated_at = $4
		WHERE job_id = $1 AND version = $2 AND NOT paused
	`, jobID, expectedVersion, nextFireAt.UTC(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim scheduled job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim scheduled job: %w", err)
	}
	return affected == 1, nil
}

// Reschedule sets next_fire_at unless the job is paused or gone.
func (s *PostgresStore) Reschedule(ctx context.Context, jobID string, nextFireAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET next_fire_at = $2, version = version + 1, updated_at = $3
		WHERE job_id = $1 AND NOT paused
	`, jobID, nextFireAt.UTC(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("reschedule scheduled job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reschedule scheduled job: %w", err)
	}
	return affected == 1, nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*ScheduledJob, error) {
	var job ScheduledJob
	if err := scanner.Scan(
		&job.JobID,
		&job.CronExpr,
		&job.NextFireAt,
		&job.Paused,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.NextFireAt = job.NextFireAt.UTC()
	return &job, nil
}
