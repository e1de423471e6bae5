package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle. The caller owns the
// handle's lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateTask creates a new task.
func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}

	channelsJSON, err := json.Marshal(task.NotificationChannels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, user_id, name, schedule, search_query, condition_description,
			notify_behavior, state, last_known_state, last_execution_id,
			notification_channels, created_at, updated_at, state_changed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		task.ID,
		task.UserID,
		task.Name,
		task.Schedule,
		task.SearchQuery,
		task.ConditionDescription,
		string(task.NotifyBehavior),
		string(task.State),
		nullableRaw(task.LastKnownState),
		nullableString(task.LastExecutionID),
		channelsJSON,
		task.CreatedAt,
		task.UpdatedAt,
		task.StateChangedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, schedule, search_query, condition_description,
			   notify_behavior, state, last_known_state, last_execution_id,
			   notification_channels, created_at, updated_at, state_changed_at
		FROM tasks WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask replaces the mutable fields of an existing task.
func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}

	channelsJSON, err := json.Marshal(task.NotificationChannels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	task.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			name = $2,
			schedule = $3,
			search_query = $4,
			condition_description = $5,
			notify_behavior = $6,
			notification_channels = $7,
			updated_at = $8
		WHERE id = $1
	`,
		task.ID,
		task.Name,
		task.Schedule,
		task.SearchQuery,
		task.ConditionDescription,
		string(task.NotifyBehavior),
		channelsJSON,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask deletes a task row. Execution history is retained.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks returns tasks with optional filtering.
func (s *PostgresStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*Task, error) {
	query := `
		SELECT id, user_id, name, schedule, search_query, condition_description,
			   notify_behavior, state, last_known_state, last_execution_id,
			   notification_channels, created_at, updated_at, state_changed_at
		FROM tasks WHERE 1=1
	`
	args := []any{}
	argPos := 1

	if opts.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argPos)
		args = append(args, opts.UserID)
		argPos++
	}

	if opts.State != nil {
		query += fmt.Sprintf(" AND state = $%d", argPos)
		args = append(args, string(*opts.State))
		argPos++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}

	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CompareAndSwapState moves the task between states under an optimistic
// check on the current state.
func (s *PostgresStore) CompareAndSwapState(ctx context.Context, id string, from, to TaskState, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = $3, state_changed_at = $4, updated_at = $4
		WHERE id = $1 AND state = $2
	`, id, string(from), string(to), at.UTC())
	if err != nil {
		return false, fmt.Errorf("swap task state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap task state: %w", err)
	}
	return affected == 1, nil
}

// OpenExecution inserts the execution and points the task's
// last_execution_id at it, in a single transaction.
func (s *PostgresStore) OpenExecution(ctx context.Context, exec *TaskExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution with id is required")
	}

	sourcesJSON, err := json.Marshal(exec.GroundingSources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_executions (
			id, task_id, status, started_at, completed_at, result,
			error_message, notification, grounding_sources, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		exec.ID,
		exec.TaskID,
		string(exec.Status),
		nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt),
		nullableRaw(exec.Result),
		nullableString(exec.ErrorMessage),
		nullableStringPtr(exec.Notification),
		sourcesJSON,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET last_execution_id = $2, updated_at = $3 WHERE id = $1
	`, exec.TaskID, exec.ID, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("link execution to task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link execution to task: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkExecutionRunning flips a pending execution to running.
func (s *PostgresStore) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
	`, id, string(ExecutionRunning), startedAt.UTC(), string(ExecutionPending))
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// RecordResult persists an execution's terminal fields and optionally the
// owning task's last_known_state, in a single transaction.
func (s *PostgresStore) RecordResult(ctx context.Context, exec *TaskExecution, evidence json.RawMessage) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution with id is required")
	}

	sourcesJSON, err := json.Marshal(exec.GroundingSources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE task_executions SET
			status = $2,
			completed_at = $3,
			result = $4,
			error_message = $5,
			notification = $6,
			grounding_sources = $7
		WHERE id = $1
	`,
		exec.ID,
		string(exec.Status),
		nullableTime(exec.CompletedAt),
		nullableRaw(exec.Result),
		nullableString(exec.ErrorMessage),
		nullableStringPtr(exec.Notification),
		sourcesJSON,
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	if evidence != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET last_known_state = $2, updated_at = $3 WHERE id = $1
		`, exec.TaskID, []byte(evidence), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("update last known state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, status, started_at, completed_at, result,
			   error_message, notification, grounding_sources, created_at
		FROM task_executions WHERE id = $1
	`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions for a task, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, taskID string, opts ListExecutionsOptions) ([]*TaskExecution, error) {
	query := `
		SELECT id, task_id, status, started_at, completed_at, result,
			   error_message, notification, grounding_sources, created_at
		FROM task_executions WHERE task_id = $1
	`
	args := []any{taskID}
	argPos := 2

	if opts.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*opts.Status))
		argPos++
	}

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argPos)
		args = append(args, *opts.Since)
		argPos++
	}

	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argPos)
		args = append(args, *opts.Until)
		argPos++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}

	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}

// GetRunningExecutions returns the task's in-flight executions.
func (s *PostgresStore) GetRunningExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status, started_at, completed_at, result,
			   error_message, notification, grounding_sources, created_at
		FROM task_executions
		WHERE task_id = $1 AND status IN ($2, $3)
	`, taskID, string(ExecutionPending), string(ExecutionRunning))
	if err != nil {
		return nil, fmt.Errorf("get running executions: %w", err)
	}
	defer rows.Close()

	var executions []*TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get running executions: %w", err)
	}
	return executions, nil
}

// RecoverStaleExecutions marks stranded executions as failed with error
// crash_recovered. Pending executions that never started are judged by
// their creation time.
func (s *PostgresStore) RecoverStaleExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET
			status = $1,
			error_message = $2,
			completed_at = $3
		WHERE status IN ($4, $5) AND COALESCE(started_at, created_at) < $6
	`,
		string(ExecutionFailed),
		"crash_recovered",
		time.Now().UTC(),
		string(ExecutionPending),
		string(ExecutionRunning),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale executions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(count), nil
}

// Scanner interface for both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var task Task
	var (
		notifyBehavior  string
		state           string
		lastKnownState  []byte
		lastExecutionID sql.NullString
		channelsJSON    []byte
	)

	err := s.Scan(
		&task.ID,
		&task.UserID,
		&task.Name,
		&task.Schedule,
		&task.SearchQuery,
		&task.ConditionDescription,
		&notifyBehavior,
		&state,
		&lastKnownState,
		&lastExecutionID,
		&channelsJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StateChangedAt,
	)
	if err != nil {
		return nil, err
	}

	task.NotifyBehavior = NotifyBehavior(notifyBehavior)
	task.State = TaskState(state)

	if len(lastKnownState) > 0 {
		task.LastKnownState = json.RawMessage(lastKnownState)
	}
	if lastExecutionID.Valid {
		task.LastExecutionID = lastExecutionID.String
	}
	if len(channelsJSON) > 0 {
		if err := json.Unmarshal(channelsJSON, &task.NotificationChannels); err != nil {
			return nil, fmt.Errorf("unmarshal channels: %w", err)
		}
	}

	return &task, nil
}

func scanExecution(s scanner) (*TaskExecution, error) {
	var exec TaskExecution
	var (
		status       string
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		result       []byte
		errorMsg     sql.NullString
		notification sql.NullString
		sourcesJSON  []byte
	)

	err := s.Scan(
		&exec.ID,
		&exec.TaskID,
		&status,
		&startedAt,
		&completedAt,
		&result,
		&errorMsg,
		&notification,
		&sourcesJSON,
		&exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = ExecutionStatus(status)

	if startedAt.Valid {
		t := startedAt.Time.UTC()
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}
	if len(result) > 0 {
		exec.Result = json.RawMessage(result)
	}
	if errorMsg.Valid {
		exec.ErrorMessage = errorMsg.String
	}
	if notification.Valid {
		n := notification.String
		exec.Notification = &n
	}
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &exec.GroundingSources); err != nil {
			return nil, fmt.Errorf("unmarshal sources: %w", err)
		}
	}

	return &exec, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
