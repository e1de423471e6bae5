package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/torale/torale/internal/cron"
	"github.com/torale/torale/internal/jobs"
	"github.com/torale/torale/internal/notify"
)

// Runner accepts ad-hoc firings. The scheduler loop implements it.
type Runner interface {
	// RunNow submits an immediate firing of the task. The execution
	// record has already been opened with status pending.
	RunNow(taskID, executionID string) error
}

// ServiceConfig configures the task service.
type ServiceConfig struct {
	// Clock drives timestamps; defaults to the system clock.
	Clock cron.Clock

	// Logger for service events.
	Logger *slog.Logger
}

// Service is the operations facade consumed by the daemon and CLI. It
// validates input at the boundary and keeps the task table and the
// scheduler's job store consistent.
type Service struct {
	store      Store
	jobs       jobs.Store
	deliveries notify.DeliveryStore
	machine    *Machine
	runner     Runner
	clock      cron.Clock
	logger     *slog.Logger
}

// NewService creates a task service. runner may be nil, in which case
// ExecuteNow is unavailable.
func NewService(store Store, jobStore jobs.Store, deliveries notify.DeliveryStore, machine *Machine, runner Runner, config ServiceConfig) *Service {
	clock := config.Clock
	if clock == nil {
		clock = cron.SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-service")
	}
	return &Service{
		store:      store,
		jobs:       jobStore,
		deliveries: deliveries,
		machine:    machine,
		runner:     runner,
		clock:      clock,
		logger:     logger,
	}
}

// CreateTaskParams holds the fields for a new task.
type CreateTaskParams struct {
	UserID               string
	Name                 string
	Schedule             string
	SearchQuery          string
	ConditionDescription string
	NotifyBehavior       NotifyBehavior
	NotificationChannels []notify.Channel
}

// CreateTask validates the fields, persists the task in state active,
// and registers its scheduled job at the next cron instant.
func (s *Service) CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if params.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if params.SearchQuery == "" {
		return nil, fmt.Errorf("search_query is required")
	}
	if params.ConditionDescription == "" {
		return nil, fmt.Errorf("condition_description is required")
	}
	if err := cron.Validate(params.Schedule); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	behavior := params.NotifyBehavior
	if behavior == "" {
		behavior = NotifyOnce
	}
	if behavior != NotifyOnce && behavior != NotifyAlways {
		return nil, fmt.Errorf("notify_behavior must be once or always, got %q", behavior)
	}
	for _, ch := range params.NotificationChannels {
		if err := ch.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	next, err := cron.NextFire(params.Schedule, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	task := &Task{
		ID:                   uuid.NewString(),
		UserID:               params.UserID,
		Name:                 params.Name,
		Schedule:             params.Schedule,
		SearchQuery:          params.SearchQuery,
		ConditionDescription: params.ConditionDescription,
		NotifyBehavior:       behavior,
		State:                StateActive,
		NotificationChannels: params.NotificationChannels,
		CreatedAt:            now,
		UpdatedAt:            now,
		StateChangedAt:       now,
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	job := &jobs.ScheduledJob{
		JobID:      task.ID,
		CronExpr:   task.Schedule,
		NextFireAt: next,
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		// A task row without a job would never fire; undo the create.
		if delErr := s.store.DeleteTask(ctx, task.ID); delErr != nil {
			s.logger.Error("task create rollback failed",
				"task_id", task.ID,
				"error", delErr,
			)
		}
		return nil, fmt.Errorf("register scheduled job: %w", err)
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"user_id", task.UserID,
		"schedule", task.Schedule,
		"next_fire_at", next,
	)
	return task, nil
}

// UpdateTaskParams holds the patchable fields; nil means unchanged.
type UpdateTaskParams struct {
	Name                 *string
	Schedule             *string
	SearchQuery          *string
	ConditionDescription *string
	NotifyBehavior       *NotifyBehavior
	NotificationChannels []notify.Channel
}

// UpdateTask applies a patch. When the schedule changes the job's next
// fire instant is recomputed from the new cron expression.
func (s *Service) UpdateTask(ctx context.Context, id string, params UpdateTaskParams) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	scheduleChanged := false
	if params.Name != nil {
		if *params.Name == "" {
			return nil, fmt.Errorf("name is required")
		}
		task.Name = *params.Name
	}
	if params.Schedule != nil && *params.Schedule != task.Schedule {
		if err := cron.Validate(*params.Schedule); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		task.Schedule = *params.Schedule
		scheduleChanged = true
	}
	if params.SearchQuery != nil {
		if *params.SearchQuery == "" {
			return nil, fmt.Errorf("search_query is required")
		}
		task.SearchQuery = *params.SearchQuery
	}
	if params.ConditionDescription != nil {
		if *params.ConditionDescription == "" {
			return nil, fmt.Errorf("condition_description is required")
		}
		task.ConditionDescription = *params.ConditionDescription
	}
	if params.NotifyBehavior != nil {
		if *params.NotifyBehavior != NotifyOnce && *params.NotifyBehavior != NotifyAlways {
			return nil, fmt.Errorf("notify_behavior must be once or always, got %q", *params.NotifyBehavior)
		}
		task.NotifyBehavior = *params.NotifyBehavior
	}
	if params.NotificationChannels != nil {
		for _, ch := range params.NotificationChannels {
			if err := ch.Validate(); err != nil {
				return nil, err
			}
		}
		task.NotificationChannels = params.NotificationChannels
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if scheduleChanged && task.State != StateCompleted {
		next, err := cron.NextFire(task.Schedule, s.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		job := &jobs.ScheduledJob{
			JobID:      task.ID,
			CronExpr:   task.Schedule,
			NextFireAt: next,
			Paused:     task.State == StatePaused,
		}
		if err := s.jobs.Upsert(ctx, job); err != nil {
			return nil, fmt.Errorf("reschedule job: %w", err)
		}
		s.logger.Info("task rescheduled",
			"task_id", task.ID,
			"schedule", task.Schedule,
			"next_fire_at", next,
		)
	}

	return task, nil
}

// DeleteTask removes the task and its scheduled job. Execution history
// is retained. Deletion is rejected with ErrTaskBusy while a firing is
// in flight.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}

	running, err := s.store.GetRunningExecutions(ctx, id)
	if err != nil {
		return fmt.Errorf("check running executions: %w", err)
	}
	if len(running) > 0 {
		return ErrTaskBusy
	}

	// Remove the job first so the scheduler cannot fire a task that is
	// about to disappear.
	if err := s.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "task_id", id, "user_id", task.UserID)
	return nil
}

// Transition moves the task to the target state via the state machine.
func (s *Service) Transition(ctx context.Context, id string, target TaskState) (*Task, error) {
	return s.machine.Transition(ctx, id, target)
}

// ExecuteNow opens a pending execution and submits it for an immediate
// firing, without altering the cron schedule. Returns the execution ID.
func (s *Service) ExecuteNow(ctx context.Context, id string) (string, error) {
	if s.runner == nil {
		return "", fmt.Errorf("no runner configured")
	}

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", ErrTaskNotFound
	}
	if task.State == StateCompleted {
		return "", fmt.Errorf("task %s is completed; reactivate it before running", id)
	}

	running, err := s.store.GetRunningExecutions(ctx, id)
	if err != nil {
		return "", fmt.Errorf("check running executions: %w", err)
	}
	if len(running) > 0 {
		return "", ErrTaskBusy
	}

	exec := &TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    id,
		Status:    ExecutionPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.OpenExecution(ctx, exec); err != nil {
		return "", err
	}

	if err := s.runner.RunNow(id, exec.ID); err != nil {
		// The pending record stays behind; the startup sweep reconciles
		// it if nothing picks it up.
		return "", fmt.Errorf("submit firing: %w", err)
	}

	s.logger.Info("ad-hoc firing submitted", "task_id", id, "execution_id", exec.ID)
	return exec.ID, nil
}

// GetTask returns the task or ErrTaskNotFound.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*Task, error) {
	return s.store.ListTasks(ctx, opts)
}

// ListExecutions returns the task's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, taskID string, opts ListExecutionsOptions) ([]*TaskExecution, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return s.store.ListExecutions(ctx, taskID, opts)
}

// GetExecution returns the execution or ErrExecutionNotFound.
func (s *Service) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// ListDeliveries returns the delivery attempts for an execution.
func (s *Service) ListDeliveries(ctx context.Context, executionID string) ([]*notify.Delivery, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return s.deliveries.ListByExecution(ctx, executionID)
}

// PauseUserTasks pauses all of a user's active tasks, e.g. on account
// deactivation. Failures on individual tasks are logged and counted but
// do not stop the sweep.
func (s *Service) PauseUserTasks(ctx context.Context, userID string) (int, error) {
	state := StateActive
	active, err := s.store.ListTasks(ctx, ListTasksOptions{UserID: userID, State: &state})
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	paused := 0
	failed := 0
	for _, task := range active {
		if _, err := s.machine.Transition(ctx, task.ID, StatePaused); err != nil {
			failed++
			s.logger.Error("pause task failed",
				"task_id", task.ID,
				"user_id", userID,
				"error", err,
			)
			continue
		}
		paused++
	}

	if failed > 0 {
		return paused, fmt.Errorf("paused %d tasks, %d failed", paused, failed)
	}
	s.logger.Info("user tasks paused", "user_id", userID, "count", paused)
	return paused, nil
}
