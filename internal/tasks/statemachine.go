package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/torale/torale/internal/cron"
	"github.com/torale/torale/internal/jobs"
)

// allowedTransitions defines the legal state graph. completed -> paused
// is deliberately absent.
var allowedTransitions = map[TaskState]map[TaskState]bool{
	StateActive:    {StatePaused: true, StateCompleted: true},
	StatePaused:    {StateActive: true, StateCompleted: true},
	StateCompleted: {StateActive: true},
}

// Machine enforces legal task state transitions and keeps the scheduler's
// job store synchronized with task state: paused tasks have a suspended
// job, active tasks a runnable one, completed tasks none.
type Machine struct {
	store  Store
	jobs   jobs.Store
	clock  cron.Clock
	logger *slog.Logger
}

// NewMachine creates a state machine over the given stores.
func NewMachine(store Store, jobStore jobs.Store, clock cron.Clock, logger *slog.Logger) *Machine {
	if clock == nil {
		clock = cron.SystemClock()
	}
	if logger == nil {
		logger = slog.Default().With("component", "task-state")
	}
	return &Machine{
		store:  store,
		jobs:   jobStore,
		clock:  clock,
		logger: logger,
	}
}

// Transition moves the task to the target state, applying the matching
// job store side effect. Transitioning to the current state is a no-op.
// The task state write is rolled back if the side effect fails.
func (m *Machine) Transition(ctx context.Context, id string, target TaskState) (*Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	if task.State == target {
		return task, nil
	}

	if !allowedTransitions[task.State][target] {
		return nil, &TransitionError{From: task.State, To: target}
	}

	from := task.State
	now := m.clock.Now()

	ok, err := m.store.CompareAndSwapState(ctx, id, from, target, now)
	if err != nil {
		return nil, fmt.Errorf("write task state: %w", err)
	}
	if !ok {
		return nil, ErrStateConflict
	}

	if err := m.applySideEffect(ctx, task, target); err != nil {
		m.rollback(ctx, id, from, target)
		return nil, fmt.Errorf("apply scheduler side effect: %w", err)
	}

	task.State = target
	task.StateChangedAt = now
	task.UpdatedAt = now

	m.logger.Info("task transitioned",
		"task_id", id,
		"from", from,
		"to", target,
	)
	return task, nil
}

// applySideEffect keeps the job store consistent with the target state.
func (m *Machine) applySideEffect(ctx context.Context, task *Task, target TaskState) error {
	switch target {
	case StatePaused:
		return m.jobs.Pause(ctx, task.ID)

	case StateActive:
		err := m.jobs.Resume(ctx, task.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jobs.ErrNotFound) {
			return err
		}
		// No job exists (reactivating a completed task): create one from
		// the cron schedule relative to now.
		next, err := cron.NextFire(task.Schedule, m.clock.Now())
		if err != nil {
			return fmt.Errorf("compute next fire: %w", err)
		}
		return m.jobs.Upsert(ctx, &jobs.ScheduledJob{
			JobID:      task.ID,
			CronExpr:   task.Schedule,
			NextFireAt: next,
		})

	case StateCompleted:
		return m.jobs.Delete(ctx, task.ID)

	default:
		return fmt.Errorf("unknown target state: %s", target)
	}
}

// rollback restores the prior state after a failed side effect. A second
// failure here leaves the stores out of sync and needs manual
// reconciliation, so it is logged loudly rather than swallowed.
func (m *Machine) rollback(ctx context.Context, id string, from, target TaskState) {
	ok, err := m.store.CompareAndSwapState(ctx, id, target, from, m.clock.Now())
	if err != nil {
		m.logger.Error("state rollback failed, manual reconciliation required",
			"task_id", id,
			"stuck_state", target,
			"wanted_state", from,
			"error", err,
		)
		return
	}
	if !ok {
		m.logger.Error("state rollback lost a race, manual reconciliation may be required",
			"task_id", id,
			"stuck_state", target,
			"wanted_state", from,
		)
	}
}
