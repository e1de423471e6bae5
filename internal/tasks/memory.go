package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/torale/torale/internal/notify"
)

// MemoryStore keeps tasks and executions in memory. It backs tests and
// the single-process development mode; semantics mirror PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	executions map[string]*TaskExecution
}

// NewMemoryStore returns an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*Task),
		executions: make(map[string]*TaskExecution),
	}
}

// CreateTask creates a new task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task already exists: %s", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID. Returns nil when absent.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTask(s.tasks[id]), nil
}

// UpdateTask replaces the mutable fields of an existing task.
func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	existing.Name = task.Name
	existing.Schedule = task.Schedule
	existing.SearchQuery = task.SearchQuery
	existing.ConditionDescription = task.ConditionDescription
	existing.NotifyBehavior = task.NotifyBehavior
	existing.NotificationChannels = cloneChannels(task.NotificationChannels)
	existing.UpdatedAt = time.Now().UTC()
	task.UpdatedAt = existing.UpdatedAt
	return nil
}

// DeleteTask deletes a task row. Execution history is retained.
func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

// ListTasks returns tasks with optional filtering, newest first.
func (s *MemoryStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, task := range s.tasks {
		if opts.UserID != "" && task.UserID != opts.UserID {
			continue
		}
		if opts.State != nil && task.State != *opts.State {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CompareAndSwapState moves the task between states under an optimistic
// check on the current state.
func (s *MemoryStore) CompareAndSwapState(ctx context.Context, id string, from, to TaskState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.State != from {
		return false, nil
	}
	task.State = to
	task.StateChangedAt = at.UTC()
	task.UpdatedAt = at.UTC()
	return true, nil
}

// OpenExecution inserts the execution and points the task's
// last_execution_id at it.
func (s *MemoryStore) OpenExecution(ctx context.Context, exec *TaskExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[exec.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution already exists: %s", exec.ID)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	task.LastExecutionID = exec.ID
	task.UpdatedAt = exec.CreatedAt
	return nil
}

// MarkExecutionRunning flips a pending execution to running.
func (s *MemoryStore) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Status != ExecutionPending {
		return ErrExecutionNotFound
	}
	exec.Status = ExecutionRunning
	t := startedAt.UTC()
	exec.StartedAt = &t
	return nil
}

// RecordResult persists an execution's terminal fields and optionally
// the owning task's last_known_state.
func (s *MemoryStore) RecordResult(ctx context.Context, exec *TaskExecution, evidence json.RawMessage) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.executions[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	existing.Status = exec.Status
	existing.CompletedAt = cloneTimePtr(exec.CompletedAt)
	existing.Result = cloneRaw(exec.Result)
	existing.ErrorMessage = exec.ErrorMessage
	existing.Notification = cloneStringPtr(exec.Notification)
	existing.GroundingSources = cloneSources(exec.GroundingSources)

	if evidence != nil {
		if task, ok := s.tasks[exec.TaskID]; ok {
			task.LastKnownState = cloneRaw(evidence)
			task.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// GetExecution retrieves an execution by ID. Returns nil when absent.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneExecution(s.executions[id]), nil
}

// ListExecutions returns executions for a task, newest first.
func (s *MemoryStore) ListExecutions(ctx context.Context, taskID string, opts ListExecutionsOptions) ([]*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TaskExecution
	for _, exec := range s.executions {
		if exec.TaskID != taskID {
			continue
		}
		if opts.Status != nil && exec.Status != *opts.Status {
			continue
		}
		if opts.Since != nil && exec.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && exec.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetRunningExecutions returns the task's in-flight executions.
func (s *MemoryStore) GetRunningExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TaskExecution
	for _, exec := range s.executions {
		if exec.TaskID != taskID {
			continue
		}
		if exec.Status == ExecutionPending || exec.Status == ExecutionRunning {
			out = append(out, cloneExecution(exec))
		}
	}
	return out, nil
}

// RecoverStaleExecutions marks stranded executions as failed with error
// crash_recovered.
func (s *MemoryStore) RecoverStaleExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, exec := range s.executions {
		if exec.Status != ExecutionPending && exec.Status != ExecutionRunning {
			continue
		}
		began := exec.CreatedAt
		if exec.StartedAt != nil {
			began = *exec.StartedAt
		}
		if !began.Before(cutoff) {
			continue
		}
		exec.Status = ExecutionFailed
		exec.ErrorMessage = "crash_recovered"
		exec.CompletedAt = &now
		count++
	}
	return count, nil
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	clone.LastKnownState = cloneRaw(task.LastKnownState)
	clone.NotificationChannels = cloneChannels(task.NotificationChannels)
	return &clone
}

func cloneExecution(exec *TaskExecution) *TaskExecution {
	if exec == nil {
		return nil
	}
	clone := *exec
	clone.StartedAt = cloneTimePtr(exec.StartedAt)
	clone.CompletedAt = cloneTimePtr(exec.CompletedAt)
	clone.Result = cloneRaw(exec.Result)
	clone.Notification = cloneStringPtr(exec.Notification)
	clone.GroundingSources = cloneSources(exec.GroundingSources)
	return &clone
}

func cloneChannels(channels []notify.Channel) []notify.Channel {
	if channels == nil {
		return nil
	}
	out := make([]notify.Channel, len(channels))
	for i, ch := range channels {
		out[i] = ch
		if ch.Headers != nil {
			out[i].Headers = make(map[string]string, len(ch.Headers))
			for k, v := range ch.Headers {
				out[i].Headers[k] = v
			}
		}
	}
	return out
}

func cloneSources(sources []notify.Source) []notify.Source {
	if sources == nil {
		return nil
	}
	out := make([]notify.Source, len(sources))
	copy(out, sources)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
