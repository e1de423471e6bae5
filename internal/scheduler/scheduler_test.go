package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/torale/torale/internal/cron"
	"github.com/torale/torale/internal/jobs"
	"github.com/torale/torale/internal/notify"
	"github.com/torale/torale/internal/tasks"
)

type stubExecutor struct {
	mu      sync.Mutex
	firings []Firing
	ctxErrs []error
	err     error
	delay   time.Duration

	// block, when set, holds Execute until closed or the context ends.
	block chan struct{}
}

func (e *stubExecutor) Execute(ctx context.Context, f Firing) error {
	e.mu.Lock()
	e.firings = append(e.firings, f)
	e.mu.Unlock()

	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			e.mu.Lock()
			e.ctxErrs = append(e.ctxErrs, ctx.Err())
			e.mu.Unlock()
			return ctx.Err()
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.err
}

func (e *stubExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.firings)
}

func (e *stubExecutor) all() []Firing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Firing(nil), e.firings...)
}

func (e *stubExecutor) aborted() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.ctxErrs...)
}

type schedFixture struct {
	jobs     *jobs.MemoryStore
	tasks    *tasks.MemoryStore
	executor *stubExecutor
	clock    *cron.FakeClock
	sched    *Scheduler
}

func newSchedFixture(t *testing.T, config Config) *schedFixture {
	t.Helper()
	jobStore := jobs.NewMemoryStore()
	taskStore := tasks.NewMemoryStore()
	executor := &stubExecutor{}
	clock := cron.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	config.Clock = clock
	return &schedFixture{
		jobs:     jobStore,
		tasks:    taskStore,
		executor: executor,
		clock:    clock,
		sched:    NewScheduler(jobStore, taskStore, executor, config),
	}
}

// seedDueJob stores an every-minute job that is already due and returns
// it with its stored version.
func (f *schedFixture) seedDueJob(t *testing.T, id string, overdue time.Duration) *jobs.ScheduledJob {
	t.Helper()
	ctx := context.Background()
	job := &jobs.ScheduledJob{
		JobID:      id,
		CronExpr:   "* * * * *",
		NextFireAt: f.clock.Now().Add(-overdue),
	}
	if err := f.jobs.Upsert(ctx, job); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	stored, err := f.jobs.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return stored
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNewSchedulerDefaults(t *testing.T) {
	f := newSchedFixture(t, Config{})
	cfg := f.sched.config

	if cfg.TickInterval != time.Second {
		t.Errorf("TickInterval = %v, want 1s", cfg.TickInterval)
	}
	if cfg.BatchLimit != 100 {
		t.Errorf("BatchLimit = %d, want 100", cfg.BatchLimit)
	}
	if cfg.WorkerPoolSize != 16 {
		t.Errorf("WorkerPoolSize = %d, want 16", cfg.WorkerPoolSize)
	}
	if cfg.QueueSize != 32 {
		t.Errorf("QueueSize = %d, want 2x the pool", cfg.QueueSize)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
	if cfg.RecoveryThreshold != 5*time.Minute {
		t.Errorf("RecoveryThreshold = %v, want 5m", cfg.RecoveryThreshold)
	}
	if cfg.ShutdownGrace != 15*time.Second {
		t.Errorf("ShutdownGrace = %v, want 15s", cfg.ShutdownGrace)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	f := newSchedFixture(t, Config{
		TickInterval:  10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	t.Run("starts", func(t *testing.T) {
		if err := f.sched.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if !f.sched.IsRunning() {
			t.Error("IsRunning() = false after Start")
		}
	})

	t.Run("start is idempotent", func(t *testing.T) {
		if err := f.sched.Start(ctx); err != nil {
			t.Fatalf("second Start() error = %v", err)
		}
	})

	t.Run("stops", func(t *testing.T) {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := f.sched.Stop(stopCtx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if f.sched.IsRunning() {
			t.Error("IsRunning() = true after Stop")
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := f.sched.Stop(stopCtx); err != nil {
			t.Fatalf("second Stop() error = %v", err)
		}
	})
}

func TestScheduler_ClaimDue(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, Config{QueueSize: 4})
	before := f.seedDueJob(t, "task-1", time.Minute)

	f.sched.claimDue(ctx)

	select {
	case firing := <-f.sched.queue:
		if firing.TaskID != "task-1" || firing.Trigger != TriggerScheduled || firing.ExecutionID != "" {
			t.Errorf("firing = %+v, want scheduled task-1 with no execution id", firing)
		}
	default:
		t.Fatal("no firing enqueued for the due job")
	}

	after, err := f.jobs.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// The claim moves the fire strictly past the tick instant, so a
	// crashed firing is never replayed and downtime does not pile up.
	want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	if !after.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", after.NextFireAt, want)
	}
	if after.Version == before.Version {
		t.Error("claim did not bump the job version")
	}
}

func TestScheduler_ClaimDue_QueueFullDefersRemainder(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, Config{QueueSize: 1})
	f.seedDueJob(t, "task-1", 2*time.Minute)
	second := f.seedDueJob(t, "task-2", time.Minute)

	f.sched.claimDue(ctx)

	if got := len(f.sched.queue); got != 1 {
		t.Fatalf("queued firings = %d, want 1", got)
	}

	// task-2 was never claimed: same version, still due next tick.
	after, err := f.jobs.Get(ctx, "task-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Version != second.Version {
		t.Errorf("deferred job version = %d, want untouched %d", after.Version, second.Version)
	}
	if !after.NextFireAt.Equal(second.NextFireAt) {
		t.Errorf("deferred job NextFireAt = %v, want untouched %v", after.NextFireAt, second.NextFireAt)
	}
}

func TestScheduler_ClaimDue_PausesUnusableSchedule(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, Config{QueueSize: 4})
	if err := f.jobs.Upsert(ctx, &jobs.ScheduledJob{
		JobID:      "task-1",
		CronExpr:   "not a schedule",
		NextFireAt: f.clock.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	f.sched.claimDue(ctx)

	if got := len(f.sched.queue); got != 0 {
		t.Errorf("queued firings = %d, want 0", got)
	}
	if got := len(f.sched.slots); got != 0 {
		t.Errorf("held slots = %d, want 0 after release", got)
	}
	job, err := f.jobs.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !job.Paused {
		t.Error("unusable job not paused; the loop would rediscover it every tick")
	}
}

type flakyJobStore struct {
	jobs.Store
	dueErr    error
	claimErr  error
	claimLost bool
}

func (s *flakyJobStore) Due(ctx context.Context, before time.Time, limit int) ([]*jobs.ScheduledJob, error) {
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	return s.Store.Due(ctx, before, limit)
}

func (s *flakyJobStore) Claim(ctx context.Context, jobID string, expectedVersion int64, nextFireAt time.Time) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	if s.claimLost {
		return false, nil
	}
	return s.Store.Claim(ctx, jobID, expectedVersion, nextFireAt)
}

func TestScheduler_ClaimDue_StoreFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("due query error", func(t *testing.T) {
		f := newSchedFixture(t, Config{QueueSize: 4})
		flaky := &flakyJobStore{Store: f.jobs, dueErr: errors.New("connection reset")}
		s := NewScheduler(flaky, f.tasks, f.executor, Config{QueueSize: 4, Clock: f.clock})

		s.claimDue(ctx)

		if got := len(s.queue); got != 0 {
			t.Errorf("queued firings = %d, want 0", got)
		}
	})

	t.Run("claim error releases the slot", func(t *testing.T) {
		f := newSchedFixture(t, Config{QueueSize: 4})
		f.seedDueJob(t, "task-1", time.Minute)
		flaky := &flakyJobStore{Store: f.jobs, claimErr: errors.New("connection reset")}
		s := NewScheduler(flaky, f.tasks, f.executor, Config{QueueSize: 4, Clock: f.clock})

		s.claimDue(ctx)

		if got := len(s.queue); got != 0 {
			t.Errorf("queued firings = %d, want 0", got)
		}
		if got := len(s.slots); got != 0 {
			t.Errorf("held slots = %d, want 0 after release", got)
		}
	})

	t.Run("lost claim is not an error", func(t *testing.T) {
		f := newSchedFixture(t, Config{QueueSize: 4})
		f.seedDueJob(t, "task-1", time.Minute)
		flaky := &flakyJobStore{Store: f.jobs, claimLost: true}
		s := NewScheduler(flaky, f.tasks, f.executor, Config{QueueSize: 4, Clock: f.clock})

		s.claimDue(ctx)

		if got := len(s.queue); got != 0 {
			t.Errorf("queued firings = %d, want 0 for a lost claim", got)
		}
		if got := len(s.slots); got != 0 {
			t.Errorf("held slots = %d, want 0 after release", got)
		}
	})
}

func TestScheduler_TickLoopFiresDueJobs(t *testing.T) {
	f := newSchedFixture(t, Config{
		TickInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	f.seedDueJob(t, "task-1", time.Minute)

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.sched.Stop(context.Background())

	waitFor(t, "the due job to fire", func() bool { return f.executor.count() == 1 })

	firing := f.executor.all()[0]
	if firing.TaskID != "task-1" || firing.Trigger != TriggerScheduled {
		t.Errorf("firing = %+v, want scheduled task-1", firing)
	}

	// The claim advanced the job past the frozen clock, so it fires
	// exactly once however many ticks elapse.
	time.Sleep(25 * time.Millisecond)
	if got := f.executor.count(); got != 1 {
		t.Errorf("firing count = %d, want 1", got)
	}
}

func TestScheduler_RunNow(t *testing.T) {
	t.Run("rejected before start", func(t *testing.T) {
		f := newSchedFixture(t, Config{})
		if err := f.sched.RunNow("task-1", "exec-1"); !errors.Is(err, ErrNotRunning) {
			t.Errorf("RunNow() error = %v, want ErrNotRunning", err)
		}
	})

	t.Run("submits a manual firing", func(t *testing.T) {
		f := newSchedFixture(t, Config{
			TickInterval:  time.Hour,
			SweepInterval: time.Hour,
		})
		if err := f.sched.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer f.sched.Stop(context.Background())

		if err := f.sched.RunNow("task-1", "exec-1"); err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}

		waitFor(t, "the manual firing to run", func() bool { return f.executor.count() == 1 })
		firing := f.executor.all()[0]
		if firing.TaskID != "task-1" || firing.ExecutionID != "exec-1" || firing.Trigger != TriggerManual {
			t.Errorf("firing = %+v, want manual task-1/exec-1", firing)
		}
	})

	t.Run("rejected when the queue is full", func(t *testing.T) {
		f := newSchedFixture(t, Config{
			WorkerPoolSize: 1,
			QueueSize:      1,
			TickInterval:   time.Hour,
			SweepInterval:  time.Hour,
		})
		f.executor.block = make(chan struct{})

		if err := f.sched.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer f.sched.Stop(context.Background())

		if err := f.sched.RunNow("task-1", "exec-1"); err != nil {
			t.Fatalf("first RunNow() error = %v", err)
		}
		waitFor(t, "the first firing to start", func() bool { return f.executor.count() == 1 })

		// The single slot is held by the in-flight firing.
		if err := f.sched.RunNow("task-2", "exec-2"); !errors.Is(err, ErrQueueFull) {
			t.Errorf("second RunNow() error = %v, want ErrQueueFull", err)
		}

		close(f.executor.block)
	})
}

func TestScheduler_ExecutorFailureDoesNotStallTheLoop(t *testing.T) {
	f := newSchedFixture(t, Config{
		WorkerPoolSize: 1,
		QueueSize:      2,
		TickInterval:   time.Hour,
		SweepInterval:  time.Hour,
	})
	f.executor.err = errors.New("agent exploded")

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.sched.Stop(context.Background())

	for i, id := range []string{"exec-1", "exec-2"} {
		if err := f.sched.RunNow("task-1", id); err != nil {
			t.Fatalf("RunNow() #%d error = %v", i+1, err)
		}
	}

	waitFor(t, "both failing firings to run", func() bool { return f.executor.count() == 2 })
	if !f.sched.IsRunning() {
		t.Error("IsRunning() = false, executor failures must not stop the loop")
	}
}

func TestScheduler_StopDrainsQueuedFirings(t *testing.T) {
	f := newSchedFixture(t, Config{
		WorkerPoolSize: 1,
		QueueSize:      8,
		TickInterval:   time.Hour,
		SweepInterval:  time.Hour,
	})
	f.executor.delay = 2 * time.Millisecond

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i, id := range []string{"exec-1", "exec-2", "exec-3"} {
		if err := f.sched.RunNow("task-1", id); err != nil {
			t.Fatalf("RunNow() #%d error = %v", i+1, err)
		}
	}

	if err := f.sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := f.executor.count(); got != 3 {
		t.Errorf("executed firings = %d, want all 3 drained before stop", got)
	}
}

func TestScheduler_ShutdownGraceAbortsInFlightFiring(t *testing.T) {
	f := newSchedFixture(t, Config{
		WorkerPoolSize: 1,
		QueueSize:      2,
		TickInterval:   time.Hour,
		SweepInterval:  time.Hour,
		ShutdownGrace:  20 * time.Millisecond,
	})
	f.executor.block = make(chan struct{}) // never closed

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.sched.RunNow("task-1", "exec-1"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	waitFor(t, "the firing to start", func() bool { return f.executor.count() == 1 })

	if err := f.sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	aborted := f.executor.aborted()
	if len(aborted) != 1 || !errors.Is(aborted[0], context.Canceled) {
		t.Errorf("aborted = %v, want one context.Canceled", aborted)
	}
}

func TestScheduler_StartupSweepRecoversStrandedExecutions(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, Config{
		TickInterval:      time.Hour,
		SweepInterval:     time.Hour,
		RecoveryThreshold: 5 * time.Minute,
	})

	now := f.clock.Now()
	task := &tasks.Task{ID: "task-1", UserID: "user-1", Name: "stranded", State: tasks.StateActive, CreatedAt: now, UpdatedAt: now}
	if err := f.tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	exec := &tasks.TaskExecution{ID: "exec-1", TaskID: "task-1", Status: tasks.ExecutionPending, CreatedAt: now.Add(-10 * time.Minute)}
	if err := f.tasks.OpenExecution(ctx, exec); err != nil {
		t.Fatalf("OpenExecution() error = %v", err)
	}
	if err := f.tasks.MarkExecutionRunning(ctx, "exec-1", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("MarkExecutionRunning() error = %v", err)
	}

	// The sweep runs synchronously inside Start, before any firing.
	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.sched.Stop(ctx)

	got, err := f.tasks.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != tasks.ExecutionFailed || got.ErrorMessage != "crash_recovered" {
		t.Errorf("execution = (%s, %q), want failed crash_recovered", got.Status, got.ErrorMessage)
	}
}

func TestScheduler_PeriodicSweepRecoversStrandedExecutions(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, Config{
		TickInterval:      time.Hour,
		SweepInterval:     5 * time.Millisecond,
		RecoveryThreshold: 5 * time.Minute,
	})

	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.sched.Stop(ctx)

	// Strand an execution after startup; only the periodic sweep can
	// catch it.
	now := f.clock.Now()
	task := &tasks.Task{ID: "task-1", UserID: "user-1", Name: "stranded", State: tasks.StateActive, CreatedAt: now, UpdatedAt: now}
	if err := f.tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	exec := &tasks.TaskExecution{ID: "exec-1", TaskID: "task-1", Status: tasks.ExecutionPending, CreatedAt: now.Add(-10 * time.Minute)}
	if err := f.tasks.OpenExecution(ctx, exec); err != nil {
		t.Fatalf("OpenExecution() error = %v", err)
	}
	if err := f.tasks.MarkExecutionRunning(ctx, "exec-1", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("MarkExecutionRunning() error = %v", err)
	}

	waitFor(t, "the sweep to recover the execution", func() bool {
		got, err := f.tasks.GetExecution(ctx, "exec-1")
		return err == nil && got.Status == tasks.ExecutionFailed
	})
}

func TestScheduler_EndToEnd_ScheduledFiringCompletesOnceTask(t *testing.T) {
	ctx := context.Background()
	jobStore := jobs.NewMemoryStore()
	taskStore := tasks.NewMemoryStore()
	clock := cron.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	machine := tasks.NewMachine(taskStore, jobStore, clock, nil)
	invoker := &fakeInvoker{envelope: metEnvelope("Release date: June 9")}
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(taskStore, jobStore, machine, invoker, notifier, OrchestratorConfig{Clock: clock})
	sched := NewScheduler(jobStore, taskStore, orch, Config{
		TickInterval:   5 * time.Millisecond,
		SweepInterval:  time.Hour,
		WorkerPoolSize: 2,
		Clock:          clock,
	})

	now := clock.Now()
	task := &tasks.Task{
		ID:                   "task-1",
		UserID:               "user-1",
		Name:                 "watch release",
		Schedule:             "* * * * *",
		SearchQuery:          "game release date",
		ConditionDescription: "a date is announced",
		NotifyBehavior:       tasks.NotifyOnce,
		State:                tasks.StateActive,
		NotificationChannels: webhookChannels(),
		CreatedAt:            now,
		UpdatedAt:            now,
		StateChangedAt:       now,
	}
	if err := taskStore.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := jobStore.Upsert(ctx, &jobs.ScheduledJob{JobID: "task-1", CronExpr: "* * * * *", NextFireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sched.Stop(ctx)

	waitFor(t, "the task to complete", func() bool {
		got, err := taskStore.GetTask(ctx, "task-1")
		return err == nil && got != nil && got.State == tasks.StateCompleted
	})

	execs, err := taskStore.ListExecutions(ctx, "task-1", tasks.ListExecutionsOptions{})
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Status != tasks.ExecutionSuccess {
		t.Fatalf("executions = %+v, want one success", execs)
	}
	if calls := notifier.calls(); len(calls) != 1 || calls[0].Notification != "Release date: June 9" {
		t.Errorf("notifier calls = %+v, want one with the agent's message", calls)
	}
	if _, err := jobStore.Get(ctx, "task-1"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("job survived completion, Get() error = %v", err)
	}
}

var _ tasks.Runner = (*Scheduler)(nil)

var _ Notifier = (*notify.Dispatcher)(nil)
