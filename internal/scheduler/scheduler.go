// Package scheduler contains the engine's control loop and the
// per-firing execution pipeline.
//
// The Scheduler watches the job store, claims due jobs through the
// store's optimistic CAS, and hands each won claim to a bounded worker
// pool. Every firing runs end-to-end on one worker: open the execution
// record, call the agent, persist the outcome, dispatch notifications,
// and advance the schedule. Claims are only attempted while a queue
// slot is free, so saturated workers push back on the loop instead of
// stranding claimed firings.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/torale/torale/internal/cron"
	"github.com/torale/torale/internal/jobs"
	"github.com/torale/torale/internal/observability"
	"github.com/torale/torale/internal/tasks"
)

var (
	// ErrQueueFull is returned by RunNow when no queue slot is free.
	ErrQueueFull = errors.New("firing queue is full")

	// ErrNotRunning is returned by RunNow before Start or after Stop.
	ErrNotRunning = errors.New("scheduler is not running")
)

// Trigger records what caused a firing.
type Trigger string

const (
	// TriggerScheduled marks a firing claimed from the job store.
	TriggerScheduled Trigger = "scheduled"

	// TriggerManual marks an ad-hoc firing submitted through RunNow.
	TriggerManual Trigger = "manual"
)

// Firing is one unit of work for the worker pool.
type Firing struct {
	// TaskID is the task to execute.
	TaskID string

	// ExecutionID is the pre-opened execution record for ad-hoc
	// firings. Empty for scheduled firings; the executor opens one.
	ExecutionID string

	// Trigger records how the firing was initiated.
	Trigger Trigger
}

// Executor runs one firing end-to-end. The Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, f Firing) error
}

// Config configures the scheduler loop.
type Config struct {
	// TickInterval is how often the loop queries for due jobs.
	// Defaults to 1 second.
	TickInterval time.Duration

	// BatchLimit is the maximum number of due jobs fetched per tick.
	// Defaults to 100.
	BatchLimit int

	// WorkerPoolSize caps concurrent firings (and so concurrent agent
	// calls). Defaults to 16.
	WorkerPoolSize int

	// QueueSize bounds admitted work: firings queued plus firings
	// running. Claims are skipped while it is exhausted.
	// Defaults to 2x WorkerPoolSize.
	QueueSize int

	// SweepInterval is how often stranded executions are recovered.
	// Defaults to 1 minute.
	SweepInterval time.Duration

	// RecoveryThreshold is how long an execution may sit in pending or
	// running before a sweep marks it failed. Must exceed the agent
	// timeout. Defaults to 5 minutes.
	RecoveryThreshold time.Duration

	// ShutdownGrace is how long Stop waits for in-flight firings
	// before aborting their agent calls. Defaults to 15 seconds.
	ShutdownGrace time.Duration

	// Clock drives due-ness and sweep cutoffs; tests inject a fake.
	Clock cron.Clock

	// Logger for scheduler events.
	Logger *slog.Logger

	// Metrics receives loop and queue measurements. May be nil.
	Metrics *observability.Metrics
}

// Scheduler is the single-writer control loop over the job store.
type Scheduler struct {
	jobs     jobs.Store
	tasks    tasks.Store
	executor Executor
	config   Config
	clock    cron.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	// queue carries admitted firings; slots bounds admitted work. A
	// slot is taken before a claim is attempted and released when the
	// firing finishes, so len(queue) never exceeds the slots held.
	queue chan Firing
	slots chan struct{}

	loopCancel context.CancelFunc
	execCancel context.CancelFunc
	loopWg     sync.WaitGroup
	workerWg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler loop over the given stores.
func NewScheduler(jobStore jobs.Store, taskStore tasks.Store, executor Executor, config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 100
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 16
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 2 * config.WorkerPoolSize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 5 * time.Minute
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 15 * time.Second
	}
	if config.Clock == nil {
		config.Clock = cron.SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}

	return &Scheduler{
		jobs:     jobStore,
		tasks:    taskStore,
		executor: executor,
		config:   config,
		clock:    config.Clock,
		logger:   logger,
		metrics:  config.Metrics,
		queue:    make(chan Firing, config.QueueSize),
		slots:    make(chan struct{}, config.QueueSize),
	}
}

// Start runs the startup recovery sweep and begins the loop. Calling
// Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	// Fresh channels per generation; Stop closed the previous queue.
	s.queue = make(chan Firing, s.config.QueueSize)
	s.slots = make(chan struct{}, s.config.QueueSize)
	s.running = true
	s.mu.Unlock()

	loopCtx, loopCancel := context.WithCancel(ctx)
	s.loopCancel = loopCancel

	// Firings outlive the loop context: Stop cancels the loop first and
	// lets in-flight work drain under the grace period.
	execCtx, execCancel := context.WithCancel(context.Background())
	s.execCancel = execCancel

	s.logger.Info("starting scheduler",
		"tick_interval", s.config.TickInterval,
		"worker_pool_size", s.config.WorkerPoolSize,
		"queue_size", s.config.QueueSize,
		"recovery_threshold", s.config.RecoveryThreshold,
	)

	// Executions stranded by the previous process become failed before
	// any new firing starts.
	s.recoverStrandedExecutions(loopCtx)

	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go s.worker(execCtx)
	}

	s.loopWg.Add(1)
	go s.tickLoop(loopCtx)

	s.loopWg.Add(1)
	go s.sweepLoop(loopCtx)

	return nil
}

// Stop shuts the loop down: no new claims, queued firings drain, and
// in-flight agent calls get ShutdownGrace before they are aborted.
// Executions interrupted by the abort stay running in the store and
// the next startup sweep reconciles them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")

	s.loopCancel()
	s.loopWg.Wait()

	// The loop is stopped and RunNow rejects, so no producer remains.
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownGrace):
		s.logger.Warn("shutdown grace expired, aborting in-flight firings")
		s.execCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		s.execCancel()
		return ctx.Err()
	}

	s.execCancel()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow submits an ad-hoc firing for an already-opened execution,
// implementing tasks.Runner. It fails fast with ErrQueueFull instead
// of blocking the caller.
func (s *Scheduler) RunNow(taskID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.metrics.QueueFull()
		return ErrQueueFull
	}

	s.metrics.FiringEnqueued()
	s.queue <- Firing{TaskID: taskID, ExecutionID: executionID, Trigger: TriggerManual}
	return nil
}

// tickLoop claims due jobs every TickInterval, starting immediately.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.claimDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.claimDue(ctx)
		}
	}
}

// claimDue fetches due jobs and claims them one by one while queue
// slots last. Jobs left unclaimed stay due and return next tick.
func (s *Scheduler) claimDue(ctx context.Context) {
	now := s.clock.Now()

	due, err := s.jobs.Due(ctx, now, s.config.BatchLimit)
	if err != nil {
		s.logger.Error("due query failed", "error", err)
		s.metrics.RecordError("scheduler", "due_query")
		return
	}

	for i, job := range due {
		if ctx.Err() != nil {
			return
		}

		select {
		case s.slots <- struct{}{}:
		default:
			// No claim was attempted for the rest of the batch, so
			// those jobs remain due for the next tick.
			s.metrics.QueueFull()
			s.logger.Debug("firing queue full, deferring due jobs",
				"deferred", len(due)-i,
			)
			return
		}

		next, err := cron.NextFire(job.CronExpr, now)
		if err != nil {
			<-s.slots
			// The stored expression no longer parses or never fires
			// again. Suspend the job so the loop stops rediscovering
			// it every tick.
			s.logger.Error("stored schedule is unusable, pausing job",
				"job_id", job.JobID,
				"cron_expr", job.CronExpr,
				"error", err,
			)
			s.metrics.RecordError("scheduler", "bad_schedule")
			if perr := s.jobs.Pause(ctx, job.JobID); perr != nil && !errors.Is(perr, jobs.ErrNotFound) {
				s.logger.Error("pausing unusable job failed",
					"job_id", job.JobID,
					"error", perr,
				)
			}
			continue
		}

		claimed, err := s.jobs.Claim(ctx, job.JobID, job.Version, next)
		if err != nil {
			<-s.slots
			s.logger.Error("claim failed", "job_id", job.JobID, "error", err)
			s.metrics.RecordError("scheduler", "claim")
			continue
		}
		s.metrics.ClaimAttempted(claimed)
		if !claimed {
			// Another actor moved the job first; not an error.
			<-s.slots
			continue
		}

		s.metrics.FiringEnqueued()
		s.queue <- Firing{TaskID: job.JobID, Trigger: TriggerScheduled}
	}
}

// worker drains the firing queue until it closes.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.workerWg.Done()

	for f := range s.queue {
		s.runFiring(ctx, f)
		s.metrics.FiringDequeued()
		<-s.slots
	}
}

// runFiring executes one firing and logs the outcome. Execution-level
// failures (agent errors) are terminal results, not errors; Execute
// returns an error only when the firing could not run or was
// interrupted.
func (s *Scheduler) runFiring(ctx context.Context, f Firing) {
	if ctx.Err() != nil {
		s.logger.Info("skipping firing, shutdown in progress",
			"task_id", f.TaskID,
			"trigger", f.Trigger,
		)
		return
	}

	err := s.executor.Execute(ctx, f)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Warn("firing interrupted",
			"task_id", f.TaskID,
			"trigger", f.Trigger,
		)
	default:
		s.logger.Error("firing failed",
			"task_id", f.TaskID,
			"trigger", f.Trigger,
			"error", err,
		)
		s.metrics.RecordError("scheduler", "firing")
	}
}

// sweepLoop periodically recovers stranded executions.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverStrandedExecutions(ctx)
		}
	}
}

// recoverStrandedExecutions marks executions stuck in pending or
// running past the recovery threshold as failed. Their next scheduled
// fire runs normally; there is no automatic re-execution.
func (s *Scheduler) recoverStrandedExecutions(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.config.RecoveryThreshold)

	count, err := s.tasks.RecoverStaleExecutions(ctx, cutoff)
	if err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
		s.metrics.RecordError("scheduler", "recovery_sweep")
		return
	}
	if count > 0 {
		s.logger.Warn("recovered stranded executions", "count", count)
		s.metrics.ExecutionsRecovered(count)
	}
}
