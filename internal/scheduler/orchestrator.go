package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/torale/torale/internal/agent"
	"github.com/torale/torale/internal/cron"
	"github.com/torale/torale/internal/jobs"
	"github.com/torale/torale/internal/notify"
	"github.com/torale/torale/internal/observability"
	"github.com/torale/torale/internal/tasks"
)

// Notifier is the dispatch surface the orchestrator depends on.
// *notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, req *notify.DispatchRequest) (*notify.Batch, error)
}

// OrchestratorConfig configures the execution pipeline.
type OrchestratorConfig struct {
	// Clock stamps execution records; tests inject a fake.
	Clock cron.Clock

	// Logger for pipeline events.
	Logger *slog.Logger

	// Metrics receives firing and agent measurements. May be nil.
	Metrics *observability.Metrics

	// Tracer wraps firings and agent calls in spans. May be nil.
	Tracer *observability.Tracer
}

// Orchestrator runs one firing end-to-end: it opens the execution
// record, invokes the agent, persists the outcome, dispatches
// notifications, and advances the job's schedule.
//
// Execution-level failures (the agent timing out, rejecting, or
// answering garbage) are recorded as failed executions and return nil;
// Execute returns an error only when the pipeline itself could not run,
// in which case the execution record is left for the recovery sweep.
type Orchestrator struct {
	tasks    tasks.Store
	jobs     jobs.Store
	machine  *tasks.Machine
	invoker  agent.Invoker
	notifier Notifier
	clock    cron.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewOrchestrator creates the execution pipeline over the given stores.
func NewOrchestrator(taskStore tasks.Store, jobStore jobs.Store, machine *tasks.Machine, invoker agent.Invoker, notifier Notifier, config OrchestratorConfig) *Orchestrator {
	clock := config.Clock
	if clock == nil {
		clock = cron.SystemClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{
		tasks:    taskStore,
		jobs:     jobStore,
		machine:  machine,
		invoker:  invoker,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		metrics:  config.Metrics,
		tracer:   config.Tracer,
	}
}

// Execute runs one firing. See the Orchestrator doc for the error
// contract.
func (o *Orchestrator) Execute(ctx context.Context, f Firing) error {
	ctx = observability.WithTaskID(ctx, f.TaskID)
	ctx, span := o.tracer.TraceFiring(ctx, f.TaskID, f.ExecutionID, string(f.Trigger))
	defer span.End()

	outcome := "error"
	start := time.Now()
	defer func() {
		o.metrics.FiringCompleted(string(f.Trigger), outcome, time.Since(start).Seconds())
	}()

	task, err := o.tasks.GetTask(ctx, f.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		outcome = "skipped"
		return o.handleMissingTask(ctx, f)
	}

	if f.Trigger == TriggerScheduled {
		// A pause or completion can land between the claim and this
		// point; the state machine owns the job, so just stand down.
		if task.State != tasks.StateActive {
			o.logger.Info("skipping firing, task is not active",
				"task_id", task.ID,
				"state", task.State,
			)
			outcome = "skipped"
			return nil
		}

		// One in-flight execution per task. The claim serializes the
		// scheduled path; this guards against a still-running earlier
		// firing or an in-flight ad-hoc run.
		running, err := o.tasks.GetRunningExecutions(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("check running executions: %w", err)
		}
		if len(running) > 0 {
			o.logger.Info("skipping firing, execution already in flight",
				"task_id", task.ID,
				"in_flight", running[0].ID,
			)
			outcome = "skipped"
			return nil
		}
	}

	// Snapshot the previous run before this firing becomes the newest
	// execution.
	prevEvidence := task.LastKnownState
	prevStart, err := o.previousStart(ctx, task.ID, f.ExecutionID)
	if err != nil {
		return fmt.Errorf("load previous execution: %w", err)
	}

	executionID := f.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
		exec := &tasks.TaskExecution{
			ID:        executionID,
			TaskID:    task.ID,
			Status:    tasks.ExecutionPending,
			CreatedAt: o.clock.Now(),
		}
		if err := o.tasks.OpenExecution(ctx, exec); err != nil {
			return fmt.Errorf("open execution: %w", err)
		}
	}
	ctx = observability.WithExecutionID(ctx, executionID)

	startedAt := o.clock.Now()
	if err := o.tasks.MarkExecutionRunning(ctx, executionID, startedAt); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}

	o.logger.Info("firing started",
		"task_id", task.ID,
		"execution_id", executionID,
		"trigger", f.Trigger,
	)

	agentCtx, agentSpan := o.tracer.TraceAgentCall(ctx, task.ID)
	callStart := time.Now()
	envelope, err := o.invoker.Invoke(agentCtx, &agent.Request{
		TaskID:               task.ID,
		UserID:               task.UserID,
		SearchQuery:          task.SearchQuery,
		ConditionDescription: task.ConditionDescription,
		PreviousEvidence:     prevEvidence,
		LastExecutionAt:      prevStart,
	})
	elapsed := time.Since(callStart).Seconds()
	if err != nil {
		o.tracer.RecordError(agentSpan, err)
		agentSpan.End()
		o.metrics.RecordAgentCall(string(agent.Classify(err)), elapsed)

		if ctx.Err() != nil {
			// Shutdown aborted the call. Leave the record running; the
			// next startup sweep marks it crash_recovered.
			return fmt.Errorf("agent call interrupted: %w", ctx.Err())
		}

		if rerr := o.recordAgentFailure(ctx, task, executionID, err, f.Trigger); rerr != nil {
			return rerr
		}
		outcome = "failed"
		return nil
	}
	agentSpan.End()
	o.metrics.RecordAgentCall("ok", elapsed)

	completedAt := o.clock.Now()
	resultJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal agent envelope: %w", err)
	}
	evidence, err := json.Marshal(envelope.Evidence)
	if err != nil {
		return fmt.Errorf("marshal agent evidence: %w", err)
	}

	sources := make([]notify.Source, 0, len(envelope.Sources))
	for _, raw := range envelope.Sources {
		sources = append(sources, splitSource(raw))
	}

	exec := &tasks.TaskExecution{
		ID:               executionID,
		TaskID:           task.ID,
		Status:           tasks.ExecutionSuccess,
		StartedAt:        &startedAt,
		CompletedAt:      &completedAt,
		Result:           resultJSON,
		Notification:     envelope.Notification,
		GroundingSources: sources,
	}
	if err := o.tasks.RecordResult(ctx, exec, evidence); err != nil {
		// The agent answered but the result could not be persisted.
		// Leave the record running for the sweep rather than notify or
		// advance on unrecorded work.
		return fmt.Errorf("record result: %w", err)
	}

	dispatched := true
	if envelope.ConditionMet() {
		o.metrics.ConditionMet()
		dispatched = o.dispatch(ctx, task, envelope, executionID, completedAt, sources)
	}

	o.logger.Info("firing completed",
		"task_id", task.ID,
		"execution_id", executionID,
		"trigger", f.Trigger,
		"condition_met", envelope.ConditionMet(),
		"confidence", envelope.Confidence,
	)

	if envelope.ConditionMet() && task.NotifyBehavior == tasks.NotifyOnce && dispatched {
		if _, err := o.machine.Transition(ctx, task.ID, tasks.StateCompleted); err != nil {
			// The task stays active and the next firing retries the
			// completion; notifications may repeat, which at-least-once
			// allows.
			o.logger.Error("completing task failed",
				"task_id", task.ID,
				"error", err,
			)
			o.metrics.RecordError("orchestrator", "complete")
		} else {
			outcome = "success"
			return nil
		}
	}

	if f.Trigger == TriggerScheduled {
		o.reschedule(ctx, task, envelope.NextRun)
	}

	outcome = "success"
	return nil
}

// handleMissingTask cleans up after a firing whose task disappeared
// between claim and execution.
func (o *Orchestrator) handleMissingTask(ctx context.Context, f Firing) error {
	o.logger.Warn("task gone, dropping firing",
		"task_id", f.TaskID,
		"trigger", f.Trigger,
	)

	if f.Trigger == TriggerScheduled {
		// The job outlived its task; remove it so it stops firing.
		if err := o.jobs.Delete(ctx, f.TaskID); err != nil {
			return fmt.Errorf("delete orphaned job: %w", err)
		}
		return nil
	}

	// Ad-hoc firings arrive with an open execution record; close it.
	completedAt := o.clock.Now()
	exec := &tasks.TaskExecution{
		ID:           f.ExecutionID,
		TaskID:       f.TaskID,
		Status:       tasks.ExecutionFailed,
		CompletedAt:  &completedAt,
		ErrorMessage: "task_deleted",
	}
	if err := o.tasks.RecordResult(ctx, exec, nil); err != nil {
		return fmt.Errorf("close orphaned execution: %w", err)
	}
	return nil
}

// splitSource maps one agent source string to a grounding source.
// Agents may cite "uri|title" pairs; plain strings carry no title.
func splitSource(raw string) notify.Source {
	if uri, title, ok := strings.Cut(raw, "|"); ok {
		return notify.Source{URI: strings.TrimSpace(uri), Title: strings.TrimSpace(title)}
	}
	return notify.Source{URI: raw}
}

// previousStart returns when the task's previous execution started,
// nil on the first run. currentExecutionID is skipped so a pre-opened
// ad-hoc record does not count as its own predecessor.
func (o *Orchestrator) previousStart(ctx context.Context, taskID, currentExecutionID string) (*time.Time, error) {
	execs, err := o.tasks.ListExecutions(ctx, taskID, tasks.ListExecutionsOptions{Limit: 2})
	if err != nil {
		return nil, err
	}
	for _, e := range execs {
		if e.ID == currentExecutionID {
			continue
		}
		return e.StartedAt, nil
	}
	return nil, nil
}

// recordAgentFailure closes the execution as failed with the
// classified error and, for scheduled firings, advances the job from
// the cron schedule. The firing still counts as handled.
func (o *Orchestrator) recordAgentFailure(ctx context.Context, task *tasks.Task, executionID string, invokeErr error, trigger Trigger) error {
	reason := agent.Classify(invokeErr)
	o.logger.Warn("agent invocation failed",
		"task_id", task.ID,
		"execution_id", executionID,
		"reason", reason,
		"error", invokeErr,
	)

	completedAt := o.clock.Now()
	exec := &tasks.TaskExecution{
		ID:           executionID,
		TaskID:       task.ID,
		Status:       tasks.ExecutionFailed,
		CompletedAt:  &completedAt,
		ErrorMessage: invokeErr.Error(),
	}
	if err := o.tasks.RecordResult(ctx, exec, nil); err != nil {
		return fmt.Errorf("record failed execution: %w", err)
	}

	if trigger == TriggerScheduled {
		o.reschedule(ctx, task, nil)
	}
	return nil
}

// dispatch hands the condition-met result to the notifier and reports
// whether the delivery chains were enqueued. A task with no channels
// dispatches vacuously.
func (o *Orchestrator) dispatch(ctx context.Context, task *tasks.Task, envelope *agent.Envelope, executionID string, triggeredAt time.Time, sources []notify.Source) bool {
	if len(task.NotificationChannels) == 0 {
		o.logger.Info("condition met with no notification channels",
			"task_id", task.ID,
			"execution_id", executionID,
		)
		return true
	}

	confidence := envelope.Confidence
	_, err := o.notifier.Dispatch(ctx, &notify.DispatchRequest{
		ExecutionID:  executionID,
		TaskID:       task.ID,
		TaskName:     task.Name,
		TriggeredAt:  triggeredAt,
		Notification: *envelope.Notification,
		Sources:      sources,
		Confidence:   &confidence,
		Channels:     task.NotificationChannels,
	})
	if err != nil {
		o.logger.Error("notification dispatch failed",
			"task_id", task.ID,
			"execution_id", executionID,
			"error", err,
		)
		o.metrics.RecordError("orchestrator", "dispatch")
		return false
	}
	return true
}

// reschedule advances the job to its next fire. The agent's next_run
// wins when it lies in the future; otherwise the cron schedule decides.
// Losing the job to a concurrent pause or delete is not an error.
func (o *Orchestrator) reschedule(ctx context.Context, task *tasks.Task, agentNext *time.Time) {
	now := o.clock.Now()

	var next time.Time
	source := "cron"
	if agentNext != nil && agentNext.After(now) {
		next = *agentNext
		source = "agent"
	} else {
		n, err := cron.NextFire(task.Schedule, now)
		if err != nil {
			o.logger.Error("reschedule failed, stored schedule is unusable",
				"task_id", task.ID,
				"cron_expr", task.Schedule,
				"error", err,
			)
			o.metrics.RecordError("orchestrator", "reschedule")
			return
		}
		next = n
	}

	moved, err := o.jobs.Reschedule(ctx, task.ID, next)
	if err != nil {
		o.logger.Error("reschedule failed",
			"task_id", task.ID,
			"error", err,
		)
		o.metrics.RecordError("orchestrator", "reschedule")
		return
	}
	if !moved {
		o.logger.Debug("job gone, leaving schedule untouched", "task_id", task.ID)
		return
	}

	o.metrics.Rescheduled(source)
	o.logger.Debug("job rescheduled",
		"task_id", task.ID,
		"next_fire_at", next,
		"source", source,
	)
}
