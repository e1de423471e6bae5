package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/torale/torale/internal/agent"
	"github.com/torale/torale/internal/backoff"
	"github.com/torale/torale/internal/cron"
	"github.com/torale/torale/internal/notify"
	"github.com/torale/torale/internal/scheduler"
	"github.com/torale/torale/internal/tasks"
)

// deliveryDrain is how long run-now waits for its notification chains
// before leaving the remainder to a running daemon.
const deliveryDrain = 15 * time.Second

// =============================================================================
// Tasks Command Handlers
// =============================================================================

// taskCreateArgs carries the create command's flag values.
type taskCreateArgs struct {
	userID         string
	name           string
	query          string
	condition      string
	schedule       string
	behavior       string
	emails         []string
	webhooks       []string
	webhookMethod  string
	webhookHeaders []string
}

// channelsFromArgs builds the channel list from the notify flags.
func channelsFromArgs(args taskCreateArgs) ([]notify.Channel, error) {
	headers, err := parseHeaderFlags(args.webhookHeaders)
	if err != nil {
		return nil, err
	}

	var channels []notify.Channel
	for _, addr := range args.emails {
		channels = append(channels, notify.Channel{
			Type:    notify.ChannelEmail,
			Address: strings.TrimSpace(addr),
		})
	}
	for _, url := range args.webhooks {
		channels = append(channels, notify.Channel{
			Type:    notify.ChannelWebhook,
			URL:     strings.TrimSpace(url),
			Method:  strings.ToUpper(strings.TrimSpace(args.webhookMethod)),
			Headers: headers,
		})
	}
	return channels, nil
}

// parseHeaderFlags parses repeated "Name: value" flags.
func parseHeaderFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(flags))
	for _, raw := range flags {
		name, value, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --webhook-header %q, want \"Name: value\"", raw)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// runTasksCreate handles the tasks create command.
func runTasksCreate(cmd *cobra.Command, configPath string, args taskCreateArgs) error {
	channels, err := channelsFromArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	task, err := svc.CreateTask(cmd.Context(), tasks.CreateTaskParams{
		UserID:               args.userID,
		Name:                 args.name,
		Schedule:             args.schedule,
		SearchQuery:          args.query,
		ConditionDescription: args.condition,
		NotifyBehavior:       tasks.NotifyBehavior(args.behavior),
		NotificationChannels: channels,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created task %s\n", task.ID)
	if next, err := cron.NextFire(task.Schedule, time.Now().UTC()); err == nil {
		fmt.Fprintf(out, "Next fire at %s\n", next.Format(time.RFC3339))
	}
	return nil
}

// runTasksList handles the tasks list command.
func runTasksList(cmd *cobra.Command, configPath, userID, state string, limit, offset int) error {
	opts := tasks.ListTasksOptions{UserID: userID, Limit: limit, Offset: offset}
	if state != "" {
		parsed, err := parseTaskState(state)
		if err != nil {
			return err
		}
		opts.State = &parsed
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	list, err := svc.ListTasks(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tSCHEDULE\tBEHAVIOR\tCHANNELS\tUPDATED")
	for _, task := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			task.ID,
			truncate(task.Name, 32),
			task.State,
			task.Schedule,
			task.NotifyBehavior,
			len(task.NotificationChannels),
			task.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

// runTasksShow handles the tasks show command.
func runTasksShow(cmd *cobra.Command, configPath, taskID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	task, err := svc.GetTask(cmd.Context(), taskID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", task.ID)
	fmt.Fprintf(out, "Name:      %s\n", task.Name)
	fmt.Fprintf(out, "User:      %s\n", task.UserID)
	fmt.Fprintf(out, "State:     %s (since %s)\n", task.State, task.StateChangedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Schedule:  %s (UTC)\n", task.Schedule)
	fmt.Fprintf(out, "Query:     %s\n", task.SearchQuery)
	fmt.Fprintf(out, "Condition: %s\n", task.ConditionDescription)
	fmt.Fprintf(out, "Behavior:  %s\n", task.NotifyBehavior)

	if len(task.NotificationChannels) == 0 {
		fmt.Fprintln(out, "Channels:  (none)")
	} else {
		fmt.Fprintln(out, "Channels:")
		for _, ch := range task.NotificationChannels {
			switch ch.Type {
			case notify.ChannelWebhook:
				method := ch.Method
				if method == "" {
					method = "POST"
				}
				fmt.Fprintf(out, "  - webhook %s %s\n", method, ch.URL)
			case notify.ChannelEmail:
				fmt.Fprintf(out, "  - email %s\n", ch.Address)
			default:
				fmt.Fprintf(out, "  - %s %s\n", ch.Type, ch.Recipient())
			}
		}
	}

	if task.LastExecutionID != "" {
		fmt.Fprintf(out, "Last execution: %s\n", task.LastExecutionID)
	}
	if len(task.LastKnownState) > 0 {
		fmt.Fprintf(out, "Last evidence:  %s\n", truncate(string(task.LastKnownState), 200))
	}
	fmt.Fprintf(out, "Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:   %s\n", task.UpdatedAt.Format(time.RFC3339))
	return nil
}

// runTasksTransition handles the pause and resume commands.
func runTasksTransition(cmd *cobra.Command, configPath string, args []string, target string) error {
	state, err := parseTaskState(target)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	task, err := svc.Transition(cmd.Context(), args[0], state)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s.\n", task.ID, task.State)
	return nil
}

// runTasksDelete handles the tasks delete command.
func runTasksDelete(cmd *cobra.Command, configPath, taskID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	if err := svc.DeleteTask(cmd.Context(), taskID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s. Execution history is retained.\n", taskID)
	return nil
}

// runnerFunc adapts a function to the tasks.Runner interface.
type runnerFunc func(taskID, executionID string) error

func (f runnerFunc) RunNow(taskID, executionID string) error {
	return f(taskID, executionID)
}

// runTasksRunNow handles the tasks run-now command. The firing executes
// inline in this process with the same pipeline the daemon uses, so the
// agent call, the execution record, and the notification dispatch all
// behave exactly like a scheduled firing.
func runTasksRunNow(cmd *cobra.Command, configPath, taskID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Agent.URL == "" {
		return fmt.Errorf("AGENT_URL is required to fire a task")
	}

	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	logger := slog.Default()
	machine := tasks.NewMachine(stores.tasks, stores.jobs, nil, logger)
	invoker := agent.NewClient(cfg.Agent.URL, cfg.Agent.APIKey,
		agent.WithTimeout(cfg.Agent.Timeout()),
		agent.WithLogger(logger),
	)

	var email notify.Sender
	if cfg.Email.Configured() {
		email = notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}, logger)
	}
	policy := backoff.DeliveryPolicy()
	if cfg.Webhook.InitialBackoffMillis > 0 {
		policy.InitialMs = float64(cfg.Webhook.InitialBackoffMillis)
	}
	dispatcher := notify.NewDispatcher(stores.deliveries,
		notify.NewWebhookSender(notify.WithWebhookLogger(logger)),
		email,
		notify.DispatcherConfig{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Policy:      policy,
			Logger:      logger,
		},
	)

	orch := scheduler.NewOrchestrator(stores.tasks, stores.jobs, machine, invoker, dispatcher,
		scheduler.OrchestratorConfig{Logger: logger})

	runner := runnerFunc(func(taskID, executionID string) error {
		return orch.Execute(cmd.Context(), scheduler.Firing{
			TaskID:      taskID,
			ExecutionID: executionID,
			Trigger:     scheduler.TriggerManual,
		})
	})

	svc := tasks.NewService(stores.tasks, stores.jobs, stores.deliveries, machine, runner,
		tasks.ServiceConfig{Logger: logger})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Firing task %s...\n", taskID)

	execID, err := svc.ExecuteNow(cmd.Context(), taskID)
	if err != nil {
		return err
	}

	// Give the delivery chains a bounded window; whatever is still
	// retrying persists and a running daemon resumes it.
	closeCtx, cancel := context.WithTimeout(context.Background(), deliveryDrain)
	defer cancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		fmt.Fprintln(out, "Some notification deliveries are still retrying; a running daemon resumes them.")
	}

	exec, err := svc.GetExecution(cmd.Context(), execID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Execution: %s\n", exec.ID)
	fmt.Fprintf(out, "Status:    %s\n", exec.Status)
	switch {
	case exec.Status == tasks.ExecutionFailed:
		fmt.Fprintf(out, "Error:     %s\n", exec.ErrorMessage)
	case exec.ConditionMet():
		fmt.Fprintf(out, "Condition met: %s\n", *exec.Notification)
		for _, src := range exec.GroundingSources {
			if src.Title != "" {
				fmt.Fprintf(out, "  - %s (%s)\n", src.Title, src.URI)
			} else {
				fmt.Fprintf(out, "  - %s\n", src.URI)
			}
		}
	default:
		fmt.Fprintln(out, "Condition not met.")
	}
	return nil
}

// runTasksExecutions handles the tasks executions command.
func runTasksExecutions(cmd *cobra.Command, configPath, taskID, status string, limit int) error {
	opts := tasks.ListExecutionsOptions{Limit: limit}
	if status != "" {
		parsed, err := parseExecutionStatus(status)
		if err != nil {
			return err
		}
		opts.Status = &parsed
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	execs, err := svc.ListExecutions(cmd.Context(), taskID, opts)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCONDITION\tSTARTED\tCOMPLETED\tERROR")
	for _, exec := range execs {
		condition := "-"
		if exec.Status == tasks.ExecutionSuccess {
			condition = "not met"
			if exec.ConditionMet() {
				condition = "met"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			exec.ID,
			exec.Status,
			condition,
			formatTimePtr(exec.StartedAt),
			formatTimePtr(exec.CompletedAt),
			truncate(exec.ErrorMessage, 48),
		)
	}
	return w.Flush()
}

// runTasksDeliveries handles the tasks deliveries command.
func runTasksDeliveries(cmd *cobra.Command, configPath, executionID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := newTaskService(stores, nil)
	deliveries, err := svc.ListDeliveries(cmd.Context(), executionID)
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No delivery attempts found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECIPIENT\tCHANNEL\tATTEMPT\tSTATUS\tHTTP\tNEXT RETRY\tERROR")
	for _, d := range deliveries {
		httpStatus := "-"
		if d.HTTPStatus != nil {
			httpStatus = fmt.Sprintf("%d", *d.HTTPStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			truncate(d.Recipient, 48),
			d.ChannelType,
			d.Attempt,
			d.Status,
			httpStatus,
			formatTimePtr(d.NextRetryAt),
			truncate(d.ErrorMessage, 48),
		)
	}
	return w.Flush()
}

// parseTaskState validates a state flag value.
func parseTaskState(s string) (tasks.TaskState, error) {
	switch tasks.TaskState(strings.ToLower(strings.TrimSpace(s))) {
	case tasks.StateActive:
		return tasks.StateActive, nil
	case tasks.StatePaused:
		return tasks.StatePaused, nil
	case tasks.StateCompleted:
		return tasks.StateCompleted, nil
	default:
		return "", fmt.Errorf("unknown state %q, want active, paused, or completed", s)
	}
}

// parseExecutionStatus validates a status flag value.
func parseExecutionStatus(s string) (tasks.ExecutionStatus, error) {
	switch tasks.ExecutionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case tasks.ExecutionPending:
		return tasks.ExecutionPending, nil
	case tasks.ExecutionRunning:
		return tasks.ExecutionRunning, nil
	case tasks.ExecutionSuccess:
		return tasks.ExecutionSuccess, nil
	case tasks.ExecutionFailed:
		return tasks.ExecutionFailed, nil
	default:
		return "", fmt.Errorf("unknown status %q, want pending, running, success, or failed", s)
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
