package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Tasks Commands
// =============================================================================

// buildTasksCmd creates the "tasks" command group. These commands
// operate directly against the database through the same service layer
// the engine uses; a running daemon picks the changes up on its next
// tick.
func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage monitoring tasks",
	}
	cmd.AddCommand(
		buildTasksCreateCmd(),
		buildTasksListCmd(),
		buildTasksShowCmd(),
		buildTasksPauseCmd(),
		buildTasksResumeCmd(),
		buildTasksDeleteCmd(),
		buildTasksRunNowCmd(),
		buildTasksExecutionsCmd(),
		buildTasksDeliveriesCmd(),
	)
	return cmd
}

func buildTasksCreateCmd() *cobra.Command {
	var (
		configPath     string
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
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a monitoring task",
		Long: `Create a task and register its scheduled job.

The task starts active and fires at the next instant its cron schedule
names. --notify-email and --notify-webhook may repeat; --webhook-method
and --webhook-header apply to every webhook channel.`,
		Example: `  toraled tasks create \
    --user 6a1f... --name "ps6 release" \
    --query "PlayStation 6 release date" \
    --condition "Sony announces an official release date" \
    --schedule "0 9 * * *" \
    --behavior once \
    --notify-webhook https://example.com/hook \
    --webhook-header "X-Auth: secret"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksCreate(cmd, configPath, taskCreateArgs{
				userID:         userID,
				name:           name,
				query:          query,
				condition:      condition,
				schedule:       schedule,
				behavior:       behavior,
				emails:         emails,
				webhooks:       webhooks,
				webhookMethod:  webhookMethod,
				webhookHeaders: webhookHeaders,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "Owner user ID")
	cmd.Flags().StringVar(&name, "name", "", "Task name")
	cmd.Flags().StringVar(&query, "query", "", "Natural-language search query")
	cmd.Flags().StringVar(&condition, "condition", "", "Natural-language condition description")
	cmd.Flags().StringVar(&schedule, "schedule", "", "5-field cron expression, UTC")
	cmd.Flags().StringVar(&behavior, "behavior", "once", "Notify behavior: once or always")
	cmd.Flags().StringArrayVar(&emails, "notify-email", nil, "Email recipient (repeatable)")
	cmd.Flags().StringArrayVar(&webhooks, "notify-webhook", nil, "Webhook URL (repeatable)")
	cmd.Flags().StringVar(&webhookMethod, "webhook-method", "", "Webhook HTTP method, POST or PUT")
	cmd.Flags().StringArrayVar(&webhookHeaders, "webhook-header", nil, `Webhook header as "Name: value" (repeatable)`)

	return cmd
}

func buildTasksListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		state      string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, configPath, userID, state, limit, offset)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by owner user ID")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state: active, paused, or completed")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of tasks to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset for pagination")

	return cmd
}

func buildTasksShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func buildTasksPauseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause an active task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksTransition(cmd, configPath, args, "paused")
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func buildTasksResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused or completed task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksTransition(cmd, configPath, args, "active")
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func buildTasksDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Long: `Delete a task and its scheduled job.

Execution history is retained for audit. Deletion is rejected while a
firing is in flight.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksDelete(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func buildTasksRunNowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run-now <task-id>",
		Short: "Fire a task immediately",
		Long: `Execute one ad-hoc firing of the task in this process and wait for it.

The cron schedule is untouched: the next scheduled fire stays where it
was. The firing calls the agent, records the execution, and dispatches
notifications exactly as a scheduled firing would.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksRunNow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func buildTasksExecutionsCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "executions <task-id>",
		Short: "List a task's executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksExecutions(cmd, configPath, args[0], status, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, running, success, or failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "Max number of executions to return")

	return cmd
}

func buildTasksDeliveriesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deliveries <execution-id>",
		Short: "List an execution's notification delivery attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksDeliveries(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}
