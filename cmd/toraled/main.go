// Package main provides the CLI entry point for toraled, the Torale
// task execution engine.
//
// Torale watches the web for its users: a task pairs a natural-language
// search query with a condition and a cron schedule, and toraled
// periodically runs the query through a grounded-search agent, records
// the outcome, and notifies the configured channels when the condition
// is met.
//
// # Basic Usage
//
// Start the engine:
//
//	toraled serve
//
// Manage database migrations:
//
//	toraled migrate up
//	toraled migrate status
//
// Operate on tasks directly against the database:
//
//	toraled tasks create --user <uuid> --name "ps6 release" \
//	  --query "PlayStation 6 release date" \
//	  --condition "an official release date is announced" \
//	  --schedule "0 9 * * *" --notify-webhook https://example.com/hook
//	toraled tasks list
//
// # Environment Variables
//
// Configuration is environment-first; an optional YAML file fills in
// what the environment leaves unset:
//
//   - DATABASE_URL: Postgres connection string
//   - AGENT_URL, AGENT_API_KEY, AGENT_TIMEOUT_SECONDS: agent service
//   - SCHEDULER_TICK_MS, WORKER_POOL_SIZE: loop sizing
//   - SHUTDOWN_GRACE_SECONDS, RECOVERY_THRESHOLD_SECONDS: lifecycle
//   - EMAIL_SMTP_{HOST,PORT,USERNAME,PASSWORD,FROM}: email channel
//   - WEBHOOK_MAX_ATTEMPTS, WEBHOOK_INITIAL_BACKOFF_MS: delivery retry
//   - METRICS_ADDR: admin listener (empty disables)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging by default; serve replaces this with the
	// configured logger once the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toraled",
		Short: "Torale - scheduled web monitoring engine",
		Long: `Torale runs natural-language monitoring tasks on cron schedules.

Each task fires through a grounded-search agent, evaluates its condition
against accumulated context, and delivers notifications over email and
webhooks when the condition is met.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTasksCmd(),
		buildServiceCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
