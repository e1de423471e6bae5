// commands.go contains the serve, service, and version command
// definitions. Command builders wire flags to their handlers; the
// handlers live in the handlers_*.go files.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the engine.
// This is the primary command for running Torale in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		memory     bool
		migrate    bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Torale task execution engine",
		Long: `Start the scheduler loop, worker pool, and notification dispatcher.

On startup the engine:
1. Loads configuration from the environment (plus the optional YAML file)
2. Connects to Postgres (or runs on in-memory stores with --memory)
3. Applies pending schema migrations when --migrate is set
4. Resumes notification delivery chains interrupted by the last shutdown
5. Recovers executions stranded by a crash, then begins claiming due jobs
6. Serves /metrics and /healthz on the admin listener

Graceful shutdown is handled on SIGINT/SIGTERM signals: the scheduler
stops claiming, in-flight firings get the shutdown grace period, and
interrupted work is reconciled on the next startup.`,
		Example: `  # Start against Postgres
  DATABASE_URL=postgres://torale@localhost/torale toraled serve

  # Start with a config file and apply migrations first
  toraled serve --config /etc/torale/torale.yaml --migrate

  # Local development without a database
  toraled serve --memory --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, memory, migrate, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (environment variables win)")
	cmd.Flags().BoolVar(&memory, "memory", false,
		"Run on in-memory stores; nothing survives a restart")
	cmd.Flags().BoolVar(&migrate, "migrate", false,
		"Apply pending schema migrations before starting")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Service Commands
// =============================================================================

// buildServiceCmd creates the "service" command group for managing the
// user-level unit that keeps toraled running across logins and reboots.
func buildServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the toraled user-level service",
	}
	cmd.AddCommand(
		buildServiceInstallCmd(),
		buildServiceUninstallCmd(),
		buildServiceStatusCmd(),
	)
	return cmd
}

func buildServiceInstallCmd() *cobra.Command {
	var (
		configPath string
		memory     bool
		migrate    bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start toraled as a user-level service",
		Long: `Write a systemd user unit (Linux) or LaunchAgent (macOS) that runs
"toraled serve" with the current binary, then enable and start it.

Recognized TORALE environment variables that are set when install runs
(DATABASE_URL, AGENT_URL, and the rest) are captured into the service
definition so the daemon starts with the same configuration.`,
		Example: `  # Install with the current environment
  DATABASE_URL=postgres://torale@localhost/torale AGENT_URL=... toraled service install

  # Install pointing at a config file instead
  toraled service install --config /etc/torale/torale.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceInstall(cmd, configPath, memory, migrate)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file the service starts with")
	cmd.Flags().BoolVar(&memory, "memory", false, "Service runs on in-memory stores")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Service applies migrations on startup")
	return cmd
}

func buildServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the toraled user-level service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceUninstall(cmd)
		},
	}
}

func buildServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the toraled service runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceStatus(cmd)
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

// buildVersionCmd creates the "version" command. The root command also
// answers --version; this form suits scripts that expect a subcommand.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "toraled %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
