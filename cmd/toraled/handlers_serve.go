package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torale/torale/internal/config"
	"github.com/torale/torale/internal/daemon"
	"github.com/torale/torale/internal/observability"
)

// stopMargin is added to the shutdown grace so Stop can finish its own
// bookkeeping after the worker drain deadline passes.
const stopMargin = 5 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command: load configuration, assemble
// the engine, run until a shutdown signal, then stop within the grace
// period.
func runServe(ctx context.Context, configPath string, memory, migrate, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: debug,
	})
	slog.SetDefault(logger)

	logger.Info("starting toraled",
		"version", version,
		"commit", commit,
		"config", configPath,
		"in_memory", memory,
	)

	engine, err := daemon.New(daemon.Config{
		Config:   cfg,
		Logger:   logger,
		Version:  version,
		InMemory: memory,
		Migrate:  migrate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- engine.Start(ctx)
	}()

	var startErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping engine")
	case startErr = <-runErr:
		if startErr != nil {
			logger.Error("engine failed", "error", startErr)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(),
		cfg.Scheduler.ShutdownGrace()+stopMargin)
	defer stopCancel()

	if err := engine.Stop(stopCtx); err != nil {
		logger.Error("shutdown incomplete, interrupted work resumes on next start", "error", err)
		if startErr == nil {
			startErr = err
		}
	} else {
		logger.Info("toraled stopped")
	}
	return startErr
}

// =============================================================================
// Service Command Handlers
// =============================================================================

// runServiceInstall writes the user-level service definition running
// "toraled serve" with the current binary and environment, then starts
// it.
func runServiceInstall(cmd *cobra.Command, configPath string, memory, migrate bool) error {
	mgr, err := daemon.NewServiceManager()
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{exe, "serve"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		args = append(args, "--config", abs)
	}
	if memory {
		args = append(args, "--memory")
	}
	if migrate {
		args = append(args, "--migrate")
	}

	path, err := mgr.Install(daemon.InstallOptions{
		ProgramArguments: args,
		Environment:      capturedEnv(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service file written: %s\n", path)
	fmt.Fprintf(out, "toraled is installed as a %s service and running.\n", mgr.Label())
	fmt.Fprintln(out, "Check it with: toraled service status")
	return nil
}

// runServiceUninstall stops the service and removes its definition.
func runServiceUninstall(cmd *cobra.Command) error {
	mgr, err := daemon.NewServiceManager()
	if err != nil {
		return err
	}
	if err := mgr.Uninstall(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "toraled %s service removed.\n", mgr.Label())
	return nil
}

// runServiceStatus prints what the init system reports for the unit.
func runServiceStatus(cmd *cobra.Command) error {
	mgr, err := daemon.NewServiceManager()
	if err != nil {
		return err
	}
	status, err := mgr.Status()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Manager:   %s\n", mgr.Label())
	fmt.Fprintf(out, "Unit:      %s\n", status.Path)
	fmt.Fprintf(out, "Installed: %t\n", status.Installed)
	fmt.Fprintf(out, "Running:   %t\n", status.Running)
	if status.State != "" {
		fmt.Fprintf(out, "State:     %s\n", status.State)
	}
	if status.PID > 0 {
		fmt.Fprintf(out, "PID:       %d\n", status.PID)
	}
	if status.Detail != "" {
		fmt.Fprintf(out, "Detail:    %s\n", status.Detail)
	}
	return nil
}

// capturedEnv collects the recognized configuration variables that are
// set in the installing shell, so the service starts with the same
// configuration the operator tested with.
func capturedEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range config.RecognizedEnvVars {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			env[key] = v
		}
	}
	return env
}
