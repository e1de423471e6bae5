package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/torale/torale/internal/config"
	"github.com/torale/torale/internal/jobs"
	"github.com/torale/torale/internal/notify"
	"github.com/torale/torale/internal/tasks"
)

// dbPingTimeout bounds the connectivity probe for one-shot commands;
// unlike serve they fail fast instead of waiting for the database.
const dbPingTimeout = 5 * time.Second

// loadConfig builds the process configuration from the environment and
// the optional file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDB connects to Postgres for the one-shot commands.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return db, nil
}

// cliStores bundles the store handles the task commands operate on.
type cliStores struct {
	db         *sql.DB
	tasks      tasks.Store
	jobs       jobs.Store
	deliveries notify.DeliveryStore
}

func (s *cliStores) Close() error {
	return s.db.Close()
}

// openStores connects to the database and wraps it in the engine's
// store implementations.
func openStores(ctx context.Context, cfg *config.Config) (*cliStores, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &cliStores{
		db:         db,
		tasks:      tasks.NewPostgresStore(db),
		jobs:       jobs.NewPostgresStore(db),
		deliveries: notify.NewPostgresDeliveryStore(db),
	}, nil
}

// newTaskService assembles the operations facade over the stores.
// runner may be nil for commands that never fire tasks.
func newTaskService(s *cliStores, runner tasks.Runner) *tasks.Service {
	machine := tasks.NewMachine(s.tasks, s.jobs, nil, nil)
	return tasks.NewService(s.tasks, s.jobs, s.deliveries, machine, runner, tasks.ServiceConfig{})
}
