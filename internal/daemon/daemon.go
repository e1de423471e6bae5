// Package daemon assembles the Torale engine for the serve command:
// stores, state machine, agent client, dispatcher, scheduler, and the
// admin listener, with ordered startup and shutdown. The composition
// rules live here so the CLI handler stays a thin adapter.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/torale/torale/internal/agent"
	"github.com/torale/torale/internal/backoff"
	"github.com/torale/torale/internal/config"
	"github.com/torale/torale/internal/jobs"
	"github.com/torale/torale/internal/migrate"
	"github.com/torale/torale/internal/notify"
	"github.com/torale/torale/internal/observability"
	"github.com/torale/torale/internal/scheduler"
	"github.com/torale/torale/internal/tasks"
)

const (
	// connectAttempts bounds the startup wait for the database.
	connectAttempts = 5

	// pingTimeout bounds one connectivity probe.
	pingTimeout = 5 * time.Second
)

// Config configures a Daemon.
type Config struct {
	Config *config.Config
	Logger *slog.Logger

	// Version is the build version reported in traces.
	Version string

	// InMemory runs the engine on in-process stores. Nothing survives a
	// restart; intended for local development.
	InMemory bool

	// Migrate applies pending schema migrations before the loop starts.
	Migrate bool
}

// Daemon owns every long-lived component of a running engine.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	tracerStop func(context.Context) error

	// db is nil when running on memory stores.
	db         *sql.DB
	tasks      tasks.Store
	jobs       jobs.Store
	deliveries notify.DeliveryStore

	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler
	service    *tasks.Service

	// admin is nil when the metrics address is empty.
	admin   *http.Server
	migrate bool
}

// New wires the engine together. It opens the database handle but does
// not connect; Start probes connectivity so startup can wait for the
// database to come up.
func New(cfg Config) (*Daemon, error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config.Agent.URL == "" {
		return nil, errors.New("AGENT_URL is required")
	}

	metrics := observability.NewMetrics()
	tracer, tracerStop := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: cfg.Version,
		Environment:    cfg.Config.Tracing.Environment,
		Endpoint:       cfg.Config.Tracing.Endpoint,
		SamplingRate:   cfg.Config.Tracing.SamplingRate,
		EnableInsecure: cfg.Config.Tracing.Insecure,
	})

	d := &Daemon{
		cfg:        cfg.Config,
		logger:     logger,
		metrics:    metrics,
		tracerStop: tracerStop,
		migrate:    cfg.Migrate,
	}

	if cfg.InMemory {
		d.tasks = tasks.NewMemoryStore()
		d.jobs = jobs.NewMemoryStore()
		d.deliveries = notify.NewMemoryDeliveryStore()
		logger.Warn("running on in-memory stores, state will not survive a restart")
	} else {
		if cfg.Config.Database.URL == "" {
			return nil, errors.New("DATABASE_URL is required (or run with --memory)")
		}
		db, err := sql.Open("postgres", cfg.Config.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Config.Database.MaxConns)
		db.SetMaxIdleConns(cfg.Config.Database.MaxConns)
		db.SetConnMaxLifetime(cfg.Config.Database.ConnMaxLifetime())
		d.db = db
		d.tasks = tasks.NewPostgresStore(db)
		d.jobs = jobs.NewPostgresStore(db)
		d.deliveries = notify.NewPostgresDeliveryStore(db)
	}

	machine := tasks.NewMachine(d.tasks, d.jobs, nil, logger)

	invoker := agent.NewClient(cfg.Config.Agent.URL, cfg.Config.Agent.APIKey,
		agent.WithTimeout(cfg.Config.Agent.Timeout()),
		agent.WithLogger(logger),
	)

	d.dispatcher = notify.NewDispatcher(
		d.deliveries,
		notify.NewWebhookSender(notify.WithWebhookLogger(logger)),
		emailSender(cfg.Config.Email, logger),
		notify.DispatcherConfig{
			MaxAttempts: cfg.Config.Webhook.MaxAttempts,
			Policy:      deliveryPolicy(cfg.Config.Webhook),
			Logger:      logger,
		},
	)

	orchestrator := scheduler.NewOrchestrator(d.tasks, d.jobs, machine, invoker, d.dispatcher,
		scheduler.OrchestratorConfig{
			Logger:  logger,
			Metrics: metrics,
			Tracer:  tracer,
		})

	d.scheduler = scheduler.NewScheduler(d.jobs, d.tasks, orchestrator, scheduler.Config{
		TickInterval:      cfg.Config.Scheduler.Tick(),
		WorkerPoolSize:    cfg.Config.Scheduler.WorkerPoolSize,
		RecoveryThreshold: cfg.Config.Scheduler.RecoveryThreshold(),
		ShutdownGrace:     cfg.Config.Scheduler.ShutdownGrace(),
		Logger:            logger,
		Metrics:           metrics,
	})

	d.service = tasks.NewService(d.tasks, d.jobs, d.deliveries, machine, d.scheduler,
		tasks.ServiceConfig{Logger: logger})

	if addr := cfg.Config.Admin.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", d.handleHealthz)
		d.admin = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return d, nil
}

// Service exposes the operations facade, mainly for tests.
func (d *Daemon) Service() *tasks.Service {
	return d.service
}

// Start brings the engine up and blocks until ctx is cancelled or a
// component fails. Callers run it in a goroutine and invoke Stop when
// it returns.
func (d *Daemon) Start(ctx context.Context) error {
	if d.db != nil {
		if err := d.waitForDatabase(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		if d.migrate {
			if err := d.applyMigrations(ctx); err != nil {
				return err
			}
		}
	}

	resumed, err := d.dispatcher.Resume(ctx, ResumeDispatch(d.tasks))
	if err != nil {
		return fmt.Errorf("resume delivery chains: %w", err)
	}
	if resumed > 0 {
		d.logger.Info("interrupted delivery chains resumed", "count", resumed)
	}

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	adminErr := make(chan error, 1)
	if d.admin != nil {
		go func() {
			if err := d.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- fmt.Errorf("admin listener: %w", err)
			}
		}()
		d.logger.Info("admin listener started", "addr", d.admin.Addr)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-adminErr:
		return err
	}
}

// Stop shuts the engine down in dependency order: the scheduler stops
// claiming and drains its workers, the dispatcher finishes or parks its
// delivery chains, then the admin listener and stores close. Every step
// runs even when an earlier one fails.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error

	if err := d.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := d.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	if d.admin != nil {
		if err := d.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin listener: %w", err))
		}
	}
	if err := d.tracerStop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errors.Join(errs...)
}

// waitForDatabase probes connectivity, backing off between attempts so
// serve can start while the database is still coming up.
func (d *Daemon) waitForDatabase(ctx context.Context) error {
	return backoff.RetrySimple(ctx, backoff.ConnectPolicy(), connectAttempts, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := d.db.PingContext(pingCtx); err != nil {
			d.logger.Warn("waiting for database", "error", err)
			return err
		}
		return nil
	})
}

func (d *Daemon) applyMigrations(ctx context.Context) error {
	migrator, err := migrate.New(d.db)
	if err != nil {
		return fmt.Errorf("initialize migrator: %w", err)
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, id := range applied {
		d.logger.Info("applied migration", "id", id)
	}
	return nil
}

// handleHealthz reports liveness. With a database attached it doubles
// as a readiness probe by pinging it.
func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if d.db != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.db.PingContext(pingCtx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// ResumeDispatch rebuilds dispatch requests for interrupted delivery
// chains from the execution record and its task. A missing task or a
// record without a notification yields a request with no channels, so
// the dispatcher closes the chains as orphaned instead of retrying a
// notification nobody configured.
func ResumeDispatch(store tasks.Store) notify.ResumeFunc {
	return func(ctx context.Context, executionID string) (*notify.DispatchRequest, error) {
		exec, err := store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("load execution: %w", err)
		}
		if exec == nil {
			return nil, fmt.Errorf("execution %s not found", executionID)
		}

		req := &notify.DispatchRequest{
			ExecutionID: exec.ID,
			TaskID:      exec.TaskID,
			TriggeredAt: exec.CreatedAt,
			Sources:     exec.GroundingSources,
		}
		if exec.CompletedAt != nil {
			req.TriggeredAt = *exec.CompletedAt
		}
		if exec.Notification == nil {
			return req, nil
		}
		req.Notification = *exec.Notification

		// The stored result is the raw agent envelope; recover the
		// advisory confidence from it when it parses.
		if len(exec.Result) > 0 {
			var envelope agent.Envelope
			if err := json.Unmarshal(exec.Result, &envelope); err == nil {
				req.Confidence = &envelope.Confidence
			}
		}

		task, err := store.GetTask(ctx, exec.TaskID)
		if err != nil {
			return nil, fmt.Errorf("load task: %w", err)
		}
		if task == nil {
			return req, nil
		}
		req.TaskName = task.Name
		req.Channels = task.NotificationChannels
		return req, nil
	}
}

// emailSender builds the SMTP sender, nil when no relay is configured.
// The dispatcher logs and skips email channels that have no sender.
func emailSender(cfg config.EmailConfig, logger *slog.Logger) notify.Sender {
	if !cfg.Configured() {
		logger.Warn("no SMTP relay configured, email channels will not deliver")
		return nil
	}
	return notify.NewEmailSender(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}, logger)
}

// deliveryPolicy derives the retry policy from the webhook settings,
// keeping the standard curve for everything the config does not name.
func deliveryPolicy(cfg config.WebhookConfig) backoff.BackoffPolicy {
	policy := backoff.DeliveryPolicy()
	if cfg.InitialBackoffMillis > 0 {
		policy.InitialMs = float64(cfg.InitialBackoffMillis)
	}
	return policy
}
