// Package config builds the toraled process configuration. The
// environment is the contract: every option has an environment variable,
// an optional YAML file fills in what the environment leaves unset, and
// defaults cover the rest. A .env file in the working directory is
// loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a toraled process.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Database  DatabaseConfig  `yaml:"database"`
	Email     EmailConfig     `yaml:"email"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Admin     AdminConfig     `yaml:"admin"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SchedulerConfig sizes the tick loop and worker pool.
type SchedulerConfig struct {
	TickMillis               int `yaml:"tick_ms"`
	WorkerPoolSize           int `yaml:"worker_pool_size"`
	ShutdownGraceSeconds     int `yaml:"shutdown_grace_seconds"`
	RecoveryThresholdSeconds int `yaml:"recovery_threshold_seconds"`
}

// Tick is the due-job poll interval.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// ShutdownGrace is how long Stop waits for in-flight firings.
func (c SchedulerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// RecoveryThreshold is the age past which a running execution is
// considered stranded by the recovery sweep.
func (c SchedulerConfig) RecoveryThreshold() time.Duration {
	return time.Duration(c.RecoveryThresholdSeconds) * time.Second
}

// AgentConfig points at the grounded-search agent service.
type AgentConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout is the default per-call agent deadline.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig configures the Postgres pool. An empty URL means the
// process runs on in-memory stores.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxConns               int    `yaml:"max_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// ConnMaxLifetime bounds how long a pooled connection is reused.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// EmailConfig configures the SMTP submission transport.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Configured reports whether the email channel can send at all.
func (c EmailConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// Addr is the host:port the SMTP client dials.
func (c EmailConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebhookConfig tunes outbound webhook retries.
type WebhookConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	InitialBackoffMillis int `yaml:"initial_backoff_ms"`
}

// InitialBackoff is the delay before the second delivery attempt.
func (c WebhookConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMillis) * time.Millisecond
}

// AdminConfig configures the metrics/health listener. An empty
// MetricsAddr disables it.
type AdminConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// TracingConfig configures the OTLP trace exporter. An empty Endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FromEnv builds the configuration from the environment alone.
func FromEnv() (*Config, error) {
	return Load("")
}

// Load reads the optional YAML file at path, fills defaults, overlays
// environment variables on top, and validates the result. Environment
// always wins over the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if err := readFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.TickMillis == 0 {
		cfg.Scheduler.TickMillis = 1000
	}
	if cfg.Scheduler.WorkerPoolSize == 0 {
		cfg.Scheduler.WorkerPoolSize = 16
	}
	if cfg.Scheduler.ShutdownGraceSeconds == 0 {
		cfg.Scheduler.ShutdownGraceSeconds = 15
	}
	if cfg.Scheduler.RecoveryThresholdSeconds == 0 {
		cfg.Scheduler.RecoveryThresholdSeconds = 300
	}
	if cfg.Agent.TimeoutSeconds == 0 {
		cfg.Agent.TimeoutSeconds = 120
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 25
	}
	if cfg.Database.ConnMaxLifetimeSeconds == 0 {
		cfg.Database.ConnMaxLifetimeSeconds = 300
	}
	if cfg.Email.Port == 0 {
		cfg.Email.Port = 587
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 6
	}
	if cfg.Webhook.InitialBackoffMillis == 0 {
		cfg.Webhook.InitialBackoffMillis = 1000
	}
	if cfg.Admin.MetricsAddr == "" {
		cfg.Admin.MetricsAddr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// RecognizedEnvVars lists every environment variable the configuration
// reads, in the order applyEnv consumes them. Service installers use it
// to capture the invoking environment into the unit definition.
var RecognizedEnvVars = []string{
	"AGENT_URL",
	"AGENT_API_KEY",
	"AGENT_TIMEOUT_SECONDS",
	"DATABASE_URL",
	"DATABASE_MAX_CONNS",
	"SCHEDULER_TICK_MS",
	"WORKER_POOL_SIZE",
	"SHUTDOWN_GRACE_SECONDS",
	"RECOVERY_THRESHOLD_SECONDS",
	"EMAIL_SMTP_HOST",
	"EMAIL_SMTP_PORT",
	"EMAIL_SMTP_USERNAME",
	"EMAIL_SMTP_PASSWORD",
	"EMAIL_SMTP_FROM",
	"WEBHOOK_MAX_ATTEMPTS",
	"WEBHOOK_INITIAL_BACKOFF_MS",
	"METRICS_ADDR",
	"TRACE_ENDPOINT",
	"TRACE_ENVIRONMENT",
	"TRACE_SAMPLING_RATE",
	"TRACE_INSECURE",
	"LOG_LEVEL",
	"LOG_FORMAT",
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Agent.URL, "AGENT_URL")
	setString(&cfg.Agent.APIKey, "AGENT_API_KEY")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Email.Host, "EMAIL_SMTP_HOST")
	setString(&cfg.Email.Username, "EMAIL_SMTP_USERNAME")
	setString(&cfg.Email.Password, "EMAIL_SMTP_PASSWORD")
	setString(&cfg.Email.From, "EMAIL_SMTP_FROM")
	setString(&cfg.Admin.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.Tracing.Endpoint, "TRACE_ENDPOINT")
	setString(&cfg.Tracing.Environment, "TRACE_ENVIRONMENT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	if err := setFloat(&cfg.Tracing.SamplingRate, "TRACE_SAMPLING_RATE"); err != nil {
		return err
	}
	if err := setBool(&cfg.Tracing.Insecure, "TRACE_INSECURE"); err != nil {
		return err
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Scheduler.TickMillis, "SCHEDULER_TICK_MS"},
		{&cfg.Scheduler.WorkerPoolSize, "WORKER_POOL_SIZE"},
		{&cfg.Scheduler.ShutdownGraceSeconds, "SHUTDOWN_GRACE_SECONDS"},
		{&cfg.Scheduler.RecoveryThresholdSeconds, "RECOVERY_THRESHOLD_SECONDS"},
		{&cfg.Agent.TimeoutSeconds, "AGENT_TIMEOUT_SECONDS"},
		{&cfg.Database.MaxConns, "DATABASE_MAX_CONNS"},
		{&cfg.Email.Port, "EMAIL_SMTP_PORT"},
		{&cfg.Webhook.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS"},
		{&cfg.Webhook.InitialBackoffMillis, "WEBHOOK_INITIAL_BACKOFF_MS"},
	}
	for _, entry := range ints {
		if err := setInt(entry.dst, entry.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s must be a number, got %q", key, v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	*dst = b
	return nil
}

// Validate rejects combinations the daemon cannot run with. Options that
// are only required by some commands (AGENT_URL, DATABASE_URL) are
// checked by the command that needs them.
func (c *Config) Validate() error {
	if c.Scheduler.TickMillis <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_MS must be positive, got %d", c.Scheduler.TickMillis)
	}
	if c.Scheduler.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.Scheduler.WorkerPoolSize)
	}
	if c.Scheduler.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_SECONDS cannot be negative, got %d", c.Scheduler.ShutdownGraceSeconds)
	}
	if c.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT_SECONDS must be positive, got %d", c.Agent.TimeoutSeconds)
	}
	if c.Scheduler.RecoveryThreshold() <= c.Agent.Timeout() {
		return fmt.Errorf(
			"RECOVERY_THRESHOLD_SECONDS (%d) must exceed AGENT_TIMEOUT_SECONDS (%d), otherwise the sweep fails healthy in-flight executions",
			c.Scheduler.RecoveryThresholdSeconds, c.Agent.TimeoutSeconds)
	}
	if c.Agent.URL != "" {
		u, err := url.Parse(c.Agent.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("AGENT_URL must be an http(s) URL, got %q", c.Agent.URL)
		}
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be positive, got %d", c.Database.MaxConns)
	}
	if c.Email.Port < 1 || c.Email.Port > 65535 {
		return fmt.Errorf("EMAIL_SMTP_PORT must be a port number, got %d", c.Email.Port)
	}
	if c.Email.From != "" {
		if _, err := mail.ParseAddress(c.Email.From); err != nil {
			return fmt.Errorf("EMAIL_SMTP_FROM is not a valid address: %w", err)
		}
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Webhook.InitialBackoffMillis < 1 {
		return fmt.Errorf("WEBHOOK_INITIAL_BACKOFF_MS must be at least 1, got %d", c.Webhook.InitialBackoffMillis)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("TRACE_SAMPLING_RATE must be between 0 and 1, got %g", c.Tracing.SamplingRate)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
