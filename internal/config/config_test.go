package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.Scheduler.Tick() != time.Second {
		t.Errorf("tick = %v, want 1s", cfg.Scheduler.Tick())
	}
	if cfg.Scheduler.WorkerPoolSize != 16 {
		t.Errorf("worker pool = %d, want 16", cfg.Scheduler.WorkerPoolSize)
	}
	if cfg.Scheduler.ShutdownGrace() != 15*time.Second {
		t.Errorf("shutdown grace = %v, want 15s", cfg.Scheduler.ShutdownGrace())
	}
	if cfg.Scheduler.RecoveryThreshold() != 5*time.Minute {
		t.Errorf("recovery threshold = %v, want 5m", cfg.Scheduler.RecoveryThreshold())
	}
	if cfg.Agent.Timeout() != 2*time.Minute {
		t.Errorf("agent timeout = %v, want 2m", cfg.Agent.Timeout())
	}
	if cfg.Webhook.MaxAttempts != 6 {
		t.Errorf("webhook attempts = %d, want 6", cfg.Webhook.MaxAttempts)
	}
	if cfg.Webhook.InitialBackoff() != time.Second {
		t.Errorf("webhook backoff = %v, want 1s", cfg.Webhook.InitialBackoff())
	}
	if cfg.Admin.MetricsAddr != ":9090" {
		t.Errorf("metrics addr = %q, want :9090", cfg.Admin.MetricsAddr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_TICK_MS", "250")
	t.Setenv("WORKER_POOL_SIZE", "4")
	t.Setenv("AGENT_URL", "https://agent.internal/v1/search")
	t.Setenv("AGENT_API_KEY", "sk-test")
	t.Setenv("AGENT_TIMEOUT_SECONDS", "30")
	t.Setenv("RECOVERY_THRESHOLD_SECONDS", "90")
	t.Setenv("DATABASE_URL", "postgres://torale@localhost/torale?sslmode=disable")
	t.Setenv("EMAIL_SMTP_HOST", "smtp.example.test")
	t.Setenv("EMAIL_SMTP_PORT", "2525")
	t.Setenv("EMAIL_SMTP_FROM", "Torale <alerts@example.test>")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "3")
	t.Setenv("WEBHOOK_INITIAL_BACKOFF_MS", "500")
	t.Setenv("TRACE_ENDPOINT", "otel-collector:4317")
	t.Setenv("TRACE_ENVIRONMENT", "staging")
	t.Setenv("TRACE_SAMPLING_RATE", "0.25")
	t.Setenv("TRACE_INSECURE", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.Scheduler.Tick() != 250*time.Millisecond {
		t.Errorf("tick = %v, want 250ms", cfg.Scheduler.Tick())
	}
	if cfg.Scheduler.WorkerPoolSize != 4 {
		t.Errorf("worker pool = %d, want 4", cfg.Scheduler.WorkerPoolSize)
	}
	if cfg.Agent.URL != "https://agent.internal/v1/search" {
		t.Errorf("agent url = %q", cfg.Agent.URL)
	}
	if cfg.Agent.Timeout() != 30*time.Second {
		t.Errorf("agent timeout = %v, want 30s", cfg.Agent.Timeout())
	}
	if cfg.Email.Addr() != "smtp.example.test:2525" {
		t.Errorf("smtp addr = %q", cfg.Email.Addr())
	}
	if !cfg.Email.Configured() {
		t.Error("email should count as configured with host and from set")
	}
	if cfg.Webhook.MaxAttempts != 3 || cfg.Webhook.InitialBackoff() != 500*time.Millisecond {
		t.Errorf("webhook = %d attempts / %v backoff, want 3 / 500ms",
			cfg.Webhook.MaxAttempts, cfg.Webhook.InitialBackoff())
	}
	if cfg.Tracing.Endpoint != "otel-collector:4317" || cfg.Tracing.Environment != "staging" {
		t.Errorf("tracing = %s/%s", cfg.Tracing.Endpoint, cfg.Tracing.Environment)
	}
	if cfg.Tracing.SamplingRate != 0.25 || !cfg.Tracing.Insecure {
		t.Errorf("tracing sampling = %g insecure = %t, want 0.25 true",
			cfg.Tracing.SamplingRate, cfg.Tracing.Insecure)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %s/%s, want debug/text", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestFromEnvEmptyMetricsAddrDisablesListener(t *testing.T) {
	t.Setenv("METRICS_ADDR", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Admin.MetricsAddr != "" {
		t.Errorf("metrics addr = %q, want empty to disable the listener", cfg.Admin.MetricsAddr)
	}
}

func TestFromEnvRejectsBadInteger(t *testing.T) {
	t.Setenv("SCHEDULER_TICK_MS", "soon")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error for non-integer tick")
	}
	if !strings.Contains(err.Error(), "SCHEDULER_TICK_MS") {
		t.Errorf("error = %v, want it to name SCHEDULER_TICK_MS", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  tick_ms: 250
  worker_pool_size: 2
agent:
  url: http://localhost:8181/search
  timeout_seconds: 10
database:
  url: postgres://torale@localhost/torale
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Tick() != 250*time.Millisecond {
		t.Errorf("tick = %v, want 250ms from file", cfg.Scheduler.Tick())
	}
	if cfg.Agent.URL != "http://localhost:8181/search" {
		t.Errorf("agent url = %q", cfg.Agent.URL)
	}
	if cfg.Webhook.MaxAttempts != 6 {
		t.Errorf("webhook attempts = %d, want default 6", cfg.Webhook.MaxAttempts)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  tick_ms: 250
`)
	t.Setenv("SCHEDULER_TICK_MS", "125")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Tick() != 125*time.Millisecond {
		t.Errorf("tick = %v, want the environment's 125ms", cfg.Scheduler.Tick())
	}
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	t.Setenv("TORALE_TEST_DB", "postgres://torale@db.internal/torale")
	path := writeConfig(t, `
database:
  url: ${TORALE_TEST_DB}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://torale@db.internal/torale" {
		t.Errorf("database url = %q, want the expanded value", cfg.Database.URL)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  tick_ms: 250
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "recovery threshold must exceed agent timeout",
			env:     map[string]string{"AGENT_TIMEOUT_SECONDS": "300", "RECOVERY_THRESHOLD_SECONDS": "300"},
			wantErr: "RECOVERY_THRESHOLD_SECONDS",
		},
		{
			name:    "agent url must be http",
			env:     map[string]string{"AGENT_URL": "ftp://agent.internal"},
			wantErr: "AGENT_URL",
		},
		{
			name:    "zero worker pool",
			env:     map[string]string{"WORKER_POOL_SIZE": "-1"},
			wantErr: "WORKER_POOL_SIZE",
		},
		{
			name:    "smtp port out of range",
			env:     map[string]string{"EMAIL_SMTP_PORT": "70000"},
			wantErr: "EMAIL_SMTP_PORT",
		},
		{
			name:    "from address must parse",
			env:     map[string]string{"EMAIL_SMTP_FROM": "not-an-address"},
			wantErr: "EMAIL_SMTP_FROM",
		},
		{
			name:    "sampling rate above one",
			env:     map[string]string{"TRACE_SAMPLING_RATE": "1.5"},
			wantErr: "TRACE_SAMPLING_RATE",
		},
		{
			name:    "unknown log format",
			env:     map[string]string{"LOG_FORMAT": "xml"},
			wantErr: "log format",
		},
		{
			name:    "unknown log level",
			env:     map[string]string{"LOG_LEVEL": "loud"},
			wantErr: "log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "torale.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
