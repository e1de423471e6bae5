package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides a centralized interface for collecting engine metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Firings through the scheduler pipeline and their outcomes
//   - Job claim contention between competing engine instances
//   - Queue back-pressure (depth and dropped claims)
//   - Agent call performance and failure classification
//   - Notification delivery outcomes per channel
//   - Recovery sweeps over stale executions
//
// All helper methods are nil-safe: components hold a *Metrics and may be
// wired with nil when metrics are disabled.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ClaimAttempted(true)
//	defer func() { metrics.FiringCompleted("scheduled", "success", time.Since(start).Seconds()) }()
type Metrics struct {
	registry *prometheus.Registry

	// FiringCounter counts completed firings.
	// Labels: trigger (scheduled|manual), status (success|failed)
	FiringCounter *prometheus.CounterVec

	// FiringDuration measures end-to-end firing latency in seconds,
	// from dequeue to result row written.
	// Labels: trigger (scheduled|manual)
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	FiringDuration *prometheus.HistogramVec

	// ClaimCounter counts claim attempts against the job store.
	// Labels: result (won|lost)
	ClaimCounter *prometheus.CounterVec

	// QueueDepth is a gauge tracking firings queued or running.
	QueueDepth prometheus.Gauge

	// QueueFullCounter counts due jobs skipped because the queue was full.
	QueueFullCounter prometheus.Counter

	// AgentRequestCounter counts agent calls by outcome.
	// Labels: status (success|agent_timeout|agent_transport|agent_rejected)
	AgentRequestCounter *prometheus.CounterVec

	// AgentRequestDuration measures agent call latency in seconds.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	AgentRequestDuration prometheus.Histogram

	// ConditionMetCounter counts executions whose condition was met.
	ConditionMetCounter prometheus.Counter

	// DeliveryCounter counts terminal notification delivery outcomes.
	// Labels: channel (email|webhook), status (sent|failed)
	DeliveryCounter *prometheus.CounterVec

	// DeliveryAttemptCounter counts individual delivery attempts,
	// including retries.
	// Labels: channel (email|webhook)
	DeliveryAttemptCounter *prometheus.CounterVec

	// RescheduleCounter counts post-firing reschedules by the source of
	// the next fire time.
	// Labels: source (cron|agent)
	RescheduleCounter *prometheus.CounterVec

	// RecoveredExecutions counts stale running executions swept to failed.
	RecoveredExecutions prometheus.Counter

	// ErrorCounter tracks errors by component and reason.
	// Labels: component (scheduler|orchestrator|agent|notify|store), reason
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all engine metrics on a private registry.
//
// Each Metrics value owns its own registry, so constructing a second
// instance (as tests do) never trips duplicate registration. Expose the
// metrics over HTTP with Handler.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		FiringCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_firings_total",
				Help: "Total number of completed firings by trigger and status",
			},
			[]string{"trigger", "status"},
		),

		FiringDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "torale_firing_duration_seconds",
				Help:    "Duration of firings from dequeue to recorded result in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"trigger"},
		),

		ClaimCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_claims_total",
				Help: "Total number of job claim attempts by result",
			},
			[]string{"result"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "torale_queue_depth",
				Help: "Current number of firings queued or running",
			},
		),

		QueueFullCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "torale_queue_full_total",
				Help: "Total number of due jobs skipped because the firing queue was full",
			},
		),

		AgentRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_agent_requests_total",
				Help: "Total number of agent calls by outcome",
			},
			[]string{"status"},
		),

		AgentRequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "torale_agent_request_duration_seconds",
				Help:    "Duration of agent calls in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ConditionMetCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "torale_conditions_met_total",
				Help: "Total number of executions whose condition was met",
			},
		),

		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_deliveries_total",
				Help: "Total number of terminal notification delivery outcomes by channel and status",
			},
			[]string{"channel", "status"},
		),

		DeliveryAttemptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_delivery_attempts_total",
				Help: "Total number of notification delivery attempts including retries",
			},
			[]string{"channel"},
		),

		RescheduleCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_reschedules_total",
				Help: "Total number of post-firing reschedules by next fire source",
			},
			[]string{"source"},
		),

		RecoveredExecutions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "torale_recovered_executions_total",
				Help: "Total number of stale running executions marked failed by recovery sweeps",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torale_errors_total",
				Help: "Total number of errors by component and reason",
			},
			[]string{"component", "reason"},
		),
	}
}

// Handler returns an HTTP handler serving this instance's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FiringCompleted records a finished firing and its duration.
//
// Example:
//
//	metrics.FiringCompleted("scheduled", "success", time.Since(start).Seconds())
func (m *Metrics) FiringCompleted(trigger, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FiringCounter.WithLabelValues(trigger, status).Inc()
	m.FiringDuration.WithLabelValues(trigger).Observe(durationSeconds)
}

// ClaimAttempted records the outcome of a job claim.
func (m *Metrics) ClaimAttempted(won bool) {
	if m == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.ClaimCounter.WithLabelValues(result).Inc()
}

// FiringEnqueued increments the queue depth gauge when a firing takes a
// queue slot.
func (m *Metrics) FiringEnqueued() {
	if m == nil {
		return
	}
	m.QueueDepth.Inc()
}

// FiringDequeued decrements the queue depth gauge when a firing releases
// its queue slot.
func (m *Metrics) FiringDequeued() {
	if m == nil {
		return
	}
	m.QueueDepth.Dec()
}

// QueueFull records a due job skipped because no queue slot was free.
func (m *Metrics) QueueFull() {
	if m == nil {
		return
	}
	m.QueueFullCounter.Inc()
}

// RecordAgentCall records an agent call outcome and duration.
//
// Example:
//
//	metrics.RecordAgentCall("agent_timeout", time.Since(start).Seconds())
func (m *Metrics) RecordAgentCall(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AgentRequestCounter.WithLabelValues(status).Inc()
	m.AgentRequestDuration.Observe(durationSeconds)
}

// ConditionMet records an execution whose condition was satisfied.
func (m *Metrics) ConditionMet() {
	if m == nil {
		return
	}
	m.ConditionMetCounter.Inc()
}

// DeliveryAttempted records a single delivery attempt on a channel.
func (m *Metrics) DeliveryAttempted(channel string) {
	if m == nil {
		return
	}
	m.DeliveryAttemptCounter.WithLabelValues(channel).Inc()
}

// DeliveryFinished records the terminal outcome of a delivery chain.
//
// Example:
//
//	metrics.DeliveryFinished("webhook", "failed")
func (m *Metrics) DeliveryFinished(channel, status string) {
	if m == nil {
		return
	}
	m.DeliveryCounter.WithLabelValues(channel, status).Inc()
}

// Rescheduled records which source supplied the next fire time after a
// firing.
func (m *Metrics) Rescheduled(source string) {
	if m == nil {
		return
	}
	m.RescheduleCounter.WithLabelValues(source).Inc()
}

// ExecutionsRecovered records executions swept from running to failed.
func (m *Metrics) ExecutionsRecovered(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.RecoveredExecutions.Add(float64(count))
}

// RecordError increments the error counter for a component and reason.
//
// Example:
//
//	metrics.RecordError("agent", "agent_transport")
func (m *Metrics) RecordError(component, reason string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, reason).Inc()
}
