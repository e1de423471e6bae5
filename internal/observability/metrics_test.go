package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not trip duplicate registration.
	first := NewMetrics()
	second := NewMetrics()

	first.ClaimAttempted(true)
	if second.Registry() == first.Registry() {
		t.Fatal("expected each Metrics to own its registry")
	}
	if count := testutil.CollectAndCount(second.ClaimCounter); count != 0 {
		t.Errorf("second registry saw %d claim series, want 0", count)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.FiringCompleted("scheduled", "success", 1.5)
	m.ClaimAttempted(true)
	m.FiringEnqueued()
	m.FiringDequeued()
	m.QueueFull()
	m.RecordAgentCall("success", 2.0)
	m.ConditionMet()
	m.DeliveryAttempted("email")
	m.DeliveryFinished("webhook", "failed")
	m.Rescheduled("cron")
	m.ExecutionsRecovered(3)
	m.RecordError("agent", "agent_timeout")

	if m.Registry() != nil {
		t.Error("nil Metrics Registry() should be nil")
	}
	if m.Handler() == nil {
		t.Error("nil Metrics Handler() should still serve")
	}
}

func TestFiringCompleted(t *testing.T) {
	m := NewMetrics()

	m.FiringCompleted("scheduled", "success", 0.5)
	m.FiringCompleted("scheduled", "success", 1.5)
	m.FiringCompleted("manual", "failed", 0.1)

	expected := `
		# HELP torale_firings_total Total number of completed firings by trigger and status
		# TYPE torale_firings_total counter
		torale_firings_total{status="failed",trigger="manual"} 1
		torale_firings_total{status="success",trigger="scheduled"} 2
	`
	if err := testutil.CollectAndCompare(m.FiringCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.FiringDuration); count != 2 {
		t.Errorf("Expected 2 duration series, got %d", count)
	}
}

func TestClaimAttempted(t *testing.T) {
	m := NewMetrics()

	m.ClaimAttempted(true)
	m.ClaimAttempted(true)
	m.ClaimAttempted(false)

	expected := `
		# HELP torale_claims_total Total number of job claim attempts by result
		# TYPE torale_claims_total counter
		torale_claims_total{result="lost"} 1
		torale_claims_total{result="won"} 2
	`
	if err := testutil.CollectAndCompare(m.ClaimCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m := NewMetrics()

	m.FiringEnqueued()
	m.FiringEnqueued()
	m.FiringEnqueued()
	m.FiringDequeued()

	if got := testutil.ToFloat64(m.QueueDepth); got != 2 {
		t.Errorf("queue depth = %v, want 2", got)
	}

	m.QueueFull()
	m.QueueFull()
	if got := testutil.ToFloat64(m.QueueFullCounter); got != 2 {
		t.Errorf("queue full total = %v, want 2", got)
	}
}

func TestRecordAgentCall(t *testing.T) {
	m := NewMetrics()

	m.RecordAgentCall("success", 1.2)
	m.RecordAgentCall("agent_timeout", 120.0)
	m.RecordAgentCall("agent_transport", 0.2)

	expected := `
		# HELP torale_agent_requests_total Total number of agent calls by outcome
		# TYPE torale_agent_requests_total counter
		torale_agent_requests_total{status="agent_timeout"} 1
		torale_agent_requests_total{status="agent_transport"} 1
		torale_agent_requests_total{status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.AgentRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestDeliveryMetrics(t *testing.T) {
	m := NewMetrics()

	m.DeliveryAttempted("webhook")
	m.DeliveryAttempted("webhook")
	m.DeliveryAttempted("email")
	m.DeliveryFinished("webhook", "sent")
	m.DeliveryFinished("email", "failed")

	expected := `
		# HELP torale_deliveries_total Total number of terminal notification delivery outcomes by channel and status
		# TYPE torale_deliveries_total counter
		torale_deliveries_total{channel="email",status="failed"} 1
		torale_deliveries_total{channel="webhook",status="sent"} 1
	`
	if err := testutil.CollectAndCompare(m.DeliveryCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(m.DeliveryAttemptCounter.WithLabelValues("webhook")); got != 2 {
		t.Errorf("webhook attempts = %v, want 2", got)
	}
}

func TestRecoveredAndReschedules(t *testing.T) {
	m := NewMetrics()

	m.ExecutionsRecovered(0)
	m.ExecutionsRecovered(-1)
	m.ExecutionsRecovered(3)
	if got := testutil.ToFloat64(m.RecoveredExecutions); got != 3 {
		t.Errorf("recovered total = %v, want 3", got)
	}

	m.Rescheduled("cron")
	m.Rescheduled("agent")
	m.Rescheduled("cron")
	if got := testutil.ToFloat64(m.RescheduleCounter.WithLabelValues("cron")); got != 2 {
		t.Errorf("cron reschedules = %v, want 2", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ConditionMet()
	m.RecordError("scheduler", "claim_failed")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "torale_conditions_met_total") {
		t.Errorf("exposition missing torale_conditions_met_total:\n%s", text)
	}
	if !strings.Contains(text, "torale_errors_total") {
		t.Errorf("exposition missing torale_errors_total:\n%s", text)
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.ClaimAttempted(j%2 == 0)
				m.FiringEnqueued()
				m.FiringDequeued()
			}
		}()
	}
	wg.Wait()

	total := testutil.ToFloat64(m.ClaimCounter.WithLabelValues("won")) +
		testutil.ToFloat64(m.ClaimCounter.WithLabelValues("lost"))
	if total != 800 {
		t.Errorf("claim total = %v, want 800", total)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 0 {
		t.Errorf("queue depth = %v, want 0", got)
	}
}
