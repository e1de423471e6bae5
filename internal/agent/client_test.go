package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func validRequest() *Request {
	return &Request{
		TaskID:               "task-1",
		UserID:               "user-1",
		SearchQuery:          "game release date",
		ConditionDescription: "a date is announced",
	}
}

func TestInvoke(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"evidence": "found the announcement",
			"sources": ["https://example.test/article"],
			"confidence": 85,
			"next_run": "2026-03-02T09:30:00Z",
			"notification": "Release date confirmed: 2026-09-20"
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key")
	envelope, err := client.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want Bearer secret-key", gotAuth)
	}
	if gotBody["task_id"] != "task-1" || gotBody["search_query"] != "game release date" {
		t.Errorf("request body = %v", gotBody)
	}
	if _, ok := gotBody["previous_evidence"]; !ok {
		t.Error("request body missing previous_evidence")
	}

	if envelope.Evidence != "found the announcement" {
		t.Errorf("Evidence = %q", envelope.Evidence)
	}
	if len(envelope.Sources) != 1 || envelope.Sources[0] != "https://example.test/article" {
		t.Errorf("Sources = %v", envelope.Sources)
	}
	if envelope.Confidence != 85 {
		t.Errorf("Confidence = %d, want 85", envelope.Confidence)
	}
	wantNext := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if envelope.NextRun == nil || !envelope.NextRun.Equal(wantNext) {
		t.Errorf("NextRun = %v, want %v", envelope.NextRun, wantNext)
	}
	if !envelope.ConditionMet() || *envelope.Notification != "Release date confirmed: 2026-09-20" {
		t.Errorf("Notification = %v", envelope.Notification)
	}
}

func TestInvokeConditionNotMet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"evidence":"nothing new","sources":[],"confidence":30,"next_run":null,"notification":null}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	envelope, err := client.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if envelope.ConditionMet() {
		t.Error("ConditionMet() = true for null notification")
	}
	if envelope.NextRun != nil {
		t.Errorf("NextRun = %v, want nil", envelope.NextRun)
	}
	if envelope.Sources == nil || len(envelope.Sources) != 0 {
		t.Errorf("Sources = %#v, want empty slice", envelope.Sources)
	}
}

func TestInvokeEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantFields []string
	}{
		{
			name:       "missing evidence",
			body:       `{"sources":[],"confidence":50,"notification":null}`,
			wantFields: []string{"evidence"},
		},
		{
			name:       "missing sources",
			body:       `{"evidence":"x","confidence":50,"notification":null}`,
			wantFields: []string{"sources"},
		},
		{
			name:       "missing confidence",
			body:       `{"evidence":"x","sources":[],"notification":null}`,
			wantFields: []string{"confidence"},
		},
		{
			name:       "confidence out of range",
			body:       `{"evidence":"x","sources":[],"confidence":140,"notification":null}`,
			wantFields: []string{"confidence"},
		},
		{
			name:       "negative confidence",
			body:       `{"evidence":"x","sources":[],"confidence":-1,"notification":null}`,
			wantFields: []string{"confidence"},
		},
		{
			name:       "unparseable next_run",
			body:       `{"evidence":"x","sources":[],"confidence":50,"next_run":"tomorrow","notification":null}`,
			wantFields: []string{"next_run"},
		},
		{
			name:       "several fields at once",
			body:       `{"next_run":"tomorrow","notification":null}`,
			wantFields: []string{"evidence", "sources", "confidence", "next_run"},
		},
		{
			name:       "wrong type",
			body:       `{"evidence":42,"sources":[],"confidence":50,"notification":null}`,
			wantFields: []string{"evidence"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, "")
			_, err := client.Invoke(context.Background(), validRequest())

			var agentErr *Error
			if !errors.As(err, &agentErr) {
				t.Fatalf("Invoke() error = %v, want *Error", err)
			}
			if agentErr.Reason != FailureRejected {
				t.Errorf("Reason = %s, want %s", agentErr.Reason, FailureRejected)
			}
			for _, field := range tt.wantFields {
				if !strings.Contains(agentErr.Error(), field) {
					t.Errorf("error %q does not name field %q", agentErr.Error(), field)
				}
			}
		})
	}
}

func TestInvokeStatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantReason FailureReason
	}{
		{name: "server error is transport", status: http.StatusInternalServerError, wantReason: FailureTransport},
		{name: "bad gateway is transport", status: http.StatusBadGateway, wantReason: FailureTransport},
		{name: "bad request is rejected", status: http.StatusBadRequest, wantReason: FailureRejected},
		{name: "unauthorized is rejected", status: http.StatusUnauthorized, wantReason: FailureRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := NewClient(server.URL, "")
			_, err := client.Invoke(context.Background(), validRequest())

			var agentErr *Error
			if !errors.As(err, &agentErr) {
				t.Fatalf("Invoke() error = %v, want *Error", err)
			}
			if agentErr.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", agentErr.Reason, tt.wantReason)
			}
			if agentErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", agentErr.Status, tt.status)
			}
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "", WithTimeout(50*time.Millisecond))
	_, err := client.Invoke(context.Background(), validRequest())

	var agentErr *Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("Invoke() error = %v, want *Error", err)
	}
	if agentErr.Reason != FailureTimeout {
		t.Errorf("Reason = %s, want %s", agentErr.Reason, FailureTimeout)
	}
	if Classify(err) != FailureTimeout {
		t.Errorf("Classify() = %s, want %s", Classify(err), FailureTimeout)
	}
}

func TestInvokeConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "")
	_, err := client.Invoke(context.Background(), validRequest())

	var agentErr *Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("Invoke() error = %v, want *Error", err)
	}
	if agentErr.Reason != FailureTransport {
		t.Errorf("Reason = %s, want %s", agentErr.Reason, FailureTransport)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{name: "nil", err: nil, want: ""},
		{name: "deadline", err: context.DeadlineExceeded, want: FailureTimeout},
		{name: "typed rejection", err: &Error{Reason: FailureRejected}, want: FailureRejected},
		{name: "wrapped typed error", err: &Error{Reason: FailureTransport, Cause: errors.New("refused")}, want: FailureTransport},
		{name: "unknown error", err: errors.New("boom"), want: FailureTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
