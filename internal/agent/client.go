// Package agent is the client for the external grounded-search agent
// service. The agent is a black box behind a single JSON-over-HTTP
// endpoint; this package owns the request shape, the strict response
// envelope, and the failure taxonomy the execution pipeline records.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds one invocation end to end.
	DefaultTimeout = 120 * time.Second

	// maxResponseBytes caps how much of the agent's response is read.
	maxResponseBytes = 1 << 20
)

// Kind discriminates executor variants. Only grounded search exists
// today; the orchestrator switches on the kind so adding a variant is a
// new case, not a new abstraction.
type Kind string

// KindGroundedSearch executes a task by web search through the agent.
const KindGroundedSearch Kind = "grounded_search"

// Request is the payload sent to the agent for one task firing.
type Request struct {
	// TaskID identifies the firing task.
	TaskID string `json:"task_id"`

	// UserID identifies the task owner.
	UserID string `json:"user_id"`

	// SearchQuery is the natural-language query to run.
	SearchQuery string `json:"search_query"`

	// ConditionDescription is the natural-language condition to evaluate.
	ConditionDescription string `json:"condition_description"`

	// PreviousEvidence is the task's last recorded evidence, null on the
	// first run. Opaque to the engine.
	PreviousEvidence json.RawMessage `json:"previous_evidence"`

	// LastExecutionAt is when the previous run started, null on the
	// first run.
	LastExecutionAt *time.Time `json:"last_execution_at"`
}

// Envelope is the validated agent response. Its JSON form matches the
// wire envelope, so a marshaled Envelope is a faithful audit record.
type Envelope struct {
	// Evidence is the agent's reasoning text, kept for audit and passed
	// back on the next run.
	Evidence string `json:"evidence"`

	// Sources are the grounding URIs cited by the agent. Never nil.
	Sources []string `json:"sources"`

	// Confidence is advisory metadata in [0, 100].
	Confidence int `json:"confidence"`

	// NextRun is the agent-recommended next execution instant, nil when
	// the agent defers to the cron schedule.
	NextRun *time.Time `json:"next_run"`

	// Notification is the user-facing message. Non-nil means the
	// condition is met; nil means it is not.
	Notification *string `json:"notification"`
}

// ConditionMet reports whether the agent judged the condition met.
func (e *Envelope) ConditionMet() bool {
	return e.Notification != nil
}

// Invoker is the surface the execution pipeline depends on.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Envelope, error)
}

// Client invokes the agent service over HTTP.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "agent")
		}
	}
}

// NewClient creates a client for the agent service at url. The API key
// may be empty for unauthenticated deployments.
func NewClient(url, apiKey string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		apiKey:  apiKey,
		timeout: DefaultTimeout,
		http:    &http.Client{},
		logger:  slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke sends one request and returns the validated envelope. Failures
// carry an *Error classifying them as timeout, transport, or rejected.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Reason: FailureTimeout, Cause: err}
		}
		return nil, &Error{Reason: FailureTransport, Cause: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("agent responded",
		"task_id", req.TaskID,
		"status", resp.StatusCode,
		"elapsed", time.Since(start))

	if resp.StatusCode >= 500 {
		return nil, &Error{
			Reason: FailureTransport,
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("agent returned %d: %s", resp.StatusCode, snippet(resp.Body)),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Reason: FailureRejected,
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("agent returned %d: %s", resp.StatusCode, snippet(resp.Body)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Reason: FailureTimeout, Cause: err}
		}
		return nil, &Error{Reason: FailureTransport, Cause: fmt.Errorf("read agent response: %w", err)}
	}

	envelope, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// envelopeWire distinguishes absent fields from zero values.
type envelopeWire struct {
	Evidence     *string   `json:"evidence"`
	Sources      *[]string `json:"sources"`
	Confidence   *int      `json:"confidence"`
	NextRun      *string   `json:"next_run"`
	Notification *string   `json:"notification"`
}

// parseEnvelope decodes and validates the agent response. Every
// violation is reported; the offending field names ride on the error.
func parseEnvelope(raw []byte) (*Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, &Error{Reason: FailureRejected, Fields: []string{typeErr.Field}, Cause: err}
		}
		return nil, &Error{Reason: FailureRejected, Cause: fmt.Errorf("decode envelope: %w", err)}
	}

	var bad []string
	if wire.Evidence == nil {
		bad = append(bad, "evidence")
	}
	if wire.Sources == nil {
		bad = append(bad, "sources")
	}
	if wire.Confidence == nil || *wire.Confidence < 0 || *wire.Confidence > 100 {
		bad = append(bad, "confidence")
	}

	var nextRun *time.Time
	if wire.NextRun != nil {
		t, err := time.Parse(time.RFC3339, *wire.NextRun)
		if err != nil {
			bad = append(bad, "next_run")
		} else {
			utc := t.UTC()
			nextRun = &utc
		}
	}

	if len(bad) > 0 {
		return nil, &Error{
			Reason: FailureRejected,
			Fields: bad,
			Cause:  errors.New("envelope validation failed"),
		}
	}

	return &Envelope{
		Evidence:     *wire.Evidence,
		Sources:      *wire.Sources,
		Confidence:   *wire.Confidence,
		NextRun:      nextRun,
		Notification: wire.Notification,
	}, nil
}

func snippet(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return ""
	}
	return string(b)
}
