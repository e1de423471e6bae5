package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxRedirects bounds how many redirect hops a webhook delivery follows.
const maxRedirects = 3

// Sender delivers one payload to one channel destination. A nil return
// means delivered; failures are *AttemptError classified permanent or
// transient.
type Sender interface {
	Send(ctx context.Context, channel Channel, payload *Payload) error
}

// WebhookSender delivers payloads over HTTP.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithWebhookHTTPClient sets a custom HTTP client. The caller owns the
// redirect policy of a custom client.
func WithWebhookHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		s.client = client
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(s *WebhookSender) {
		if logger != nil {
			s.logger = logger.With("component", "webhook")
		}
	}
}

// NewWebhookSender creates a webhook sender. Timeouts are governed by
// the caller's context; the default client only bounds redirect hops.
func NewWebhookSender(opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger: slog.Default().With("component", "webhook"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// webhookBody is the outbound wire shape. TriggeredAt is formatted
// explicitly so the timestamp is always second-resolution UTC with a Z
// suffix, independent of the payload's time representation.
type webhookBody struct {
	ExecutionID  string   `json:"execution_id"`
	TaskID       string   `json:"task_id"`
	TaskName     string   `json:"task_name"`
	TriggeredAt  string   `json:"triggered_at"`
	Notification string   `json:"notification"`
	Sources      []Source `json:"sources"`
	Confidence   *int     `json:"confidence"`
}

// Send posts the payload to the channel URL. 2xx within the context
// deadline is success; 5xx, 408, 429, and network errors are transient;
// any other non-2xx is permanent.
func (s *WebhookSender) Send(ctx context.Context, channel Channel, payload *Payload) error {
	sources := payload.Sources
	if sources == nil {
		sources = []Source{}
	}
	body, err := json.Marshal(webhookBody{
		ExecutionID:  payload.ExecutionID,
		TaskID:       payload.TaskID,
		TaskName:     payload.TaskName,
		TriggeredAt:  payload.TriggeredAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		Notification: payload.Notification,
		Sources:      sources,
		Confidence:   payload.Confidence,
	})
	if err != nil {
		return &AttemptError{Permanent: true, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	method := channel.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, channel.URL, bytes.NewReader(body))
	if err != nil {
		return &AttemptError{Permanent: true, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range channel.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &AttemptError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("webhook delivered",
			"execution_id", payload.ExecutionID,
			"url", channel.URL,
			"status", resp.StatusCode)
		return nil
	}

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if readErr != nil {
		respBody = []byte("(failed to read response body)")
	}
	attemptErr := &AttemptError{
		HTTPStatus: resp.StatusCode,
		Err:        fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody),
	}
	switch {
	case resp.StatusCode >= 500:
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
	default:
		attemptErr.Permanent = true
	}
	return attemptErr
}
