// Package notify delivers condition-met notifications through the
// channels configured on a task, supporting:
//   - Email and webhook channels with per-channel delivery semantics
//   - At-least-once delivery with exponential backoff retries
//   - A per-attempt audit trail in the delivery store
//   - Resumable retry chains across process restarts
package notify

import (
	"fmt"
	"net/mail"
	"net/url"
	"time"
)

// ChannelType identifies a delivery channel.
type ChannelType string

const (
	// ChannelEmail delivers via SMTP.
	ChannelEmail ChannelType = "email"

	// ChannelWebhook delivers via an HTTP request to a user-supplied URL.
	ChannelWebhook ChannelType = "webhook"
)

// ErrInvalidChannel indicates a channel descriptor that fails validation.
var ErrInvalidChannel = fmt.Errorf("invalid notification channel")

// Channel describes one configured notification destination.
type Channel struct {
	// Type selects the delivery mechanism.
	Type ChannelType `json:"type"`

	// Address is the recipient email address (email channels).
	Address string `json:"address,omitempty"`

	// URL is the webhook endpoint (webhook channels).
	URL string `json:"url,omitempty"`

	// Method is the webhook HTTP method, POST or PUT. Defaults to POST.
	Method string `json:"method,omitempty"`

	// Headers are merged into the webhook request.
	Headers map[string]string `json:"headers,omitempty"`
}

// Recipient returns the stable identifier deliveries are keyed on:
// the email address or the webhook URL.
func (c Channel) Recipient() string {
	switch c.Type {
	case ChannelEmail:
		return c.Address
	case ChannelWebhook:
		return c.URL
	default:
		return ""
	}
}

// Validate checks the descriptor against its channel type.
func (c Channel) Validate() error {
	switch c.Type {
	case ChannelEmail:
		if c.Address == "" {
			return fmt.Errorf("%w: email address is required", ErrInvalidChannel)
		}
		if _, err := mail.ParseAddress(c.Address); err != nil {
			return fmt.Errorf("%w: email address %q: %v", ErrInvalidChannel, c.Address, err)
		}
	case ChannelWebhook:
		if c.URL == "" {
			return fmt.Errorf("%w: webhook url is required", ErrInvalidChannel)
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("%w: webhook url %q: %v", ErrInvalidChannel, c.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: webhook url %q: scheme must be http or https", ErrInvalidChannel, c.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: webhook url %q: host is required", ErrInvalidChannel, c.URL)
		}
		switch c.Method {
		case "", "POST", "PUT":
		default:
			return fmt.Errorf("%w: webhook method %q: must be POST or PUT", ErrInvalidChannel, c.Method)
		}
	default:
		return fmt.Errorf("%w: unknown channel type %q", ErrInvalidChannel, c.Type)
	}
	return nil
}

// Source is one grounding reference attached to a notification.
type Source struct {
	// URI locates the grounding document.
	URI string `json:"uri"`

	// Title is the human-readable title, empty when unknown.
	Title string `json:"title"`
}

// DeliveryStatus represents the state of one delivery attempt.
type DeliveryStatus string

const (
	// DeliverySuccess indicates the attempt was delivered. Terminal.
	DeliverySuccess DeliveryStatus = "success"

	// DeliveryFailed indicates a permanent failure or exhausted retries. Terminal.
	DeliveryFailed DeliveryStatus = "failed"

	// DeliveryRetrying indicates a transient failure with a retry pending.
	DeliveryRetrying DeliveryStatus = "retrying"
)

// Delivery records one delivery attempt for one (execution, recipient) pair.
// Attempts within a pair form a chain with strictly increasing Attempt.
type Delivery struct {
	// ID is the unique identifier for this attempt.
	ID string `json:"id"`

	// ExecutionID references the task execution that produced the notification.
	ExecutionID string `json:"execution_id"`

	// ChannelType is the channel this attempt used.
	ChannelType ChannelType `json:"channel_type"`

	// Recipient is the email address or webhook URL.
	Recipient string `json:"recipient"`

	// Status is the outcome of this attempt.
	Status DeliveryStatus `json:"status"`

	// HTTPStatus is the response code for webhook attempts.
	HTTPStatus *int `json:"http_status,omitempty"`

	// Attempt is the 1-based position in the retry chain.
	Attempt int `json:"attempt"`

	// NextRetryAt is when the next attempt is due, set only for retrying.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// ErrorMessage describes the failure, empty on success.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the attempt was recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true once the chain for this attempt's pair is settled.
func (d *Delivery) IsTerminal() bool {
	return d.Status == DeliverySuccess || d.Status == DeliveryFailed
}
