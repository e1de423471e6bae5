package notify

import (
	"context"
)

// DeliveryStore persists the per-attempt delivery audit trail.
type DeliveryStore interface {
	// Create records one delivery attempt.
	Create(ctx context.Context, d *Delivery) error

	// ListByExecution returns all attempts for an execution,
	// ordered by recipient then attempt.
	ListByExecution(ctx context.Context, executionID string) ([]*Delivery, error)

	// Latest returns the newest attempt for one (execution, recipient)
	// pair, or nil if the pair has never been attempted.
	Latest(ctx context.Context, executionID, recipient string) (*Delivery, error)

	// PendingRetries returns the chains whose newest attempt is retrying,
	// one Delivery per chain. Used to resume delivery after a restart.
	PendingRetries(ctx context.Context) ([]*Delivery, error)
}
