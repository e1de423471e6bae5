package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDeliveryStore keeps delivery attempts in memory. It backs tests
// and the single-process development mode.
type MemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

// NewMemoryDeliveryStore returns an empty in-memory delivery store.
func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{deliveries: make(map[string]*Delivery)}
}

// Create records one delivery attempt.
func (s *MemoryDeliveryStore) Create(ctx context.Context, d *Delivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("delivery with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return fmt.Errorf("delivery already exists: %s", d.ID)
	}
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

// ListByExecution returns all attempts for an execution.
func (s *MemoryDeliveryStore) ListByExecution(ctx context.Context, executionID string) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Delivery
	for _, d := range s.deliveries {
		if d.ExecutionID == executionID {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Recipient != out[j].Recipient {
			return out[i].Recipient < out[j].Recipient
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

// Latest returns the newest attempt for one (execution, recipient) pair.
func (s *MemoryDeliveryStore) Latest(ctx context.Context, executionID, recipient string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Delivery
	for _, d := range s.deliveries {
		if d.ExecutionID != executionID || d.Recipient != recipient {
			continue
		}
		if latest == nil || d.Attempt > latest.Attempt {
			latest = d
		}
	}
	return cloneDelivery(latest), nil
}

// PendingRetries returns chains whose newest attempt is retrying.
func (s *MemoryDeliveryStore) PendingRetries(ctx context.Context) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type pair struct{ execution, recipient string }
	latest := make(map[pair]*Delivery)
	for _, d := range s.deliveries {
		key := pair{d.ExecutionID, d.Recipient}
		if cur, ok := latest[key]; !ok || d.Attempt > cur.Attempt {
			latest[key] = d
		}
	}

	var out []*Delivery
	for _, d := range latest {
		if d.Status == DeliveryRetrying {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].NextRetryAt, out[j].NextRetryAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})
	return out, nil
}

func cloneDelivery(d *Delivery) *Delivery {
	if d == nil {
		return nil
	}
	clone := *d
	if d.HTTPStatus != nil {
		code := *d.HTTPStatus
		clone.HTTPStatus = &code
	}
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		clone.NextRetryAt = &t
	}
	return &clone
}
