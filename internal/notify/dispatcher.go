package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torale/torale/internal/backoff"
	"github.com/torale/torale/internal/cron"
)

const (
	// DefaultMaxAttempts bounds one delivery chain.
	DefaultMaxAttempts = 6

	// DefaultAttemptTimeout bounds one delivery attempt.
	DefaultAttemptTimeout = 30 * time.Second

	// recordTimeout bounds the write of a single delivery row. Rows are
	// written on the dispatcher's own clock, possibly mid-shutdown.
	recordTimeout = 5 * time.Second

	// drainTimeout bounds how long Close waits for chains after
	// cancelling them.
	drainTimeout = 5 * time.Second
)

// ErrDispatcherClosed indicates a dispatch attempted after Close.
// Shutdown stops the scheduler before the dispatcher, so seeing this
// error means the caller broke that ordering.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// chainKey identifies one serial retry chain.
type chainKey struct {
	execution string
	recipient string
}

// DispatchRequest carries everything needed to notify all channels of
// one execution.
type DispatchRequest struct {
	ExecutionID  string
	TaskID       string
	TaskName     string
	TriggeredAt  time.Time
	Notification string
	Sources      []Source
	Confidence   *int
	Channels     []Channel
}

// Batch reports what a dispatch call enqueued. Chains already settled
// or already running are coalesced away.
type Batch struct {
	ExecutionID string
	Enqueued    []string
}

// ResumeFunc rebuilds the dispatch request for an execution whose
// delivery chains were interrupted by a restart.
type ResumeFunc func(ctx context.Context, executionID string) (*DispatchRequest, error)

// DispatcherConfig configures a Dispatcher. Zero values select
// defaults.
type DispatcherConfig struct {
	// MaxAttempts per chain. Default 6.
	MaxAttempts int

	// AttemptTimeout per delivery attempt. Default 30s.
	AttemptTimeout time.Duration

	// Policy shapes the retry backoff. Default backoff.DeliveryPolicy.
	Policy backoff.BackoffPolicy

	// Clock supplies time; tests inject a fake.
	Clock cron.Clock

	// Logger for dispatch events.
	Logger *slog.Logger
}

// Dispatcher fans one notification out to its channels with
// at-least-once semantics. Attempts within one (execution, recipient)
// chain are serial; chains run concurrently. Every attempt is recorded
// in the delivery store, so interrupted chains survive restarts.
type Dispatcher struct {
	store          DeliveryStore
	senders        map[ChannelType]Sender
	policy         backoff.BackoffPolicy
	maxAttempts    int
	attemptTimeout time.Duration
	clock          cron.Clock
	logger         *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[chainKey]bool
	closed bool
}

// NewDispatcher creates a dispatcher delivering through the given
// senders.
func NewDispatcher(store DeliveryStore, webhook, email Sender, config DispatcherConfig) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if config.Policy == (backoff.BackoffPolicy{}) {
		config.Policy = backoff.DeliveryPolicy()
	}
	if config.Clock == nil {
		config.Clock = cron.SystemClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store: store,
		senders: map[ChannelType]Sender{
			ChannelWebhook: webhook,
			ChannelEmail:   email,
		},
		policy:         config.Policy,
		maxAttempts:    config.MaxAttempts,
		attemptTimeout: config.AttemptTimeout,
		clock:          config.Clock,
		logger:         config.Logger.With("component", "dispatcher"),
		baseCtx:        ctx,
		cancel:         cancel,
		active:         make(map[chainKey]bool),
	}
}

// Dispatch enqueues one delivery chain per channel and returns
// immediately. A chain whose latest recorded attempt is terminal, or
// that is already running in-process, is not enqueued again.
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchRequest) (*Batch, error) {
	if req == nil || req.ExecutionID == "" {
		return nil, errors.New("dispatch request with execution id is required")
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDispatcherClosed
	}

	payload := payloadFrom(req)
	batch := &Batch{ExecutionID: req.ExecutionID}

	for _, ch := range req.Channels {
		recipient := ch.Recipient()
		if recipient == "" {
			d.logger.Warn("channel without recipient skipped",
				"execution_id", req.ExecutionID, "channel", ch.Type)
			continue
		}
		sender, ok := d.senders[ch.Type]
		if !ok || sender == nil {
			d.logger.Warn("no sender for channel",
				"execution_id", req.ExecutionID, "channel", ch.Type)
			continue
		}

		attempt := 1
		var delayUntil *time.Time
		latest, err := d.store.Latest(ctx, req.ExecutionID, recipient)
		switch {
		case err != nil:
			// Delivery beats deduplication: attempt the chain anyway.
			d.logger.Error("cannot read delivery chain, starting fresh",
				"execution_id", req.ExecutionID, "recipient", recipient, "error", err)
		case latest != nil && latest.IsTerminal():
			continue
		case latest != nil:
			attempt = latest.Attempt + 1
			delayUntil = latest.NextRetryAt
		}

		if d.startChain(chainKey{req.ExecutionID, recipient}, ch, sender, payload, attempt, delayUntil) {
			batch.Enqueued = append(batch.Enqueued, recipient)
		}
	}
	return batch, nil
}

// Resume restarts the chains whose newest attempt is still retrying,
// using load to rebuild each execution's dispatch request. It returns
// the number of chains restarted.
func (d *Dispatcher) Resume(ctx context.Context, load ResumeFunc) (int, error) {
	pending, err := d.store.PendingRetries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending retries: %w", err)
	}

	byExecution := make(map[string][]*Delivery)
	for _, row := range pending {
		byExecution[row.ExecutionID] = append(byExecution[row.ExecutionID], row)
	}

	resumed := 0
	for execID, rows := range byExecution {
		req, err := load(ctx, execID)
		if err != nil {
			d.logger.Error("cannot rebuild dispatch request",
				"execution_id", execID, "error", err)
			continue
		}

		channels := make(map[string]Channel, len(req.Channels))
		for _, ch := range req.Channels {
			channels[ch.Recipient()] = ch
		}
		payload := payloadFrom(req)

		for _, row := range rows {
			ch, ok := channels[row.Recipient]
			if !ok {
				d.closeOrphanChain(ctx, row)
				continue
			}
			sender, ok := d.senders[ch.Type]
			if !ok || sender == nil {
				continue
			}
			if d.startChain(chainKey{execID, row.Recipient}, ch, sender, payload, row.Attempt+1, row.NextRetryAt) {
				resumed++
			}
		}
	}

	if resumed > 0 {
		d.logger.Info("resumed delivery chains", "count", resumed)
	}
	return resumed, nil
}

// Close stops accepting dispatches and waits for running chains. If the
// context expires first, in-flight attempts are cancelled; their chains
// persist as retrying and resume on the next startup.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
	}

	d.cancel()
	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return errors.New("delivery chains did not stop")
	}
}

// startChain registers the chain and launches its goroutine. It returns
// false when the dispatcher is closed or the chain is already running.
func (d *Dispatcher) startChain(key chainKey, ch Channel, sender Sender, payload *Payload, attempt int, delayUntil *time.Time) bool {
	d.mu.Lock()
	if d.closed || d.active[key] {
		d.mu.Unlock()
		return false
	}
	d.active[key] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.active, key)
			d.mu.Unlock()
			d.wg.Done()
		}()
		d.runChain(key, ch, sender, payload, attempt, delayUntil)
	}()
	return true
}

func (d *Dispatcher) runChain(key chainKey, ch Channel, sender Sender, payload *Payload, attempt int, delayUntil *time.Time) {
	if delayUntil != nil {
		if wait := time.Until(*delayUntil); wait > 0 {
			if err := backoff.SleepWithContext(d.baseCtx, wait); err != nil {
				return
			}
		}
	}

	for {
		attemptCtx, cancel := context.WithTimeout(d.baseCtx, d.attemptTimeout)
		err := sender.Send(attemptCtx, ch, payload)
		cancel()

		now := d.clock.Now()
		row := &Delivery{
			ID:          uuid.NewString(),
			ExecutionID: key.execution,
			ChannelType: ch.Type,
			Recipient:   key.recipient,
			Attempt:     attempt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if err == nil {
			row.Status = DeliverySuccess
			d.record(row)
			d.logger.Info("notification delivered",
				"execution_id", key.execution,
				"recipient", key.recipient,
				"channel", ch.Type,
				"attempt", attempt)
			return
		}

		row.ErrorMessage = err.Error()
		var attemptErr *AttemptError
		if errors.As(err, &attemptErr) && attemptErr.HTTPStatus != 0 {
			status := attemptErr.HTTPStatus
			row.HTTPStatus = &status
		}

		switch {
		case d.baseCtx.Err() != nil:
			// Shutdown interrupted the attempt. Persist the chain as
			// retrying so the next startup picks it up immediately.
			next := now
			row.Status = DeliveryRetrying
			row.NextRetryAt = &next
			d.record(row)
			return

		case IsPermanent(err):
			row.Status = DeliveryFailed
			d.record(row)
			d.logger.Warn("notification permanently failed",
				"execution_id", key.execution,
				"recipient", key.recipient,
				"attempt", attempt,
				"error", err)
			return

		case attempt >= d.maxAttempts:
			row.Status = DeliveryFailed
			d.record(row)
			d.logger.Warn("notification retries exhausted",
				"execution_id", key.execution,
				"recipient", key.recipient,
				"attempts", attempt,
				"error", err)
			return

		default:
			delay := backoff.ComputeBackoff(d.policy, attempt)
			next := now.Add(delay)
			row.Status = DeliveryRetrying
			row.NextRetryAt = &next
			d.record(row)
			if err := backoff.SleepWithContext(d.baseCtx, delay); err != nil {
				return
			}
			attempt++
		}
	}
}

// closeOrphanChain terminates a resumable chain whose channel is no
// longer configured on the task.
func (d *Dispatcher) closeOrphanChain(ctx context.Context, last *Delivery) {
	now := d.clock.Now()
	row := &Delivery{
		ID:           uuid.NewString(),
		ExecutionID:  last.ExecutionID,
		ChannelType:  last.ChannelType,
		Recipient:    last.Recipient,
		Status:       DeliveryFailed,
		Attempt:      last.Attempt + 1,
		ErrorMessage: "channel no longer configured",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.Create(ctx, row); err != nil {
		d.logger.Error("failed to close orphan delivery chain",
			"execution_id", last.ExecutionID, "recipient", last.Recipient, "error", err)
		return
	}
	d.logger.Warn("delivery chain dropped, channel removed",
		"execution_id", last.ExecutionID, "recipient", last.Recipient)
}

func (d *Dispatcher) record(row *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := d.store.Create(ctx, row); err != nil {
		d.logger.Error("failed to record delivery attempt",
			"execution_id", row.ExecutionID,
			"recipient", row.Recipient,
			"attempt", row.Attempt,
			"error", err)
	}
}

func payloadFrom(req *DispatchRequest) *Payload {
	sources := req.Sources
	if sources == nil {
		sources = []Source{}
	}
	return &Payload{
		ExecutionID:  req.ExecutionID,
		TaskID:       req.TaskID,
		TaskName:     req.TaskName,
		TriggeredAt:  req.TriggeredAt.UTC(),
		Notification: req.Notification,
		Sources:      sources,
		Confidence:   req.Confidence,
	}
}
