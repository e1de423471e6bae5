package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDeliveryStore implements DeliveryStore on a Postgres database.
type PostgresDeliveryStore struct {
	db *sql.DB
}

// NewPostgresDeliveryStore wraps an existing database handle. The caller
// owns the handle's lifecycle.
func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

// Create records one delivery attempt.
func (s *PostgresDeliveryStore) Create(ctx context.Context, d *Delivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("delivery with id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (
			id, execution_id, channel_type, recipient, status,
			http_status, attempt, next_retry_at, error_message,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		d.ID,
		d.ExecutionID,
		string(d.ChannelType),
		d.Recipient,
		string(d.Status),
		nullableInt(d.HTTPStatus),
		d.Attempt,
		nullableTime(d.NextRetryAt),
		nullableString(d.ErrorMessage),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

// ListByExecution returns all attempts for an execution.
func (s *PostgresDeliveryStore) ListByExecution(ctx context.Context, executionID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, channel_type, recipient, status,
			   http_status, attempt, next_retry_at, error_message,
			   created_at, updated_at
		FROM notification_deliveries
		WHERE execution_id = $1
		ORDER BY recipient ASC, attempt ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

// Latest returns the newest attempt for one (execution, recipient) pair.
func (s *PostgresDeliveryStore) Latest(ctx context.Context, executionID, recipient string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, channel_type, recipient, status,
			   http_status, attempt, next_retry_at, error_message,
			   created_at, updated_at
		FROM notification_deliveries
		WHERE execution_id = $1 AND recipient = $2
		ORDER BY attempt DESC
		LIMIT 1
	`, executionID, recipient)

	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest delivery: %w", err)
	}
	return d, nil
}

// PendingRetries returns chains whose newest attempt is retrying.
func (s *PostgresDeliveryStore) PendingRetries(ctx context.Context) ([]*Delivery, error) {
	// A chain is pending when its highest-attempt row is still retrying;
	// a later success or terminal failure always has a higher attempt.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, channel_type, recipient, status,
			   http_status, attempt, next_retry_at, error_message,
			   created_at, updated_at
		FROM (
			SELECT DISTINCT ON (execution_id, recipient)
				   id, execution_id, channel_type, recipient, status,
				   http_status, attempt, next_retry_at, error_message,
				   created_at, updated_at
			FROM notification_deliveries
			ORDER BY execution_id, recipient, attempt DESC
		) latest
		WHERE status = $1
		ORDER BY next_retry_at ASC
	`, string(DeliveryRetrying))
	if err != nil {
		return nil, fmt.Errorf("pending retries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending retries: %w", err)
	}
	return deliveries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	var d Delivery
	var (
		channelType string
		status      string
		httpStatus  sql.NullInt64
		nextRetryAt sql.NullTime
		errorMsg    sql.NullString
	)

	err := s.Scan(
		&d.ID,
		&d.ExecutionID,
		&channelType,
		&d.Recipient,
		&status,
		&httpStatus,
		&d.Attempt,
		&nextRetryAt,
		&errorMsg,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.ChannelType = ChannelType(channelType)
	d.Status = DeliveryStatus(status)

	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		d.HTTPStatus = &code
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time.UTC()
		d.NextRetryAt = &t
	}
	if errorMsg.Valid {
		d.ErrorMessage = errorMsg.String
	}

	return &d, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
