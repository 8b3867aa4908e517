package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed publishes before an event is dead-lettered.
	MaxRetryCount = 5

	// OffersStream is the Redis stream offer capture events are relayed to.
	OffersStream = "stream:amazon_offers"
)

// OutboxEvent represents an event in the transactional outbox
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// Validate checks the fields every consumer relies on.
func (e *OutboxEvent) Validate() error {
	switch {
	case e.AggregateType == "":
		return errors.New("aggregate type is required")
	case e.AggregateID == "":
		return errors.New("aggregate id is required")
	case e.EventType == "":
		return errors.New("event type is required")
	case len(e.Payload) == 0:
		return errors.New("payload is required")
	case !json.Valid(e.Payload):
		return errors.New("payload is not valid JSON")
	}
	return nil
}

// OutboxStatus summarizes the outbox for health checks.
type OutboxStatus struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

// OutboxRepository handles outbox event persistence
type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx inserts an event into the outbox within a transaction
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid outbox event: %w", err)
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = OffersStream
	}

	now := time.Now()
	event.CreatedAt = now
	if event.NextRetryAt == nil {
		event.NextRetryAt = &now
	}

	query := `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			created_at, next_retry_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err := tx.Exec(ctx, query,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// GetPending retrieves pending and retryable events whose backoff has elapsed
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT
			id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status IN ($1, $2)
			AND next_retry_at <= $3
		ORDER BY created_at ASC
		LIMIT $4`

	rows, err := r.db.pool.Query(ctx, query,
		OutboxStatusPending, OutboxStatusFailed,
		time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		event := &OutboxEvent{}
		err := rows.Scan(
			&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType,
			&event.Payload, &event.TargetStream, &event.Status, &event.RetryCount,
			&event.ErrorMessage, &event.CreatedAt, &event.ProcessedAt, &event.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// MarkProcessed marks an event as successfully relayed
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_event
		SET status = $1, processed_at = $2
		WHERE id = $3`

	result, err := r.db.pool.Exec(ctx, query, OutboxStatusProcessed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}

	return nil
}

// MarkFailed records a failed publish and schedules the next attempt
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) error {
	var retryCount int
	err := r.db.pool.QueryRow(ctx,
		"SELECT retry_count FROM outbox_event WHERE id = $1", id).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	retryCount++
	status := failureStatus(retryCount)

	query := `
		UPDATE outbox_event
		SET status = $1, retry_count = $2, error_message = $3, next_retry_at = $4
		WHERE id = $5`

	_, err = r.db.pool.Exec(ctx, query, status, retryCount, processErr.Error(), nextRetryTime(time.Now(), retryCount), id)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}

	return nil
}

// Status counts events still waiting for the relay and dead-lettered ones.
func (r *OutboxRepository) Status(ctx context.Context) (OutboxStatus, error) {
	var s OutboxStatus
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`

	err := r.db.pool.QueryRow(ctx, query,
		OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter).Scan(&s.Pending, &s.DeadLetter)
	if err != nil {
		return OutboxStatus{}, fmt.Errorf("failed to get outbox status: %w", err)
	}

	return s, nil
}

func failureStatus(retryCount int) string {
	if retryCount >= MaxRetryCount {
		return OutboxStatusDeadLetter
	}
	return OutboxStatusFailed
}

// nextRetryTime backs off exponentially from 2s, capped at 5 minutes
func nextRetryTime(now time.Time, retryCount int) time.Time {
	backoff := 300
	if retryCount < 9 {
		backoff = min(1<<retryCount, 300)
	}
	return now.Add(time.Duration(backoff) * time.Second)
}
