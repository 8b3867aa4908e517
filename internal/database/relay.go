package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
)

// EventSource identifies this service in relayed stream entries.
const EventSource = "amazon-offer-crawler"

// RedisClient is the part of the Redis client the relay publishes with.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the part of OutboxRepository the relay drains.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StreamMaxLen approximately caps each stream; zero leaves streams unbounded.
	StreamMaxLen int64
	// MaxBatches bounds a single drain so shutdown is never stuck behind a backlog.
	MaxBatches int
}

// Relay forwards outbox rows, mostly OFFERS_CAPTURED run summaries, to their
// Redis streams. A row is marked processed only after XADD succeeded, so
// consumers see every run at least once.
type Relay struct {
	redis   RedisClient
	outbox  OutboxRepo
	cfg     RelayConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig, m *metrics.Metrics) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}

	return &Relay{
		redis:   redisClient,
		outbox:  outbox,
		cfg:     cfg,
		logger:  logger.With("component", "outbox_relay"),
		metrics: m,
	}
}

// Run drains the outbox once, then again every PollInterval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("starting outbox relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"stream_max_len", r.cfg.StreamMaxLen)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := r.Drain(ctx); err != nil {
			r.logger.Error("outbox drain failed", "relayed", n, "error", err)
		} else if n > 0 {
			r.logger.Debug("outbox drained", "relayed", n)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain relays pending rows batch by batch until a short batch shows the
// backlog is empty or MaxBatches is reached. It returns how many rows reached
// Redis. Per-row failures are recorded on the row and do not stop the drain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	relayed := 0
	for batch := 0; batch < r.cfg.MaxBatches; batch++ {
		events, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return relayed, fmt.Errorf("failed to get pending events: %w", err)
		}

		for _, event := range events {
			if ctx.Err() != nil {
				return relayed, ctx.Err()
			}
			if r.relay(ctx, event) {
				relayed++
			}
		}

		if len(events) < r.cfg.BatchSize {
			break
		}
	}
	return relayed, nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) bool {
	logger := r.logger.With(
		"outbox_id", event.ID,
		"event_type", event.EventType,
		"asin", event.AggregateID)

	entry, err := newStreamEntry(event)
	if err == nil {
		err = r.append(ctx, event.TargetStream, entry)
	}
	if err != nil {
		r.metrics.IncRelayed(event.EventType, "failed")
		logger.Warn("failed to relay outbox event", "attempt", event.RetryCount+1, "error", err)
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			logger.Error("failed to record relay failure", "error", markErr)
		}
		return false
	}

	r.metrics.IncRelayed(event.EventType, "published")
	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// the entry is already on the stream; a later drain sends it again
		logger.Error("failed to mark event as processed", "error", err)
		return true
	}

	logger.Info("event relayed", "stream", event.TargetStream, "run_id", entry.runID)
	return true
}

func (r *Relay) append(ctx context.Context, stream string, entry streamEntry) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: entry.values(),
	}
	if r.cfg.StreamMaxLen > 0 {
		args.MaxLen = r.cfg.StreamMaxLen
		args.Approx = true
	}

	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return nil
}

// envelope is the JSON document carried in the "data" field of a stream entry.
type envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      envelopeMeta    `json:"metadata"`
}

type envelopeMeta struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	Attempt      int    `json:"attempt"`
	TargetStream string `json:"target_stream"`
}

type streamEntry struct {
	eventType string
	asin      string
	runID     string
	outboxID  string
	createdAt time.Time
	data      []byte
}

// newStreamEntry flattens the fields consumers filter on next to the JSON envelope.
func newStreamEntry(event *OutboxEvent) (streamEntry, error) {
	var head struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(event.Payload, &head); err != nil {
		return streamEntry{}, fmt.Errorf("invalid payload for outbox event %s: %w", event.ID, err)
	}

	data, err := json.Marshal(envelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC(),
		Payload:       event.Payload,
		Metadata: envelopeMeta{
			Source:       EventSource,
			OutboxID:     event.ID.String(),
			Attempt:      event.RetryCount + 1,
			TargetStream: event.TargetStream,
		},
	})
	if err != nil {
		return streamEntry{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return streamEntry{
		eventType: event.EventType,
		asin:      event.AggregateID,
		runID:     head.RunID,
		outboxID:  event.ID.String(),
		createdAt: event.CreatedAt.UTC(),
		data:      data,
	}, nil
}

func (e streamEntry) values() map[string]any {
	v := map[string]any{
		"event_type": e.eventType,
		"asin":       e.asin,
		"outbox_id":  e.outboxID,
		"created_at": e.createdAt.Format(time.RFC3339Nano),
		"data":       string(e.data),
	}
	if e.runID != "" {
		v["run_id"] = e.runID
	}
	return v
}
