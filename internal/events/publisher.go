package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/amazon-offer-crawler/internal/database"
	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeOffersCaptured is published once per run that stored at least one location.
	EventTypeOffersCaptured EventType = "OFFERS_CAPTURED"

	aggregateType = "offer_run"
)

// BuyBox summarizes the featured offer at one location.
type BuyBox struct {
	ZipCode      string  `json:"zip_code"`
	SellerID     *string `json:"seller_id,omitempty"`
	SellerName   *string `json:"seller_name,omitempty"`
	TotalPrice   float64 `json:"total_price"`
	EarliestDays *int    `json:"earliest_days,omitempty"`
	LatestDays   *int    `json:"latest_days,omitempty"`
}

// OffersCapturedPayload is the OFFERS_CAPTURED event body.
type OffersCapturedPayload struct {
	EventID             string    `json:"event_id"`
	EventType           string    `json:"event_type"`
	Timestamp           time.Time `json:"timestamp"`
	RunID               string    `json:"run_id"`
	ASIN                string    `json:"asin"`
	Title               string    `json:"title,omitempty"`
	Brand               string    `json:"brand,omitempty"`
	Category            string    `json:"category,omitempty"`
	Locations           int       `json:"locations"`
	SuccessfulLocations int       `json:"successful_locations"`
	FailedLocations     int       `json:"failed_locations"`
	OfferCount          int       `json:"offer_count"`
	MinTotalPrice       *float64  `json:"min_total_price,omitempty"`
	BuyBoxes            []BuyBox  `json:"buy_boxes"`
	Source              string    `json:"source"`
}

// NewOffersCapturedPayload summarizes a run for downstream consumers.
func NewOffersCapturedPayload(result *models.RunResult) *OffersCapturedPayload {
	p := &OffersCapturedPayload{
		EventID:             uuid.NewString(),
		EventType:           string(EventTypeOffersCaptured),
		Timestamp:           time.Now(),
		RunID:               result.RunID,
		ASIN:                result.ASIN,
		Locations:           result.TotalLocationsProcessed,
		SuccessfulLocations: result.SuccessfulLocations,
		FailedLocations:     result.FailedLocations,
		BuyBoxes:            []BuyBox{},
		Source:              database.EventSource,
	}
	if result.Product != nil {
		p.Title = result.Product.Title
		p.Brand = result.Product.Brand
		p.Category = result.Product.Category
	}

	for i := range result.Results {
		loc := &result.Results[i]
		if !loc.Succeeded() {
			continue
		}
		p.OfferCount += len(loc.Offers)
		for _, o := range loc.Offers {
			if p.MinTotalPrice == nil || o.TotalPrice < *p.MinTotalPrice {
				price := o.TotalPrice
				p.MinTotalPrice = &price
			}
		}
		if w := loc.BuyBoxWinner(); w != nil {
			p.BuyBoxes = append(p.BuyBoxes, BuyBox{
				ZipCode:      loc.ZipCode,
				SellerID:     w.SellerID,
				SellerName:   w.SellerName,
				TotalPrice:   w.TotalPrice,
				EarliestDays: w.EarliestDays,
				LatestDays:   w.LatestDays,
			})
		}
	}

	return p
}

// Store runs fn inside a database transaction.
type Store interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// OfferWriter bulk-loads warehouse rows.
type OfferWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, rows []models.OfferRow) (int64, error)
}

// OutboxWriter stages an event for the relay.
type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher stores run rows and the matching outbox event atomically.
type Publisher struct {
	store   Store
	offers  OfferWriter
	outbox  OutboxWriter
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	wg sync.WaitGroup
}

func NewPublisher(store Store, offers OfferWriter, outbox OutboxWriter, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		store:   store,
		offers:  offers,
		outbox:  outbox,
		logger:  logger.With("component", "event_publisher"),
		metrics: m,
		timeout: 30 * time.Second,
	}
}

// NewDatabasePublisher wires the publisher to the pgx-backed repositories.
func NewDatabasePublisher(db *database.DB, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	return NewPublisher(db, database.NewOfferRepository(), database.NewOutboxRepository(db), logger, m)
}

// PublishRun writes every offer row of result and one OFFERS_CAPTURED event
// in a single transaction. Runs without a successful location are skipped.
func (p *Publisher) PublishRun(ctx context.Context, result *models.RunResult) error {
	if result.SuccessfulLocations == 0 {
		p.logger.Info("nothing to publish", "run_id", result.RunID, "asin", result.ASIN)
		return nil
	}

	runID, err := uuid.Parse(result.RunID)
	if err != nil {
		return fmt.Errorf("failed to parse run id: %w", err)
	}

	payload := NewOffersCapturedPayload(result)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   result.ASIN,
		EventType:     string(EventTypeOffersCaptured),
		Payload:       data,
		TargetStream:  database.OffersStream,
	}

	rows := result.Rows()
	var written int64
	err = p.store.Transaction(ctx, func(tx pgx.Tx) error {
		n, err := p.offers.InsertWithTx(ctx, tx, runID, rows)
		if err != nil {
			return fmt.Errorf("failed to insert offer rows: %w", err)
		}
		written = n

		if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish run: %w", err)
	}

	p.metrics.AddWarehouseRows(int(written))
	p.logger.Info("run published to outbox",
		"run_id", result.RunID,
		"asin", result.ASIN,
		"rows", written,
		"event_id", payload.EventID,
		"outbox_id", event.ID)

	return nil
}

// PublishAsync publishes in the background with its own timeout so the
// caller can respond before the warehouse load finishes.
func (p *Publisher) PublishAsync(result *models.RunResult) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		if err := p.PublishRun(ctx, result); err != nil {
			p.logger.Error("background publish failed",
				"run_id", result.RunID,
				"asin", result.ASIN,
				"error", err)
		}
	}()
}

// Wait blocks until background publishes finish.
func (p *Publisher) Wait() {
	p.wg.Wait()
}
