package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/amazon-offer-crawler/internal/database"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

// fakeStore runs the callback with a nil transaction and reports whether it committed.
type fakeStore struct {
	committed  bool
	rolledBack bool
}

func (s *fakeStore) Transaction(_ context.Context, fn func(pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		s.rolledBack = true
		return err
	}
	s.committed = true
	return nil
}

type MockOfferWriter struct {
	mock.Mock
}

func (m *MockOfferWriter) InsertWithTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, rows []models.OfferRow) (int64, error) {
	args := m.Called(ctx, tx, runID, rows)
	return args.Get(0).(int64), args.Error(1)
}

type MockOutboxWriter struct {
	mock.Mock
}

func (m *MockOutboxWriter) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func sp(s string) *string { return &s }

func ip(i int) *int { return &i }

func sampleRun() *models.RunResult {
	captured := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	result := &models.RunResult{
		RunID:   uuid.NewString(),
		ASIN:    "B0TEST1234",
		Product: &models.ProductInfo{ASIN: "B0TEST1234", Title: "Headphones", Brand: "Acme", Category: "Electronics"},
		Results: []models.LocationResult{
			{
				ASIN:       "B0TEST1234",
				ZipCode:    "10001",
				Status:     models.LocationStatusSuccess,
				CapturedAt: captured,
				Offers: []models.Offer{
					{SellerID: sp("ATVPDKIKX0DER"), SellerName: sp("Amazon.com"), Price: 199.99, TotalPrice: 199.99, Prime: true, EarliestDays: ip(2), LatestDays: ip(2), BuyBoxWinner: true},
					{SellerID: sp("A3GADGET"), SellerName: sp("Gadget Depot"), Price: 189, ShippingCost: 4.99, TotalPrice: 193.99},
				},
			},
			{
				ASIN:      "B0TEST1234",
				ZipCode:   "90210",
				Status:    models.LocationStatusFailed,
				ErrorType: "session_invalidated",
				Offers:    []models.Offer{},
			},
		},
	}
	result.Tally()
	return result
}

func TestNewOffersCapturedPayload(t *testing.T) {
	result := sampleRun()
	p := NewOffersCapturedPayload(result)

	assert.Equal(t, string(EventTypeOffersCaptured), p.EventType)
	assert.Equal(t, result.RunID, p.RunID)
	assert.Equal(t, "Headphones", p.Title)
	assert.Equal(t, 2, p.Locations)
	assert.Equal(t, 1, p.SuccessfulLocations)
	assert.Equal(t, 1, p.FailedLocations)
	assert.Equal(t, 2, p.OfferCount)
	require.NotNil(t, p.MinTotalPrice)
	assert.Equal(t, 193.99, *p.MinTotalPrice)
	require.Len(t, p.BuyBoxes, 1)
	assert.Equal(t, "10001", p.BuyBoxes[0].ZipCode)
	assert.Equal(t, "Amazon.com", *p.BuyBoxes[0].SellerName)
	assert.Equal(t, database.EventSource, p.Source)
}

func TestPublisher_PublishRun(t *testing.T) {
	ctx := context.Background()

	t.Run("rows and event share one transaction", func(t *testing.T) {
		store := &fakeStore{}
		offers := new(MockOfferWriter)
		outbox := new(MockOutboxWriter)
		pub := NewPublisher(store, offers, outbox, slog.Default(), nil)
		result := sampleRun()

		offers.On("InsertWithTx", ctx, mock.Anything, uuid.MustParse(result.RunID), mock.MatchedBy(func(rows []models.OfferRow) bool {
			return len(rows) == 2 && rows[0].ZipCode == "10001" && rows[0].BuyBoxWinner
		})).Return(int64(2), nil)
		outbox.On("InsertWithTx", ctx, mock.Anything, mock.MatchedBy(func(e *database.OutboxEvent) bool {
			var payload OffersCapturedPayload
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return false
			}
			return e.EventType == "OFFERS_CAPTURED" &&
				e.AggregateID == "B0TEST1234" &&
				e.TargetStream == database.OffersStream &&
				payload.OfferCount == 2
		})).Return(nil)

		require.NoError(t, pub.PublishRun(ctx, result))
		assert.True(t, store.committed)
		offers.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("outbox failure rolls back the rows", func(t *testing.T) {
		store := &fakeStore{}
		offers := new(MockOfferWriter)
		outbox := new(MockOutboxWriter)
		pub := NewPublisher(store, offers, outbox, slog.Default(), nil)

		offers.On("InsertWithTx", ctx, mock.Anything, mock.Anything, mock.Anything).Return(int64(2), nil)
		outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).Return(errors.New("unique violation"))

		err := pub.PublishRun(ctx, sampleRun())
		assert.ErrorContains(t, err, "failed to insert outbox event")
		assert.True(t, store.rolledBack)
		assert.False(t, store.committed)
	})

	t.Run("row failure skips the event", func(t *testing.T) {
		store := &fakeStore{}
		offers := new(MockOfferWriter)
		outbox := new(MockOutboxWriter)
		pub := NewPublisher(store, offers, outbox, slog.Default(), nil)

		offers.On("InsertWithTx", ctx, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("copy failed"))

		err := pub.PublishRun(ctx, sampleRun())
		assert.ErrorContains(t, err, "failed to insert offer rows")
		outbox.AssertNotCalled(t, "InsertWithTx", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("run without successes is skipped", func(t *testing.T) {
		store := &fakeStore{}
		offers := new(MockOfferWriter)
		outbox := new(MockOutboxWriter)
		pub := NewPublisher(store, offers, outbox, slog.Default(), nil)

		result := sampleRun()
		result.Results = result.Results[1:]
		result.Tally()

		require.NoError(t, pub.PublishRun(ctx, result))
		assert.False(t, store.committed)
		offers.AssertNotCalled(t, "InsertWithTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPublisher_PublishAsync(t *testing.T) {
	store := &fakeStore{}
	offers := new(MockOfferWriter)
	outbox := new(MockOutboxWriter)
	pub := NewPublisher(store, offers, outbox, slog.Default(), nil)

	offers.On("InsertWithTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(2), nil)
	outbox.On("InsertWithTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	pub.PublishAsync(sampleRun())
	pub.Wait()

	assert.True(t, store.committed)
	offers.AssertExpectations(t)
	outbox.AssertExpectations(t)
}
