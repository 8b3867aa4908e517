package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
)

// streamValues returns the field map the relay hands to XAdd.
func streamValues(args *redis.XAddArgs) map[string]any {
	v, _ := args.Values.(map[string]any)
	return v
}

// MockRedisClient is a mock for Redis client
type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

// MockOutboxRepository is a mock for OutboxRepository
type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func offersEvent(asin string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "offer_run",
		AggregateID:   asin,
		EventType:     "OFFERS_CAPTURED",
		Payload:       json.RawMessage(`{"run_id":"run-` + asin + `","asin":"` + asin + `","offer_count":3}`),
		TargetStream:  OffersStream,
		CreatedAt:     time.Now(),
	}
}

func newTestRelay(redisClient RedisClient, outbox OutboxRepo) *Relay {
	return NewRelay(outbox, redisClient, slog.Default(), RelayConfig{BatchSize: 10}, nil)
}

func TestRelay_Drain(t *testing.T) {
	ctx := context.Background()

	t.Run("publish and mark every pending event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		m := metrics.New()
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 10}, m)

		events := []*OutboxEvent{offersEvent("B0TEST0001"), offersEvent("B0TEST0002")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == OffersStream &&
					streamValues(args)["event_type"] == "OFFERS_CAPTURED" &&
					streamValues(args)["asin"] == event.AggregateID &&
					streamValues(args)["run_id"] == "run-"+event.AggregateID
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 2.0, promtest.ToFloat64(m.RelayedEvents.WithLabelValues("OFFERS_CAPTURED", "published")))

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("mark failed when redis rejects the event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		m := metrics.New()
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 10}, m)

		event := offersEvent("B0TEST0001")
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(errors.New("redis connection failed"))
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to append to "+OffersStream+": redis connection failed"
		})).Return(nil)

		n, err := relay.Drain(ctx)
		assert.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.RelayedEvents.WithLabelValues("OFFERS_CAPTURED", "failed")))

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("malformed payload is failed without reaching redis", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		event := offersEvent("B0TEST0001")
		event.Payload = json.RawMessage(`not json`)
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return strings.Contains(err.Error(), "invalid payload")
		})).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("empty batch does not touch redis", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("continue after an individual failure", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		events := []*OutboxEvent{offersEvent("B0TEST0001"), offersEvent("B0TEST0002")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return streamValues(args)["asin"] == "B0TEST0001"
		})).Return(errors.New("redis error"))
		mockOutbox.On("MarkFailed", ctx, events[0].ID, mock.Anything).Return(nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return streamValues(args)["asin"] == "B0TEST0002"
		})).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("full batches keep draining until a short one", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 2}, nil)

		first := []*OutboxEvent{offersEvent("B0TEST0001"), offersEvent("B0TEST0002")}
		second := []*OutboxEvent{offersEvent("B0TEST0003")}
		mockOutbox.On("GetPending", ctx, 2).Return(first, nil).Once()
		mockOutbox.On("GetPending", ctx, 2).Return(second, nil).Once()
		mockRedis.On("XAdd", ctx, mock.Anything).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, mock.Anything).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		mockOutbox.AssertNumberOfCalls(t, "GetPending", 2)
	})

	t.Run("backlog drain stops at max batches", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 1, MaxBatches: 3}, nil)

		// a row that keeps coming back fills every batch
		mockOutbox.On("GetPending", ctx, 1).Return([]*OutboxEvent{offersEvent("B0TEST0001")}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, mock.Anything).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		mockOutbox.AssertNumberOfCalls(t, "GetPending", 3)
	})

	t.Run("outbox read failure is returned", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		mockOutbox.On("GetPending", ctx, 10).Return(nil, errors.New("connection reset"))

		_, err := relay.Drain(ctx)
		assert.ErrorContains(t, err, "failed to get pending events")
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})
}

func TestRelay_StreamEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("envelope carries payload and metadata", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 10, StreamMaxLen: 1000}, nil)
		event := offersEvent("B0TEST0001")
		event.RetryCount = 2

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			val, ok := streamValues(args)["data"].(string)
			if !ok {
				return false
			}

			var data envelope
			if err := json.Unmarshal([]byte(val), &data); err != nil {
				return false
			}
			var payload map[string]any
			if err := json.Unmarshal(data.Payload, &payload); err != nil {
				return false
			}

			return data.Type == "OFFERS_CAPTURED" &&
				data.AggregateID == "B0TEST0001" &&
				payload["offer_count"] == float64(3) &&
				data.Metadata.Source == EventSource &&
				data.Metadata.Attempt == 3 &&
				streamValues(args)["outbox_id"] == event.ID.String() &&
				args.MaxLen == 1000 && args.Approx
		})).Return(nil)

		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		mockRedis.AssertExpectations(t)
	})

	t.Run("payload without run id omits the field", func(t *testing.T) {
		event := offersEvent("B0TEST0001")
		event.Payload = json.RawMessage(`{"asin":"B0TEST0001"}`)

		entry, err := newStreamEntry(event)
		require.NoError(t, err)

		values := entry.values()
		assert.NotContains(t, values, "run_id")
		assert.Equal(t, "B0TEST0001", values["asin"])
	})
}

func TestRelay_Run(t *testing.T) {
	mockRedis := new(MockRedisClient)
	mockOutbox := new(MockOutboxRepository)
	relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    10,
	}, nil)

	mockOutbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- relay.Run(ctx)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
	mockOutbox.AssertCalled(t, "GetPending", mock.Anything, 10)
}
