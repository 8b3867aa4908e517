package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventCrawlRequested asks for one offer crawl.
const EventCrawlRequested = "CRAWL_REQUESTED"

var errPermanent = errors.New("permanent failure")

// StreamClient is the part of the Redis client the consumer reads with.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// CrawlRequest is the payload of a CRAWL_REQUESTED event.
type CrawlRequest struct {
	ASIN     string   `json:"asin"`
	ZipCodes []string `json:"zipcodes,omitempty"`
}

type crawlSummary struct {
	RunID                   string `json:"run_id"`
	TotalLocationsProcessed int    `json:"total_locations_processed"`
	SuccessfulLocations     int    `json:"successful_locations"`
	FailedLocations         int    `json:"failed_locations"`
}

type Config struct {
	CrawlerURL string
	Stream     string
	Group      string
	Name       string
	Block      time.Duration
	Attempts   int
	Backoff    time.Duration
}

// Consumer turns crawl requests on a Redis stream into calls to the crawler API.
type Consumer struct {
	redis      StreamClient
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

func New(redisClient StreamClient, httpClient *http.Client, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	cfg.CrawlerURL = strings.TrimRight(cfg.CrawlerURL, "/")

	return &Consumer{
		redis:      redisClient,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger.With("component", "crawl_consumer"),
	}
}

// Run reads the stream until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("starting consumer", "stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Poll handles one batch of new messages. Messages that fail transiently stay
// pending for redelivery; everything else is acknowledged.
func (c *Consumer) Poll(ctx context.Context) error {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    1,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			if err := c.processMessage(ctx, message); err != nil {
				c.logger.Error("failed to process message", "id", message.ID, "error", err)
				if !errors.Is(err, errPermanent) {
					continue
				}
			}

			if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, message.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
			}
		}
	}
	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != EventCrawlRequested {
		return nil
	}

	req, err := decodeRequest(msg.Values)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	summary, err := c.requestCrawl(ctx, req)
	if err != nil {
		return err
	}

	c.logger.Info("crawl finished",
		"message_id", msg.ID,
		"asin", req.ASIN,
		"run_id", summary.RunID,
		"locations", summary.TotalLocationsProcessed,
		"successful", summary.SuccessfulLocations,
		"failed", summary.FailedLocations)
	return nil
}

// decodeRequest accepts a bare "payload" field or a relay envelope in "data".
func decodeRequest(values map[string]any) (CrawlRequest, error) {
	var req CrawlRequest

	if raw, ok := values["payload"].(string); ok {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return req, fmt.Errorf("failed to parse payload: %w", err)
		}
	} else if raw, ok := values["data"].(string); ok {
		var envelope struct {
			Payload CrawlRequest `json:"payload"`
		}
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			return req, fmt.Errorf("failed to parse envelope: %w", err)
		}
		req = envelope.Payload
	} else {
		return req, errors.New("missing payload in event")
	}

	if req.ASIN == "" {
		return req, errors.New("missing ASIN in payload")
	}
	return req, nil
}

func (c *Consumer) requestCrawl(ctx context.Context, req CrawlRequest) (*crawlSummary, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal crawl request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 && !sleep(ctx, time.Duration(attempt)*c.cfg.Backoff) {
			return nil, ctx.Err()
		}

		summary, err := c.post(ctx, body)
		if err == nil {
			return summary, nil
		}
		if errors.Is(err, errPermanent) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("crawl request failed", "asin", req.ASIN, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Consumer) post(ctx context.Context, body []byte) (*crawlSummary, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CrawlerURL+"/api/v1/offers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call crawler: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: crawler returned status %d: %s", errPermanent, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return nil, fmt.Errorf("crawler returned status %d", resp.StatusCode)
	}

	var summary crawlSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode crawl result: %w", err)
	}
	return &summary, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
