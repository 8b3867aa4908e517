package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/maltedev/amazon-offer-crawler/internal/database"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/resource"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
	"github.com/maltedev/amazon-offer-crawler/internal/session"
)

const (
	maxRequestBody = 1 << 20

	outboxPendingWarning  = 1000
	outboxDeadLetterLimit = 100
)

// Crawler runs one offer crawl.
type Crawler interface {
	Run(ctx context.Context, asin string, zips []string) (*models.RunResult, error)
}

type PoolStats interface {
	Stats() session.Stats
}

// RunPublisher persists finished runs in the background.
type RunPublisher interface {
	PublishAsync(result *models.RunResult)
}

type OutboxStatus interface {
	Status(ctx context.Context) (database.OutboxStatus, error)
}

type UsageSource interface {
	Usage() resource.Usage
}

// Dependencies are the collaborators behind the handlers. Publisher, Outbox
// and Usage are optional.
type Dependencies struct {
	Crawler   Crawler
	Pool      PoolStats
	Publisher RunPublisher
	Outbox    OutboxStatus
	Usage     UsageSource
}

type Handlers struct {
	deps   Dependencies
	logger *slog.Logger
}

func NewHandlers(deps Dependencies, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		logger: logger.With("component", "api"),
	}
}

// OffersRequest is the body of POST /api/v1/offers.
type OffersRequest struct {
	ASIN     string   `json:"asin"`
	ZipCodes []string `json:"zipcodes,omitempty"`
}

// CrawlOffers runs a crawl and answers with the aggregated result.
func (h *Handlers) CrawlOffers(w http.ResponseWriter, r *http.Request) {
	var req OffersRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.deps.Crawler.Run(r.Context(), req.ASIN, req.ZipCodes)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("crawl failed", "asin", req.ASIN, "error", err)
		}
		h.respondError(w, status, err.Error())
		return
	}

	if h.deps.Publisher != nil {
		h.deps.Publisher.PublishAsync(result)
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetPool reports session pool occupancy.
func (h *Handlers) GetPool(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Pool.Stats()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"stats":  stats,
		"viable": stats.Viable(),
	})
}

// Health combines pool, outbox and host status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	stats := h.deps.Pool.Stats()

	health := map[string]any{
		"status": "ok",
		"pool": map[string]any{
			"viable": stats.Viable(),
			"target": stats.Target,
			"idle":   stats.Idle,
			"in_use": stats.InUse,
		},
	}

	if stats.Viable() == 0 {
		health["status"] = "degraded"
		health["message"] = "no viable sessions"
		status = http.StatusServiceUnavailable
	}

	if h.deps.Outbox != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		outbox, err := h.deps.Outbox.Status(ctx)
		switch {
		case err != nil:
			h.logger.Warn("failed to read outbox status", "error", err)
			health["outbox"] = map[string]any{"error": "unavailable"}
		default:
			health["outbox"] = outbox
			if outbox.Pending > outboxPendingWarning && status == http.StatusOK {
				health["status"] = "warning"
				health["message"] = "high number of pending outbox events"
			}
			if outbox.DeadLetter > outboxDeadLetterLimit {
				health["status"] = "error"
				health["message"] = "high number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}
	}

	if h.deps.Usage != nil {
		health["resources"] = h.deps.Usage.Usage()
	}

	h.respondJSON(w, status, health)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scrapeerr.ErrInvalidASIN):
		return http.StatusBadRequest
	case errors.Is(err, scrapeerr.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
