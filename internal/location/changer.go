package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/parser"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
	"github.com/maltedev/amazon-offer-crawler/internal/session"
)

// Step is a state of the location change protocol.
type Step string

const (
	StepFetchModalToken      Step = "fetch_modal_token"
	StepFetchLocationModal   Step = "fetch_location_modal"
	StepSubmitLocationChange Step = "submit_location_change"
	StepVerifyLocation       Step = "verify_location_applied"
)

const tokenHeader = "anti-csrftoken-a2z"

var (
	errAddressRejected = errors.New("address change was not accepted")
	errNotApplied      = errors.New("delivery location was not applied")
)

// StepError reports the protocol step that failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("location change failed at %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type addressChange struct {
	LocationType string `json:"locationType"`
	ZipCode      string `json:"zipCode"`
	DeviceType   string `json:"deviceType"`
	StoreContext string `json:"storeContext"`
	PageType     string `json:"pageType"`
	ActionSource string `json:"actionSource"`
}

// Changer moves a session's delivery location to a zip code.
type Changer struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
}

func NewChanger(logger *slog.Logger, m *metrics.Metrics) *Changer {
	return &Changer{
		logger:      logger.With("component", "location"),
		metrics:     m,
		maxAttempts: 2,
	}
}

// Change runs the protocol against asin's detail page. A failed attempt is
// repeated once with a freshly fetched page token; challenge pages, blocks and
// transport errors are returned at once.
func (c *Changer) Change(ctx context.Context, s *session.Session, asin, zip string) error {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.run(ctx, s, asin, zip, attempt > 1)
		if err == nil {
			s.SetLocation(zip)
			return nil
		}
		lastErr = err

		var stepErr *StepError
		if errors.As(err, &stepErr) {
			c.metrics.IncProtocolFailure(string(stepErr.Step))
		}

		if !retryable(ctx, err) {
			return err
		}

		c.logger.Debug("location change attempt failed",
			"session_id", s.ID,
			"zip", zip,
			"attempt", attempt,
			"error", err)
	}

	reason := "location_change_failed"
	if errors.Is(lastErr, errNotApplied) {
		reason = "location_not_applied"
	}
	return scrapeerr.Invalidated(reason, lastErr)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !scrapeerr.IsInvalidated(err) && !scrapeerr.IsTransient(err)
}

func (c *Changer) run(ctx context.Context, s *session.Session, asin, zip string, fresh bool) error {
	pageToken := s.Token()
	if fresh || pageToken == "" {
		body, err := s.Get(ctx, "product_page", session.ProductPath(asin), nil)
		if err != nil {
			return &StepError{Step: StepFetchModalToken, Err: err}
		}
		pageToken, err = parser.ExtractPageToken(body)
		if err != nil {
			return &StepError{Step: StepFetchModalToken, Err: scrapeerr.Invalidated("missing_token", err)}
		}
		s.SetToken(pageToken)
	}

	modal, err := s.Get(ctx, "location_modal", session.ModalPath, http.Header{tokenHeader: {pageToken}})
	if err != nil {
		return &StepError{Step: StepFetchLocationModal, Err: err}
	}
	modalToken, err := parser.ExtractModalToken(modal)
	if err != nil {
		return &StepError{Step: StepFetchLocationModal, Err: err}
	}

	payload := addressChange{
		LocationType: "LOCATION_INPUT",
		ZipCode:      zip,
		DeviceType:   "web",
		StoreContext: "photo",
		PageType:     "Detail",
		ActionSource: "glow",
	}
	resp, err := s.PostJSON(ctx, "address_change", session.AddressChangePath, payload, http.Header{tokenHeader: {modalToken}})
	if err != nil {
		return &StepError{Step: StepSubmitLocationChange, Err: err}
	}
	var result struct {
		Successful int `json:"successful"`
	}
	if err := json.Unmarshal([]byte(resp), &result); err != nil || result.Successful != 1 {
		return &StepError{Step: StepSubmitLocationChange, Err: errAddressRejected}
	}

	label, err := s.Get(ctx, "location_label", session.LocationLabelPath, nil)
	if err != nil {
		return &StepError{Step: StepVerifyLocation, Err: err}
	}
	if got := parser.ExtractLocationLabel(label); !strings.Contains(got, zip) {
		return &StepError{Step: StepVerifyLocation, Err: fmt.Errorf("%w: label %q", errNotApplied, got)}
	}

	return nil
}
