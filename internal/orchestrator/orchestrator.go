package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/parser"
	"github.com/maltedev/amazon-offer-crawler/internal/ratelimit"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
	"github.com/maltedev/amazon-offer-crawler/internal/session"
)

var asinRe = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// SessionPool is the part of session.Pool the orchestrator needs.
type SessionPool interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session, outcome session.Outcome)
	Stats() session.Stats
}

// LocationChanger switches a session's delivery location.
type LocationChanger interface {
	Change(ctx context.Context, s *session.Session, asin, zip string) error
}

type Config struct {
	Deadline     time.Duration
	BatchSize    int
	RampInterval time.Duration
	TaskAttempts int
	// RetryHeadroom is the fraction of the deadline that must remain for a
	// transient failure to be retried.
	RetryHeadroom    float64
	Controller       ratelimit.ControllerConfig
	ProductCacheSize int
	ProductCacheTTL  time.Duration
	// Location is the storefront's zone. Relative delivery dates count from
	// its calendar day, not the host's. Defaults to US Pacific.
	Location *time.Location
}

type taskState int

const (
	taskPending taskState = iota
	taskSucceeded
	taskFailed
)

type locationTask struct {
	asin      string
	zip       string
	index     int
	attempts  int
	sessionID string
	state     taskState
}

type taskOutcome struct {
	index     int
	sessionID string
	result    models.LocationResult
	err       error
}

// Orchestrator fans one product out across delivery locations under a deadline.
type Orchestrator struct {
	cfg      Config
	pool     SessionPool
	changer  LocationChanger
	parser   parser.Parser
	pressure ratelimit.PressureSource
	products *expirable.LRU[string, *models.ProductInfo]
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg Config, pool SessionPool, changer LocationChanger, p parser.Parser, pressure ratelimit.PressureSource, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.RampInterval <= 0 {
		cfg.RampInterval = 50 * time.Millisecond
	}
	if cfg.TaskAttempts < 1 {
		cfg.TaskAttempts = 1
	}
	if cfg.RetryHeadroom <= 0 {
		cfg.RetryHeadroom = 0.25
	}
	if cfg.Location == nil {
		cfg.Location = storefrontLocation()
	}

	return &Orchestrator{
		cfg:      cfg,
		pool:     pool,
		changer:  changer,
		parser:   p,
		pressure: pressure,
		products: expirable.NewLRU[string, *models.ProductInfo](cfg.ProductCacheSize, nil, cfg.ProductCacheTTL),
		logger:   logger.With("component", "orchestrator"),
		metrics:  m,
		now:      time.Now,
	}
}

func storefrontLocation() *time.Location {
	if loc, err := time.LoadLocation("America/Los_Angeles"); err == nil {
		return loc
	}
	return time.FixedZone("PST", -8*60*60)
}

// Run crawls asin across zips. An empty zip list means DefaultZipCodes.
// Location failures never fail the run; only a malformed ASIN or a pool with
// no usable session does.
func (o *Orchestrator) Run(ctx context.Context, asin string, zips []string) (*models.RunResult, error) {
	asin = strings.TrimSpace(asin)
	if !asinRe.MatchString(asin) {
		return nil, fmt.Errorf("%w: %q", scrapeerr.ErrInvalidASIN, asin)
	}

	zips = normalizeZips(zips)

	if o.pool.Stats().Viable() == 0 {
		s, err := o.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		o.pool.Release(s, session.OutcomeCanceled)
	}

	started := o.now()
	o.metrics.IncRun()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	result := &models.RunResult{
		RunID:     uuid.NewString(),
		ASIN:      asin,
		StartedAt: started,
	}

	logger := o.logger.With("run_id", result.RunID, "asin", asin)
	logger.Info("starting run", "locations", len(zips), "deadline", o.cfg.Deadline)

	productCh := make(chan *models.ProductInfo, 1)
	go func() {
		productCh <- o.product(runCtx, asin)
	}()

	result.Results = o.dispatch(runCtx, asin, zips, logger)

	select {
	case p := <-productCh:
		result.Product = p
	case <-runCtx.Done():
	}

	result.Tally()
	elapsed := o.now().Sub(started)
	result.DurationMS = elapsed.Milliseconds()
	o.metrics.ObserveRun(elapsed)

	logger.Info("run finished",
		"total", result.TotalLocationsProcessed,
		"successful", result.SuccessfulLocations,
		"failed", result.FailedLocations,
		"duration_ms", result.DurationMS)

	return result, nil
}

// dispatch ramps tasks out under the controller's level, at most BatchSize per
// tick, and collects outcomes. It is the only writer of the result slice.
func (o *Orchestrator) dispatch(ctx context.Context, asin string, zips []string, logger *slog.Logger) []models.LocationResult {
	controller := ratelimit.NewConcurrencyController(o.cfg.Controller, o.pressure)
	deadline, _ := ctx.Deadline()

	tasks := make([]locationTask, len(zips))
	queue := make([]int, len(zips))
	for i, zip := range zips {
		tasks[i] = locationTask{asin: asin, zip: zip, index: i}
		queue[i] = i
	}
	results := make([]models.LocationResult, len(zips))

	// every attempt reports exactly once, so late senders never block
	outcomes := make(chan taskOutcome, len(zips)*o.cfg.TaskAttempts)

	inFlight, completed := 0, 0
	launch := func() {
		level := controller.Level()
		for n := 0; n < o.cfg.BatchSize && len(queue) > 0 && inFlight < level; n++ {
			idx := queue[0]
			queue = queue[1:]
			tasks[idx].attempts++
			inFlight++
			go o.runTask(ctx, tasks[idx], outcomes)
		}
	}

	ticker := time.NewTicker(o.cfg.RampInterval)
	defer ticker.Stop()

	launch()
	for completed < len(zips) {
		select {
		case <-ctx.Done():
			o.expire(ctx, tasks, results)
			logger.Warn("run deadline reached", "completed", completed, "pending", len(zips)-completed)
			return results

		case out := <-outcomes:
			inFlight--
			task := &tasks[out.index]
			task.sessionID = out.sessionID

			if out.err == nil {
				controller.RecordSuccess()
			} else {
				controller.RecordError()
			}

			if o.shouldRetry(out.err, task, deadline) {
				logger.Debug("retrying location", "zip", task.zip, "attempt", task.attempts, "error", out.err)
				queue = append(queue, out.index)
				continue
			}

			if out.err == nil {
				task.state = taskSucceeded
			} else {
				task.state = taskFailed
			}
			results[out.index] = out.result
			completed++
			o.metrics.IncLocation(out.result.Status, scrapeerr.Label(out.err))

		case <-ticker.C:
			level := controller.Adjust(remainingFraction(deadline, o.cfg.Deadline, o.now()))
			o.metrics.SetConcurrency(level)
			launch()
		}
	}

	return results
}

func (o *Orchestrator) shouldRetry(err error, task *locationTask, deadline time.Time) bool {
	if err == nil || !scrapeerr.IsTransient(err) || task.attempts >= o.cfg.TaskAttempts {
		return false
	}
	return remainingFraction(deadline, o.cfg.Deadline, o.now()) > o.cfg.RetryHeadroom
}

// expire fails every task still pending when the run context ended.
func (o *Orchestrator) expire(ctx context.Context, tasks []locationTask, results []models.LocationResult) {
	cause := scrapeerr.ErrDeadlineExceeded
	if errors.Is(ctx.Err(), context.Canceled) {
		cause = context.Canceled
	}

	now := o.now()
	for i := range tasks {
		if tasks[i].state != taskPending {
			continue
		}
		tasks[i].state = taskFailed
		results[i] = models.LocationResult{
			ASIN:       tasks[i].asin,
			ZipCode:    tasks[i].zip,
			Status:     models.LocationStatusFailed,
			Error:      cause.Error(),
			ErrorType:  scrapeerr.Label(cause),
			Attempts:   tasks[i].attempts,
			CapturedAt: now,
		}
		o.metrics.IncLocation(models.LocationStatusFailed, scrapeerr.Label(cause))
	}
}

func (o *Orchestrator) runTask(ctx context.Context, task locationTask, out chan<- taskOutcome) {
	res := models.LocationResult{
		ASIN:     task.asin,
		ZipCode:  task.zip,
		Attempts: task.attempts,
		Offers:   []models.Offer{},
	}

	listing, sessionID, err := o.crawlLocation(ctx, task.asin, task.zip)
	res.CapturedAt = o.now()

	if err != nil {
		res.Status = models.LocationStatusFailed
		res.Error = err.Error()
		res.ErrorType = scrapeerr.Label(err)
	} else {
		res.Status = models.LocationStatusSuccess
		res.Offers = listing.Offers
		res.PrimeFilter = listing.PrimeFilter
	}

	out <- taskOutcome{index: task.index, sessionID: sessionID, result: res, err: err}
}

// crawlLocation holds one session for the whole location and always hands it back.
func (o *Orchestrator) crawlLocation(ctx context.Context, asin, zip string) (listing *parser.Listing, sessionID string, err error) {
	s, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, "", err
	}
	sessionID = s.ID

	defer func() {
		if r := recover(); r != nil {
			o.pool.Release(s, session.OutcomeInvalidated)
			listing, err = nil, fmt.Errorf("location task panicked: %v", r)
			return
		}
		o.pool.Release(s, session.OutcomeFor(err))
	}()

	if err := o.changer.Change(ctx, s, asin, zip); err != nil {
		return nil, sessionID, err
	}

	listing, err = o.fetchOffers(ctx, s, asin)
	return listing, sessionID, err
}

// fetchOffers loads the unfiltered and prime views in parallel. The prime view
// only counts when the unfiltered view offers a prime filter.
func (o *Orchestrator) fetchOffers(ctx context.Context, s *session.Session, asin string) (*parser.Listing, error) {
	var (
		allBody, primeBody string
		primeErr           error
		g                  errgroup.Group
	)

	g.Go(func() error {
		var err error
		allBody, err = s.Get(ctx, "offers_all", session.OffersPath(asin, session.FilterAll), nil)
		return err
	})
	g.Go(func() error {
		primeBody, primeErr = s.Get(ctx, "offers_prime", session.OffersPath(asin, session.FilterPrime), nil)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	today := o.now().In(o.cfg.Location)
	listing, err := o.parser.ParseOffers(allBody, today)
	if err != nil {
		return nil, fmt.Errorf("failed to parse offers: %w", err)
	}

	if scrapeerr.IsInvalidated(primeErr) {
		return nil, primeErr
	}
	if !listing.PrimeFilter {
		return listing, nil
	}
	if primeErr != nil {
		return nil, primeErr
	}

	fast, err := o.parser.ParseOffers(primeBody, today)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prime offers: %w", err)
	}
	listing.Offers = parser.MergeOffers(listing.Offers, fast.Offers)
	return listing, nil
}

// product returns title, brand and category for asin, from cache when possible.
// Failures are logged and yield nil.
func (o *Orchestrator) product(ctx context.Context, asin string) *models.ProductInfo {
	if info, ok := o.products.Get(asin); ok {
		return info
	}

	s, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Warn("no session for product metadata", "asin", asin, "error", err)
		return nil
	}

	path := session.ProductPath(asin)
	body, err := s.Get(ctx, "product_page", path, nil)
	o.pool.Release(s, session.OutcomeFor(err))
	if err != nil {
		o.logger.Warn("failed to fetch product page", "asin", asin, "error", err)
		return nil
	}

	info, err := o.parser.ParseProduct(body, asin, s.URL(path))
	if err != nil {
		o.logger.Warn("incomplete product metadata", "asin", asin, "error", err)
		return info
	}

	o.products.Add(asin, info)
	return info
}

func remainingFraction(deadline time.Time, budget time.Duration, now time.Time) float64 {
	if budget <= 0 || deadline.IsZero() {
		return 1
	}
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return float64(left) / float64(budget)
}

// normalizeZips trims, drops blanks and collapses duplicates keeping first occurrence.
func normalizeZips(zips []string) []string {
	if len(zips) == 0 {
		zips = DefaultZipCodes
	}

	seen := make(map[string]bool, len(zips))
	out := make([]string, 0, len(zips))
	for _, zip := range zips {
		zip = strings.TrimSpace(zip)
		if zip == "" || seen[zip] {
			continue
		}
		seen[zip] = true
		out = append(out, zip)
	}
	return out
}
