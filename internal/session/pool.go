package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
)

var errPoolClosed = errors.New("session pool closed")

// Outcome is what a task reports when handing a session back.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeInvalidated
	// OutcomeCanceled returns the session without touching its health counters.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeInvalidated:
		return "invalidated"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeFor derives the release outcome from a task error.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case scrapeerr.IsInvalidated(err):
		return OutcomeInvalidated
	case scrapeerr.IsTransient(err):
		// A client timeout wraps DeadlineExceeded but still counts against the session.
		return OutcomeFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeFailure
	}
}

// Config tunes pool sizing and maintenance.
type Config struct {
	TargetSize         int
	MinStartup         int
	StartupSuccessRate float64
	DiscardThreshold   int
	AcquireRetries     int
	AcquireTimeout     time.Duration
	CreateConcurrency  int
	RefillInterval     time.Duration
	RevalidateEvery    time.Duration
	RevalidateAfter    time.Duration
	CacheMaxAge        time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Target     int   `json:"target"`
	Idle       int   `json:"idle"`
	InUse      int   `json:"in_use"`
	Refreshing int   `json:"refreshing"`
	Warming    int   `json:"warming"`
	Created    int64 `json:"created"`
	Discarded  int64 `json:"discarded"`
}

// Viable counts sessions that are or will shortly be usable.
func (s Stats) Viable() int {
	return s.Idle + s.InUse + s.Refreshing
}

// Pool hands out authenticated sessions with exclusive ownership.
type Pool struct {
	cfg     Config
	factory Factory
	cache   Cache
	proxies []models.Proxy
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	sessions  map[string]*Session
	idle      []*Session
	creating  int
	nextProxy int
	closed    bool

	created   atomic.Int64
	discarded atomic.Int64

	createSem  *semaphore.Weighted
	revalidate *rate.Limiter
	wake       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewPool(cfg Config, factory Factory, cache Cache, proxies []models.Proxy, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if cfg.CreateConcurrency < 1 {
		cfg.CreateConcurrency = 1
	}
	if cfg.DiscardThreshold < 1 {
		cfg.DiscardThreshold = 1
	}
	if cfg.AcquireRetries < 1 {
		cfg.AcquireRetries = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if cache == nil {
		cache = NopCache{}
	}

	limit := rate.Inf
	if cfg.RevalidateEvery > 0 {
		limit = rate.Every(cfg.RevalidateEvery)
	}

	return &Pool{
		cfg:        cfg,
		factory:    factory,
		cache:      cache,
		proxies:    proxies,
		logger:     logger.With("component", "session_pool"),
		metrics:    m,
		sessions:   make(map[string]*Session),
		createSem:  semaphore.NewWeighted(int64(cfg.CreateConcurrency)),
		revalidate: rate.NewLimiter(limit, 1),
		wake:       make(chan struct{}, 1),
	}
}

// Start restores cached sessions, warms the pool to MinStartup and launches maintenance.
func (p *Pool) Start(ctx context.Context) error {
	restored := p.restore(ctx)

	need := p.cfg.MinStartup - restored
	if need > 0 {
		created := p.warm(ctx, need)
		successRate := float64(created) / float64(need)

		p.logger.Info("startup warm-up finished",
			"restored", restored,
			"created", created,
			"attempted", need,
			"success_rate", successRate)

		if successRate < p.cfg.StartupSuccessRate {
			return &scrapeerr.StartupPoolError{
				Created:   created,
				Attempted: need,
				MinRate:   p.cfg.StartupSuccessRate,
			}
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(loopCtx)
	}()

	return nil
}

// Acquire hands out an idle session or creates one synchronously. It never
// waits for a busy session to come back.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if s := p.popIdle(); s != nil {
		return s, nil
	}

	for attempt := 1; attempt <= p.cfg.AcquireRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}

		s, err := p.createNow(ctx)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, errPoolClosed) {
			break
		}

		if s := p.popIdle(); s != nil {
			return s, nil
		}

		p.logger.Debug("synchronous session creation failed",
			"attempt", attempt,
			"error", err)
	}

	p.wakeRefill()
	return nil, scrapeerr.ErrPoolExhausted
}

// Release returns a session with the task's outcome.
func (p *Pool) Release(s *Session, outcome Outcome) {
	var reason string

	p.mu.Lock()
	if state := s.state; state != StateInUse {
		p.mu.Unlock()
		p.logger.Warn("release of session not in use", "session_id", s.ID, "state", state)
		return
	}
	if p.closed {
		// Close already persisted it; never hand it out again.
		p.discardLocked(s)
		p.mu.Unlock()
		s.Close()
		p.logger.Debug("session released after close", "session_id", s.ID)
		return
	}

	now := time.Now()
	switch outcome {
	case OutcomeSuccess:
		s.attempts++
		s.successes++
		s.consecutiveFailures = 0
		s.lastUsed = now
		p.pushIdleLocked(s)
	case OutcomeCanceled:
		s.lastUsed = now
		p.pushIdleLocked(s)
	case OutcomeInvalidated:
		s.attempts++
		reason = "invalidated"
		p.discardLocked(s)
	default:
		s.attempts++
		s.consecutiveFailures++
		s.lastUsed = now
		if s.consecutiveFailures >= p.cfg.DiscardThreshold {
			reason = "failure_threshold"
			p.discardLocked(s)
		} else {
			p.pushIdleLocked(s)
		}
	}
	p.mu.Unlock()

	if reason != "" {
		p.afterDiscard(s, reason)
	}
}

// Discard retires a session for good.
func (p *Pool) Discard(s *Session, reason string) {
	p.mu.Lock()
	if s.state == StateDiscarded {
		p.mu.Unlock()
		return
	}
	p.discardLocked(s)
	p.mu.Unlock()

	p.afterDiscard(s, reason)
}

// With runs fn with an acquired session and always releases it.
func (p *Pool) With(ctx context.Context, fn func(*Session) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.Release(s, OutcomeInvalidated)
			panic(r)
		}
		p.Release(s, OutcomeFor(err))
	}()

	return fn(s)
}

// Stats reports current pool counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Target:    p.cfg.TargetSize,
		Warming:   p.creating,
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
	for _, s := range p.sessions {
		switch s.state {
		case StateIdle:
			st.Idle++
		case StateInUse:
			st.InUse++
		case StateRefreshing:
			st.Refreshing++
		}
	}
	return st
}

// Health returns the success ratio of a session, 1 when it has not been used yet.
func (p *Pool) Health(s *Session) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.attempts == 0 {
		return 1
	}
	return float64(s.successes) / float64(s.attempts)
}

// Close stops maintenance, persists idle sessions and drops all connections.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, s := range sessions {
		p.persist(ctx, s)
		s.Close()
	}

	p.logger.Info("session pool closed", "sessions", len(sessions))
}

func (p *Pool) popIdle() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 || p.closed {
		return nil
	}

	s := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	s.state = StateInUse
	return s
}

func (p *Pool) pushIdleLocked(s *Session) {
	s.state = StateIdle
	p.idle = append(p.idle, s)
}

func (p *Pool) removeIdleLocked(s *Session) {
	for i, candidate := range p.idle {
		if candidate == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) discardLocked(s *Session) {
	if s.state == StateIdle {
		p.removeIdleLocked(s)
	}
	s.state = StateDiscarded
	delete(p.sessions, s.ID)
	p.discarded.Add(1)
}

func (p *Pool) afterDiscard(s *Session, reason string) {
	s.Close()
	p.metrics.IncSessionDiscarded(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.cache.Delete(ctx, s.ID); err != nil {
		p.logger.Warn("failed to delete cached session", "session_id", s.ID, "error", err)
	}

	p.logger.Debug("session discarded", "session_id", s.ID, "reason", reason)
	p.wakeRefill()
}

// reserve claims a creation slot and the next proxy. force ignores TargetSize.
func (p *Pool) reserve(force bool) (*models.Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}
	if !force && len(p.sessions)+p.creating >= p.cfg.TargetSize {
		return nil, false
	}

	p.creating++
	if len(p.proxies) == 0 {
		return nil, true
	}
	proxy := p.proxies[p.nextProxy%len(p.proxies)]
	p.nextProxy++
	return &proxy, true
}

// create runs the handshake for a reserved slot and registers the session in state.
func (p *Pool) create(ctx context.Context, proxy *models.Proxy, state State) (*Session, error) {
	s, err := p.factory.Create(ctx, proxy)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.metrics.IncSessionCreated("failed")
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		s.Close()
		return nil, errPoolClosed
	}

	now := time.Now()
	s.lastValidated = now
	s.lastUsed = now
	p.sessions[s.ID] = s
	if state == StateIdle {
		p.pushIdleLocked(s)
	} else {
		s.state = state
	}
	p.mu.Unlock()

	p.created.Add(1)
	p.metrics.IncSessionCreated("success")
	p.persist(ctx, s)
	return s, nil
}

// createNow builds a session for an Acquire caller within AcquireTimeout.
func (p *Pool) createNow(ctx context.Context) (*Session, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := p.createSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.createSem.Release(1)

	proxy, ok := p.reserve(true)
	if !ok {
		return nil, errPoolClosed
	}
	return p.create(ctx, proxy, StateInUse)
}

// warm creates n sessions in parallel and reports how many succeeded.
func (p *Pool) warm(ctx context.Context, n int) int {
	var created atomic.Int64

	var g errgroup.Group
	g.SetLimit(p.cfg.CreateConcurrency)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := p.createSem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer p.createSem.Release(1)

			proxy, ok := p.reserve(true)
			if !ok {
				return nil
			}
			if _, err := p.create(ctx, proxy, StateIdle); err != nil {
				p.logger.Debug("warm-up session creation failed", "error", err)
				return nil
			}
			created.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(created.Load())
}

// restore revalidates cached sessions and makes the good ones idle.
func (p *Pool) restore(ctx context.Context) int {
	records, err := p.cache.Load(ctx)
	if err != nil {
		p.logger.Warn("failed to load session cache", "error", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	var restored atomic.Int64

	var g errgroup.Group
	g.SetLimit(p.cfg.CreateConcurrency)

	for i, rec := range records {
		if i >= p.cfg.TargetSize {
			break
		}
		if p.cfg.CacheMaxAge > 0 && time.Since(rec.SavedAt) > p.cfg.CacheMaxAge {
			p.forget(ctx, rec.ID)
			continue
		}

		g.Go(func() error {
			s, err := p.factory.Restore(rec)
			if err != nil {
				p.forget(ctx, rec.ID)
				return nil
			}
			if err := p.factory.Validate(ctx, s); err != nil {
				p.logger.Debug("cached session failed validation", "session_id", rec.ID, "error", err)
				s.Close()
				p.forget(ctx, rec.ID)
				return nil
			}

			now := time.Now()
			p.mu.Lock()
			s.lastValidated = now
			s.lastUsed = now
			p.sessions[s.ID] = s
			p.pushIdleLocked(s)
			p.mu.Unlock()

			restored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(restored.Load())
	p.logger.Info("restored cached sessions", "restored", n, "cached", len(records))
	return n
}

func (p *Pool) forget(ctx context.Context, id string) {
	if err := p.cache.Delete(ctx, id); err != nil {
		p.logger.Warn("failed to delete cached session", "session_id", id, "error", err)
	}
}

func (p *Pool) persist(ctx context.Context, s *Session) {
	if err := p.cache.Save(ctx, p.factory.Snapshot(s)); err != nil {
		p.logger.Warn("failed to cache session", "session_id", s.ID, "error", err)
	}
}

func (p *Pool) wakeRefill() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) maintain(ctx context.Context) {
	p.logger.Info("starting pool maintenance",
		"target_size", p.cfg.TargetSize,
		"interval", p.cfg.RefillInterval)

	ticker := time.NewTicker(p.cfg.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pool maintenance stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		}

		p.refill(ctx)
		p.revalidateStalest(ctx)
		p.report()
	}
}

// refill starts background creations until the pool reaches TargetSize or
// the creation cap is saturated.
func (p *Pool) refill(ctx context.Context) {
	for {
		if !p.createSem.TryAcquire(1) {
			return
		}

		proxy, ok := p.reserve(false)
		if !ok {
			p.createSem.Release(1)
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.createSem.Release(1)

			if _, err := p.create(ctx, proxy, StateIdle); err != nil && ctx.Err() == nil {
				p.logger.Debug("refill session creation failed", "error", err)
			}
		}()
	}
}

// revalidateStalest re-runs the handshake on the idle session validated
// longest ago, when it is older than RevalidateAfter.
func (p *Pool) revalidateStalest(ctx context.Context) {
	if p.cfg.RevalidateAfter <= 0 || !p.revalidate.Allow() {
		return
	}

	now := time.Now()
	p.mu.Lock()
	var stalest *Session
	for _, s := range p.idle {
		if now.Sub(s.lastValidated) < p.cfg.RevalidateAfter {
			continue
		}
		if stalest == nil || s.lastValidated.Before(stalest.lastValidated) {
			stalest = s
		}
	}
	if stalest == nil {
		p.mu.Unlock()
		return
	}
	p.removeIdleLocked(stalest)
	stalest.state = StateRefreshing
	p.mu.Unlock()

	err := p.factory.Validate(ctx, stalest)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.discardLocked(stalest)
		p.mu.Unlock()
		p.afterDiscard(stalest, "revalidation_failed")
		return
	}
	stalest.lastValidated = time.Now()
	p.pushIdleLocked(stalest)
	p.mu.Unlock()

	p.persist(ctx, stalest)
}

func (p *Pool) report() {
	st := p.Stats()
	p.metrics.SetPoolSessions(string(StateIdle), st.Idle)
	p.metrics.SetPoolSessions(string(StateInUse), st.InUse)
	p.metrics.SetPoolSessions(string(StateRefreshing), st.Refreshing)
	p.metrics.SetPoolSessions(string(StateWarming), st.Warming)
}
