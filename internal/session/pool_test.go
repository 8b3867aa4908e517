package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
	"github.com/maltedev/amazon-offer-crawler/internal/testutil"
)

type fakeFactory struct {
	mu          sync.Mutex
	next        int
	createErr   error
	validateErr error
	proxies     []string
}

func (f *fakeFactory) Create(_ context.Context, proxy *models.Proxy) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	if proxy != nil {
		f.proxies = append(f.proxies, proxy.Host)
	}
	return &Session{
		ID:     fmt.Sprintf("fake-%d", f.next),
		client: &http.Client{},
		proxy:  proxy,
		state:  StateWarming,
	}, nil
}

func (f *fakeFactory) Validate(context.Context, *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateErr
}

func (f *fakeFactory) Restore(rec Record) (*Session, error) {
	return &Session{ID: rec.ID, client: &http.Client{}, state: StateWarming}, nil
}

func (f *fakeFactory) Snapshot(s *Session) Record {
	return Record{ID: s.ID, SavedAt: time.Now()}
}

func (f *fakeFactory) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeFactory) setValidateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateErr = err
}

type memCache struct {
	mu      sync.Mutex
	records map[string]Record
	deleted []string
}

func newMemCache(records ...Record) *memCache {
	c := &memCache{records: make(map[string]Record)}
	for _, r := range records {
		c.records[r.ID] = r
	}
	return c
}

func (c *memCache) Load(context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, r := range c.records {
		out = append(out, r)
	}
	return out, nil
}

func (c *memCache) Save(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = rec
	return nil
}

func (c *memCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *memCache) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[id]
	return ok
}

func testConfig() Config {
	return Config{
		TargetSize:         4,
		MinStartup:         2,
		StartupSuccessRate: 0.5,
		DiscardThreshold:   2,
		AcquireRetries:     2,
		AcquireTimeout:     time.Second,
		CreateConcurrency:  4,
		RefillInterval:     time.Hour,
	}
}

func newTestPool(t *testing.T, cfg Config, f Factory, c Cache, proxies ...models.Proxy) *Pool {
	t.Helper()
	p := NewPool(cfg, f, c, proxies, slog.Default(), nil)
	t.Cleanup(p.Close)
	return p
}

func TestPoolStartWarmsToMinimum(t *testing.T) {
	cache := newMemCache()
	p := newTestPool(t, testConfig(), &fakeFactory{}, cache)

	require.NoError(t, p.Start(context.Background()))

	stats := p.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, 2, stats.Viable())
	assert.True(t, cache.has("fake-1"), "new sessions are cached")
}

func TestPoolStartFailsBelowSuccessRate(t *testing.T) {
	f := &fakeFactory{createErr: scrapeerr.Invalidated("challenge", nil)}
	p := newTestPool(t, testConfig(), f, nil)

	err := p.Start(context.Background())

	var startupErr *scrapeerr.StartupPoolError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, 0, startupErr.Created)
	assert.Equal(t, 2, startupErr.Attempted)
	assert.Equal(t, "startup_pool_failure", scrapeerr.Label(err))
}

func TestPoolRestoresCachedSessions(t *testing.T) {
	cache := newMemCache(
		Record{ID: "cached-fresh", SavedAt: time.Now().Add(-time.Minute)},
		Record{ID: "cached-stale", SavedAt: time.Now().Add(-48 * time.Hour)},
	)
	cfg := testConfig()
	cfg.CacheMaxAge = time.Hour
	cfg.MinStartup = 1

	p := newTestPool(t, cfg, &fakeFactory{}, cache)
	require.NoError(t, p.Start(context.Background()))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, int64(0), stats.Created, "restored session satisfies the startup minimum")
	assert.False(t, cache.has("cached-stale"))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-fresh", s.ID)
}

func TestPoolAcquireIsExclusive(t *testing.T) {
	cfg := testConfig()
	cfg.TargetSize = 3
	cfg.MinStartup = 3
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	var (
		mu      sync.Mutex
		holders = make(map[string]int)
		overlap bool
		wg      sync.WaitGroup
	)

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			if err != nil {
				return
			}

			mu.Lock()
			holders[s.ID]++
			if holders[s.ID] > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders[s.ID]--
			mu.Unlock()

			p.Release(s, OutcomeSuccess)
		}()
	}
	wg.Wait()

	assert.False(t, overlap, "a session was held by two tasks at once")
	stats := p.Stats()
	assert.Zero(t, stats.InUse)
	assert.Equal(t, stats.Idle, int(stats.Created-stats.Discarded))
}

func TestPoolDiscardedSessionIsNeverReissued(t *testing.T) {
	cache := newMemCache()
	p := newTestPool(t, testConfig(), &fakeFactory{}, cache)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s, OutcomeInvalidated)

	assert.Equal(t, StateDiscarded, s.state)
	assert.False(t, cache.has(s.ID))

	for i := 0; i < 10; i++ {
		other, err := p.Acquire(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, s.ID, other.ID)
		p.Release(other, OutcomeSuccess)
	}
	assert.Equal(t, int64(1), p.Stats().Discarded)
}

func TestPoolFailureThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 1
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s, OutcomeFailure)
	assert.Equal(t, 1, s.consecutiveFailures)

	s, err = p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s, OutcomeSuccess)
	assert.Equal(t, 0, s.consecutiveFailures, "success resets the failure streak")
	assert.InDelta(t, 0.5, p.Health(s), 0.001)

	for i := 0; i < 2; i++ {
		got, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.Equal(t, s.ID, got.ID)
		p.Release(got, OutcomeFailure)
	}
	assert.Equal(t, StateDiscarded, s.state)
}

func TestPoolCanceledOutcomeKeepsHealth(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 1
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s, OutcomeFor(context.DeadlineExceeded))

	assert.Equal(t, StateIdle, s.state)
	assert.Zero(t, s.consecutiveFailures)
	assert.Equal(t, 1.0, p.Health(s))
}

func TestPoolDoubleReleaseIsIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 1
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s, OutcomeSuccess)
	p.Release(s, OutcomeSuccess)

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPoolAcquireCreatesWhenIdleIsEmpty(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 0
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInUse, s.state)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestPoolAcquireExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 0
	f := &fakeFactory{createErr: scrapeerr.Transient("warmup", errors.New("connection reset"))}
	p := newTestPool(t, cfg, f, nil)
	require.NoError(t, p.Start(context.Background()))

	start := time.Now()
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, scrapeerr.ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second, "exhaustion fails fast")
}

func TestPoolWithReleasesOnErrorAndPanic(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 1
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	var first *Session
	err := p.With(context.Background(), func(s *Session) error {
		first = s
		return scrapeerr.Transient("offers", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, StateIdle, first.state)
	assert.Equal(t, 1, first.consecutiveFailures)

	assert.Panics(t, func() {
		_ = p.With(context.Background(), func(s *Session) error {
			panic("boom")
		})
	})
	assert.Equal(t, StateDiscarded, first.state, "a panicking task discards its session")
	assert.Zero(t, p.Stats().InUse)
}

func TestPoolRoundRobinProxies(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 4
	cfg.CreateConcurrency = 1
	f := &fakeFactory{}
	p := newTestPool(t, cfg, f, nil,
		models.Proxy{Host: "10.0.0.1", Port: 8080},
		models.Proxy{Host: "10.0.0.2", Port: 8080},
	)
	require.NoError(t, p.Start(context.Background()))

	counts := map[string]int{}
	for _, host := range f.proxies {
		counts[host]++
	}
	assert.Equal(t, map[string]int{"10.0.0.1": 2, "10.0.0.2": 2}, counts)
}

func TestPoolRefillsAfterDiscard(t *testing.T) {
	cfg := testConfig()
	cfg.TargetSize = 3
	cfg.MinStartup = 3
	cfg.RefillInterval = 10 * time.Millisecond
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Discard(s, "test")

	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(4), p.Stats().Created)
}

func TestPoolRevalidationDiscardsBrokenSessions(t *testing.T) {
	cfg := testConfig()
	cfg.TargetSize = 2
	cfg.MinStartup = 2
	cfg.RefillInterval = 5 * time.Millisecond
	cfg.RevalidateAfter = time.Nanosecond
	f := &fakeFactory{}
	p := newTestPool(t, cfg, f, nil)
	require.NoError(t, p.Start(context.Background()))

	f.setCreateErr(errors.New("no new sessions"))
	f.setValidateErr(scrapeerr.Invalidated("missing_token", nil))

	assert.Eventually(t, func() bool {
		return p.Stats().Discarded >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{scrapeerr.Invalidated("challenge", nil), OutcomeInvalidated},
		{fmt.Errorf("verify: %w", scrapeerr.Invalidated("location_not_applied", nil)), OutcomeInvalidated},
		{scrapeerr.Transient("offers", errors.New("reset")), OutcomeFailure},
		{&scrapeerr.StatusError{Code: 404}, OutcomeFailure},
		{context.Canceled, OutcomeCanceled},
		{context.DeadlineExceeded, OutcomeCanceled},
		{scrapeerr.Transient("offers", fmt.Errorf("client timeout: %w", context.DeadlineExceeded)), OutcomeFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeFor(tt.err), "%v", tt.err)
	}
}

// stallingTransport holds every request until its context ends once stalled is set.
type stallingTransport struct {
	next    http.RoundTripper
	stalled atomic.Bool
}

func (t *stallingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.stalled.Load() {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	return t.next.RoundTrip(req)
}

func TestPoolDiscardsSessionThatKeepsTimingOut(t *testing.T) {
	sf := testutil.NewStorefront()
	transport := &stallingTransport{next: sf.Transport(nil)}
	h := NewHandshaker(Target{
		BaseURL:        testutil.BaseURL,
		WarmupASIN:     testutil.WarmupASIN,
		UserAgent:      "test-agent",
		AcceptLanguage: "en-US",
	}, 50*time.Millisecond, slog.Default(), WithTransport(func(*models.Proxy) http.RoundTripper {
		return transport
	}))

	cfg := testConfig()
	cfg.TargetSize = 1
	cfg.MinStartup = 1
	p := newTestPool(t, cfg, h, nil)
	require.NoError(t, p.Start(context.Background()))

	transport.stalled.Store(true)

	var first *Session
	for i := 0; i < cfg.DiscardThreshold; i++ {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		if first == nil {
			first = s
		}
		require.Equal(t, first.ID, s.ID)

		_, err = s.Get(context.Background(), "offers", ProductPath(testutil.WarmupASIN), nil)
		require.Error(t, err)
		assert.True(t, scrapeerr.IsTransient(err), "client timeout should be transient: %v", err)
		p.Release(s, OutcomeFor(err))
	}

	assert.Equal(t, StateDiscarded, first.state)
	assert.GreaterOrEqual(t, p.Stats().Discarded, int64(1))
}

func TestPoolReleaseAfterCloseDiscards(t *testing.T) {
	cfg := testConfig()
	cfg.MinStartup = 1
	p := newTestPool(t, cfg, &fakeFactory{}, nil)
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	p.Release(s, OutcomeSuccess)

	assert.Equal(t, StateDiscarded, s.state)
	p.mu.Lock()
	assert.NotContains(t, p.idle, s)
	p.mu.Unlock()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, scrapeerr.ErrPoolExhausted)
}
