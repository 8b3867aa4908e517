package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/parser"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
)

// Factory builds and checks sessions for the Pool.
type Factory interface {
	Create(ctx context.Context, proxy *models.Proxy) (*Session, error)
	Validate(ctx context.Context, s *Session) error
	Restore(rec Record) (*Session, error)
	Snapshot(s *Session) Record
}

// CookieSource seeds a new session with cookies obtained elsewhere, e.g. a real browser.
type CookieSource interface {
	Cookies(ctx context.Context, target Target, proxy *models.Proxy) ([]*http.Cookie, error)
}

// Handshaker creates sessions by loading a warm-up product page and caching its token.
type Handshaker struct {
	target       Target
	timeout      time.Duration
	newTransport func(proxy *models.Proxy) http.RoundTripper
	cookies      CookieSource
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

type HandshakerOption func(*Handshaker)

// WithTransport overrides how a session's round tripper is built.
func WithTransport(fn func(proxy *models.Proxy) http.RoundTripper) HandshakerOption {
	return func(h *Handshaker) {
		h.newTransport = fn
	}
}

func WithCookieSource(cs CookieSource) HandshakerOption {
	return func(h *Handshaker) {
		h.cookies = cs
	}
}

func WithMetrics(m *metrics.Metrics) HandshakerOption {
	return func(h *Handshaker) {
		h.metrics = m
	}
}

func NewHandshaker(target Target, timeout time.Duration, logger *slog.Logger, opts ...HandshakerOption) *Handshaker {
	h := &Handshaker{
		target:       target,
		timeout:      timeout,
		newTransport: DefaultTransport,
		logger:       logger.With("component", "handshake"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DefaultTransport gives every session its own connection pool, routed through proxy when set.
func DefaultTransport(proxy *models.Proxy) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 4
	t.IdleConnTimeout = 90 * time.Second
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy.URL())
	}
	return t
}

func (h *Handshaker) newSession(id string, proxy *models.Proxy) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		client: &http.Client{
			Transport: h.newTransport(proxy),
			Jar:       jar,
			Timeout:   h.timeout,
		},
		jar:     jar,
		proxy:   proxy,
		target:  h.target,
		metrics: h.metrics,
		state:   StateWarming,
	}, nil
}

// Create runs the handshake for a fresh identity.
func (h *Handshaker) Create(ctx context.Context, proxy *models.Proxy) (*Session, error) {
	s, err := h.newSession(uuid.NewString(), proxy)
	if err != nil {
		return nil, err
	}

	if h.cookies != nil {
		cookies, err := h.cookies.Cookies(ctx, h.target, proxy)
		if err != nil {
			h.logger.Warn("browser warm-up failed, continuing without seeded cookies",
				"session_id", s.ID,
				"error", err)
		} else {
			s.jar.SetCookies(h.target.rootURL(), cookies)
		}
	}

	if err := h.Validate(ctx, s); err != nil {
		s.Close()
		return nil, err
	}

	h.logger.Debug("session created", "session_id", s.ID, "proxy", proxyLabel(proxy))
	return s, nil
}

// Validate reloads the warm-up page and refreshes the cached token.
func (h *Handshaker) Validate(ctx context.Context, s *Session) error {
	body, err := s.Get(ctx, "warmup", ProductPath(h.target.WarmupASIN), nil)
	if err != nil {
		return err
	}

	token, err := parser.ExtractPageToken(body)
	if err != nil {
		return scrapeerr.Invalidated("missing_token", err)
	}
	s.SetToken(token)
	return nil
}

// Snapshot captures what is needed to rebuild the session later.
func (h *Handshaker) Snapshot(s *Session) Record {
	rec := Record{
		ID:       s.ID,
		Token:    s.Token(),
		Location: s.Location(),
		SavedAt:  time.Now(),
	}
	if s.proxy != nil {
		p := *s.proxy
		rec.Proxy = &p
	}
	for _, c := range s.Cookies() {
		rec.Cookies = append(rec.Cookies, CookieRecord{Name: c.Name, Value: c.Value})
	}
	return rec
}

// Restore rebuilds a session from a cached record. It still needs validating.
func (h *Handshaker) Restore(rec Record) (*Session, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("cached session has no id")
	}

	s, err := h.newSession(rec.ID, rec.Proxy)
	if err != nil {
		return nil, err
	}

	cookies := make([]*http.Cookie, 0, len(rec.Cookies))
	for _, c := range rec.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	s.jar.SetCookies(h.target.rootURL(), cookies)
	s.token = rec.Token
	s.location = rec.Location
	return s, nil
}

func proxyLabel(p *models.Proxy) string {
	if p == nil {
		return "direct"
	}
	return p.String()
}
