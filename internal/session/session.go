package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/maltedev/amazon-offer-crawler/internal/metrics"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/parser"
	"github.com/maltedev/amazon-offer-crawler/internal/scrapeerr"
)

// State is a session's position in the pool lifecycle.
type State string

const (
	StateWarming    State = "warming"
	StateIdle       State = "idle"
	StateInUse      State = "in_use"
	StateRefreshing State = "refreshing"
	StateDiscarded  State = "discarded"
)

const maxBodySize = 8 << 20

// Session is one cookie-bearing client identity with its own delivery location.
// Lifecycle fields are owned by the Pool; token and location are owned by the
// task currently holding the session.
type Session struct {
	ID        string
	CreatedAt time.Time

	client  *http.Client
	jar     http.CookieJar
	proxy   *models.Proxy
	target  Target
	metrics *metrics.Metrics

	// guarded by Pool.mu
	state               State
	consecutiveFailures int
	successes           int
	attempts            int
	lastUsed            time.Time
	lastValidated       time.Time

	mu       sync.Mutex
	token    string
	location string
}

func (s *Session) Proxy() *models.Proxy {
	return s.proxy
}

// Token returns the cached anti-forgery token of the product page.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Location returns the zip code the storefront currently delivers to for this session.
func (s *Session) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *Session) SetLocation(zip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = zip
}

// Cookies returns the cookies the jar would send to the storefront.
func (s *Session) Cookies() []*http.Cookie {
	return s.jar.Cookies(s.target.rootURL())
}

// URL resolves a storefront path to an absolute URL.
func (s *Session) URL(path string) string {
	return s.target.URL(path)
}

// Get fetches a storefront path and returns the body. op names the request in errors and metrics.
func (s *Session) Get(ctx context.Context, op, path string, header http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.target.base()+path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return s.do(op, req, header)
}

// PostJSON posts payload as JSON and returns the body.
func (s *Session) PostJSON(ctx context.Context, op, path string, payload any, header http.Header) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target.base()+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	return s.do(op, req, header)
}

func (s *Session) do(op string, req *http.Request, header http.Header) (string, error) {
	req.Header.Set("User-Agent", s.target.UserAgent)
	req.Header.Set("Accept-Language", s.target.AcceptLanguage)
	for key, values := range header {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			s.metrics.IncRequest(op, "canceled")
			return "", ctxErr
		}
		s.metrics.IncRequest(op, "transport_error")
		return "", scrapeerr.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		s.metrics.IncRequest(op, "transport_error")
		return "", scrapeerr.Transient(op, fmt.Errorf("failed to read body: %w", err))
	}
	body := string(data)

	if err := classify(op, resp.StatusCode, req.URL.String(), body); err != nil {
		s.metrics.IncRequest(op, scrapeerr.Label(err))
		return "", err
	}

	s.metrics.IncRequest(op, "ok")
	return body, nil
}

// classify maps a response onto the error taxonomy. Challenge pages win over status codes.
func classify(op string, code int, url, body string) error {
	if parser.IsChallengePage(body) {
		return scrapeerr.Invalidated("challenge", fmt.Errorf("%s returned a challenge page", op))
	}

	status := &scrapeerr.StatusError{Code: code, URL: url}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return scrapeerr.Transient(op, status)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return scrapeerr.Invalidated("forbidden", status)
	case code >= 400:
		return status
	}
	return nil
}

// Close drops pooled connections. The session must not be used afterwards.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}
