package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/sync/semaphore"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
	"github.com/maltedev/amazon-offer-crawler/internal/parser"
	"github.com/maltedev/amazon-offer-crawler/internal/session"
)

var errChallenge = errors.New("browser warm-up hit a challenge page")

// Browser owns one Chromium process and hands out short-lived contexts.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	slots   *semaphore.Weighted
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	TimezoneID     string
	AcceptLanguage string
	// Concurrency caps simultaneously open contexts.
	Concurrency int
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Locale:         "en-US",
		TimezoneID:     "America/New_York",
		AcceptLanguage: "en-US,en;q=0.9",
		Concurrency:    2,
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		opts:    opts,
		slots:   semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:  logger.With("component", "browser"),
	}, nil
}

// Cookies loads the warm-up product page in a fresh context, routed through
// proxy when set, and returns the cookies the storefront issued.
func (b *Browser) Cookies(ctx context.Context, target session.Target, proxy *models.Proxy) ([]*http.Cookie, error) {
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.slots.Release(1)

	bctx, err := b.browser.NewContext(b.contextOptions(target, proxy))
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	url := target.URL(session.ProductPath(target.WarmupASIN))
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(navigationTimeout(ctx, b.opts.Timeout)),
	}); err != nil {
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}
	if parser.IsChallengePage(content) {
		return nil, errChallenge
	}

	cookies, err := bctx.Cookies(target.URL("/"))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	b.logger.Debug("harvested browser cookies", "count", len(cookies), "proxy", proxyServer(proxy))
	return toHTTPCookies(cookies), nil
}

func (b *Browser) contextOptions(target session.Target, proxy *models.Proxy) playwright.BrowserNewContextOptions {
	userAgent := b.opts.UserAgent
	if target.UserAgent != "" {
		userAgent = target.UserAgent
	}
	language := b.opts.AcceptLanguage
	if target.AcceptLanguage != "" {
		language = target.AcceptLanguage
	}

	opts := playwright.BrowserNewContextOptions{
		UserAgent:         &userAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &b.opts.Locale,
		TimezoneId:        &b.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
		ExtraHttpHeaders: map[string]string{
			"Accept-Language": language,
		},
	}
	if proxy != nil {
		opts.Proxy = toPlaywrightProxy(proxy)
	}
	return opts
}

func (b *Browser) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

func toPlaywrightProxy(p *models.Proxy) *playwright.Proxy {
	out := &playwright.Proxy{Server: proxyServer(p)}
	if p.Username != "" {
		out.Username = playwright.String(p.Username)
		out.Password = playwright.String(p.Password)
	}
	return out
}

func proxyServer(p *models.Proxy) string {
	if p == nil {
		return "direct"
	}
	return "http://" + p.String()
}

func toHTTPCookies(cookies []playwright.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		// session cookies report -1
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

// navigationTimeout is the page timeout in milliseconds, bounded by ctx's deadline.
func navigationTimeout(ctx context.Context, fallback time.Duration) float64 {
	timeout := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	return float64(timeout.Milliseconds())
}
