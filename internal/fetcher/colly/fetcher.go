// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

const (
	// DefaultUserAgent is sent when Config.UserAgent is empty.
	DefaultUserAgent = "Mozilla/5.0 Web Scraper Bot"
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultAttempts is the total number of tries per fetch.
	DefaultAttempts = 3
	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Attempts      int
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Fetcher implements scrape.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
	sleep         func(context.Context, time.Duration) error
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A zero RetryDelay in cfg means no pause between
// attempts; use DefaultRetryDelay for the standard one-second spacing.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Every Clone shares the parent's visited store, so revisits must be allowed
	// for retries and repeated scrapes of the same URL.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg.withDefaults(),
		transport:     transport,
		baseCollector: c,
		logger:        logger.Named("fetcher"),
		sleep:         sleepWithContext,
	}
}

// Fetch validates rawURL and retrieves it, following redirects. Transport
// failures are retried with a fixed delay; HTTP error statuses are returned
// as pages, not errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (scrape.Page, error) {
	if err := ValidateURL(rawURL); err != nil {
		return scrape.Page{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		page, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return scrape.Page{}, &scrape.ScrapingError{URL: rawURL, Err: err}
		}
		f.logger.Warn("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == f.cfg.Attempts {
			break
		}
		if err := f.sleep(ctx, f.cfg.RetryDelay); err != nil {
			return scrape.Page{}, &scrape.ScrapingError{URL: rawURL, Err: err}
		}
	}
	return scrape.Page{}, &scrape.ScrapingError{
		URL: rawURL,
		Err: fmt.Errorf("no response after %d attempts: %w", f.cfg.Attempts, lastErr),
	}
}

// ValidateURL accepts only absolute http and https URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return scrape.NewInvalidURL(rawURL, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return scrape.NewInvalidURL(rawURL, "scheme must be http or https")
	}
	if u.Host == "" {
		return scrape.NewInvalidURL(rawURL, "missing host")
	}
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (scrape.Page, error) {
	var (
		page     scrape.Page
		fetchErr error
	)
	collector := f.buildCollector(rawURL, &page, &fetchErr)
	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return scrape.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) buildCollector(rawURL string, page *scrape.Page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	f.configureCollectorHooks(collector, rawURL, page, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	rawURL string,
	page *scrape.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		finalURL := rawURL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*page = scrape.Page{
			URL:        rawURL,
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			HTML:       string(r.Body),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
