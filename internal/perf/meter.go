// Package perf estimates page load time, transfer size and request count.
package perf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

const (
	defaultUserAgent     = "Mozilla/5.0 Web Scraper Bot"
	defaultTimeout       = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultAttempts      = 3
	defaultMaxHTMLBytes  = 5 << 20
	defaultMaxProbeBytes = 5 << 20
	defaultProbesPerSec  = 10
	streamChunkSize      = 50 << 10
)

// ErrPageTooLarge is returned when the main document exceeds MaxHTMLBytes.
var ErrPageTooLarge = errors.New("page exceeds size limit")

// Config tunes the meter.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	ProbeTimeout    time.Duration
	Attempts        int
	RetryDelay      time.Duration
	MaxHTMLBytes    int64
	MaxProbeBytes   int64
	ProbesPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.MaxHTMLBytes <= 0 {
		c.MaxHTMLBytes = defaultMaxHTMLBytes
	}
	if c.MaxProbeBytes <= 0 {
		c.MaxProbeBytes = defaultMaxProbeBytes
	}
	if c.ProbesPerSecond <= 0 {
		c.ProbesPerSecond = defaultProbesPerSec
	}
	return c
}

// Meter implements scrape.PerformanceMeter.
type Meter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Meter. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Meter {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meter{
		cfg:    cfg.withDefaults(),
		client: client,
		logger: logger.Named("perf"),
		now:    time.Now,
	}
}

// Measure times the main document, then sizes every script, stylesheet,
// image and font it references. Resources that cannot be sized count as
// requests with zero bytes.
func (m *Meter) Measure(ctx context.Context, rawURL string) (scrape.Performance, error) {
	var (
		body    []byte
		elapsed time.Duration
		lastErr error
	)
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		start := m.now()
		body, lastErr = m.getDocument(ctx, rawURL)
		elapsed = m.now().Sub(start)
		if lastErr == nil || errors.Is(lastErr, ErrPageTooLarge) || ctx.Err() != nil {
			break
		}
		m.logger.Warn("performance fetch failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < m.cfg.Attempts {
			if err := sleep(ctx, m.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}
	if lastErr != nil {
		return scrape.Performance{}, &scrape.ProcessingError{Op: "performance", Err: lastErr}
	}

	resources, err := discoverResources(body, rawURL)
	if err != nil {
		return scrape.Performance{}, &scrape.ProcessingError{Op: "performance", Err: err}
	}
	resourceBytes := m.sizeResources(ctx, resources)

	return scrape.Performance{
		LoadTimeMS:  round(float64(elapsed)/float64(time.Millisecond), 2),
		TotalSizeKB: round(float64(int64(len(body))+resourceBytes)/1024, 3),
		NumRequests: 1 + len(resources),
	}, nil
}

func (m *Meter) getDocument(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	resp, err := m.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxHTMLBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > m.cfg.MaxHTMLBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPageTooLarge, m.cfg.MaxHTMLBytes)
	}
	return body, nil
}

// sizeResources sums the byte sizes of urls, pacing probes with a token
// bucket so a page with hundreds of assets does not burst its host.
func (m *Meter) sizeResources(ctx context.Context, urls []string) int64 {
	limiter := rate.NewLimiter(rate.Limit(m.cfg.ProbesPerSecond), 1)
	var total int64
	for _, u := range urls {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		size, err := m.probe(ctx, u)
		if err != nil {
			m.logger.Debug("resource probe failed", zap.String("resource", u), zap.Error(err))
			continue
		}
		total += size
	}
	return total
}

// probe returns Content-Length from a HEAD request, falling back to counting
// a streamed GET capped at MaxProbeBytes.
func (m *Meter) probe(ctx context.Context, resource string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	resp, err := m.do(ctx, http.MethodHead, resource)
	if err == nil {
		_ = resp.Body.Close()
		if n, convErr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); convErr == nil && n > 0 {
			return n, nil
		}
	}

	resp, err = m.do(ctx, http.MethodGet, resource)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	var (
		total int64
		buf   = make([]byte, streamChunkSize)
	)
	for total <= m.cfg.MaxProbeBytes {
		n, readErr := resp.Body.Read(buf)
		total += int64(n)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("stream %s: %w", resource, readErr)
		}
	}
	return total, nil
}

func (m *Meter) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

// discoverResources lists the unique absolute URLs of scripts, stylesheets,
// images and font links in body.
func discoverResources(body []byte, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		parsed, err := url.Parse(ref)
		if err != nil {
			return
		}
		abs := base.ResolveReference(parsed).String()
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""))
	})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""))
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href := s.AttrOr("href", "")
		rel := strings.ToLower(s.AttrOr("rel", ""))
		kind := strings.ToLower(s.AttrOr("type", ""))
		if strings.Contains(rel, "stylesheet") ||
			strings.Contains(strings.ToLower(href), "font") ||
			strings.HasPrefix(kind, "font/") {
			add(href)
		}
	})
	return out, nil
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
