// Package render captures page screenshots with headless Chrome.
package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 720
	defaultMaxBytes       = 5 << 20
	defaultNavTimeout     = 30 * time.Second
	defaultAttempts       = 3
	defaultUserAgent      = "Mozilla/5.0 Web Scraper Bot"
)

// ErrTooLarge is returned when even the viewport-only capture exceeds the
// configured size.
var ErrTooLarge = errors.New("screenshot exceeds size limit")

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
	MaxBytes          int
	Attempts          int
	RetryDelay        time.Duration
}

// Renderer implements scrape.Renderer using chromedp.
type Renderer struct {
	cfg         Config
	limiter     *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	capture     func(ctx context.Context, url string) ([]byte, error)
}

// NewChromedp creates a renderer backed by a shared Chrome allocator. Chrome
// is launched lazily on the first capture.
func NewChromedp(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = defaultViewportWidth, defaultViewportHeight
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		limiter = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.NoSandbox,
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	r := &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("render"),
	}
	r.capture = r.captureChrome
	return r, nil
}

// Close cancels the allocator context and shuts Chrome down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Screenshot returns a base64 PNG of url. Failed captures are retried with a
// fixed delay; oversized captures are not.
func (r *Renderer) Screenshot(ctx context.Context, url string) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", &scrape.ProcessingError{Op: "screenshot", Err: err}
	}
	defer r.release()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		png, err := r.capture(ctx, url)
		if err == nil {
			return base64.StdEncoding.EncodeToString(png), nil
		}
		lastErr = err
		if errors.Is(err, ErrTooLarge) || ctx.Err() != nil || attempt == r.cfg.Attempts {
			break
		}
		r.logger.Warn("screenshot attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := sleep(ctx, r.cfg.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}
	return "", &scrape.ProcessingError{Op: "screenshot", Err: lastErr}
}

func (r *Renderer) captureChrome(ctx context.Context, url string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var full []byte
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.EmulateViewport(int64(r.cfg.ViewportWidth), int64(r.cfg.ViewportHeight)),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&full, 100),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return fitScreenshot(full, r.cfg.MaxBytes, func() ([]byte, error) {
		var viewport []byte
		if err := chromedp.Run(taskCtx, chromedp.CaptureScreenshot(&viewport)); err != nil {
			return nil, fmt.Errorf("viewport capture: %w", err)
		}
		return viewport, nil
	})
}

// fitScreenshot returns full when it fits in maxBytes, otherwise the result
// of viewport when that fits.
func fitScreenshot(full []byte, maxBytes int, viewport func() ([]byte, error)) ([]byte, error) {
	if len(full) <= maxBytes {
		return full, nil
	}
	reduced, err := viewport()
	if err != nil {
		return nil, err
	}
	if len(reduced) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(reduced), maxBytes)
	}
	return reduced, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("render slot wait canceled: %w", err)
	}
	return nil
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	r.limiter.Release(1)
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
