// Package processing implements the back tier: a TCP server that runs the
// screenshot, performance and thumbnail sub-jobs for one URL per connection,
// and the client the scrape tier uses to reach it.
package processing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/dispatcher"
	"github.com/JakeFAU/distributed-scraper/internal/metrics"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/settle"
)

// Sub-job kinds, used as metric labels and span names.
const (
	KindScreenshot  = "screenshot"
	KindPerformance = "performance"
	KindThumbnails  = "thumbnails"
)

// ErrMissingURL rejects a request without a URL.
var ErrMissingURL = errors.New("URL is required")

var tracer = otel.Tracer("github.com/JakeFAU/distributed-scraper/internal/processing")

// Request is the frame sent by the scrape tier.
type Request struct {
	URL string `json:"url"`
}

// Config holds the per-sub-job timeouts.
type Config struct {
	ScreenshotTimeout  time.Duration
	PerformanceTimeout time.Duration
	ThumbnailTimeout   time.Duration
	MaxThumbnails      int
}

// DefaultConfig returns 60s/60s/90s timeouts and five thumbnails.
func DefaultConfig() Config {
	return Config{
		ScreenshotTimeout:  60 * time.Second,
		PerformanceTimeout: 60 * time.Second,
		ThumbnailTimeout:   90 * time.Second,
		MaxThumbnails:      5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScreenshotTimeout <= 0 {
		c.ScreenshotTimeout = d.ScreenshotTimeout
	}
	if c.PerformanceTimeout <= 0 {
		c.PerformanceTimeout = d.PerformanceTimeout
	}
	if c.ThumbnailTimeout <= 0 {
		c.ThumbnailTimeout = d.ThumbnailTimeout
	}
	if c.MaxThumbnails <= 0 {
		c.MaxThumbnails = d.MaxThumbnails
	}
	return c
}

// Coordinator fans one request out to three sub-jobs on a shared pool.
type Coordinator struct {
	pool        *dispatcher.Dispatcher
	renderer    scrape.Renderer
	meter       scrape.PerformanceMeter
	thumbnailer scrape.Thumbnailer
	cfg         Config
	logger      *zap.Logger
}

// NewCoordinator wires the sub-job collaborators to pool.
func NewCoordinator(
	pool *dispatcher.Dispatcher,
	renderer scrape.Renderer,
	meter scrape.PerformanceMeter,
	thumbnailer scrape.Thumbnailer,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pool:        pool,
		renderer:    renderer,
		meter:       meter,
		thumbnailer: thumbnailer,
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("coordinator"),
	}
}

// Handle runs the three sub-jobs and waits for all of them. A failed or
// timed out sub-job turns into an error string in its own field; Handle
// only fails for an invalid request.
func (c *Coordinator) Handle(ctx context.Context, req Request) (scrape.ProcessingResult, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return scrape.ProcessingResult{}, ErrMissingURL
	}
	ctx, span := tracer.Start(ctx, "processing.handle")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	var g settle.Group
	shot := settle.Go(&g, func() (scrape.Field[string], error) {
		return runSubjob(ctx, c, KindScreenshot, c.cfg.ScreenshotTimeout, func(ctx context.Context) (string, error) {
			return c.renderer.Screenshot(ctx, url)
		}), nil
	})
	perf := settle.Go(&g, func() (scrape.Field[scrape.Performance], error) {
		return runSubjob(ctx, c, KindPerformance, c.cfg.PerformanceTimeout, func(ctx context.Context) (scrape.Performance, error) {
			return c.meter.Measure(ctx, url)
		}), nil
	})
	thumbs := settle.Go(&g, func() (scrape.Field[[]scrape.Thumbnail], error) {
		return runSubjob(ctx, c, KindThumbnails, c.cfg.ThumbnailTimeout, func(ctx context.Context) ([]scrape.Thumbnail, error) {
			return c.thumbnailer.Thumbnails(ctx, url, c.cfg.MaxThumbnails)
		}), nil
	})
	g.Wait()

	result := scrape.ProcessingResult{
		Screenshot:  settled(shot),
		Performance: settled(perf),
		Thumbnails:  settled(thumbs),
	}
	c.logger.Info("request processed",
		zap.String("url", url),
		zap.Bool("screenshot_ok", !result.Screenshot.Failed()),
		zap.Bool("performance_ok", !result.Performance.Failed()),
		zap.Bool("thumbnails_ok", !result.Thumbnails.Failed()),
	)
	return result, nil
}

func settled[T any](o *settle.Outcome[scrape.Field[T]]) scrape.Field[T] {
	if !o.OK() {
		return scrape.FieldError[T](o.Err.Error())
	}
	return o.Value
}

// runSubjob submits fn to the pool and waits up to timeout for it. Queue
// wait counts against the timeout.
func runSubjob[T any](
	ctx context.Context,
	c *Coordinator,
	kind string,
	timeout time.Duration,
	fn func(context.Context) (T, error),
) scrape.Field[T] {
	ctx, span := tracer.Start(ctx, "processing."+kind)
	defer span.End()

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := dispatcher.Submit(jobCtx, c.pool, fn).Await(jobCtx)
	metrics.ObserveSubjob(kind, err == nil, time.Since(start))
	if err == nil {
		return scrape.FieldValue(value)
	}

	if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%s timed out after %s", kind, timeout)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Warn("sub-job failed", zap.String("kind", kind), zap.Error(err))
	return scrape.FieldError[T](err.Error())
}
