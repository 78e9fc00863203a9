package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/config"
	"github.com/JakeFAU/distributed-scraper/internal/dispatcher"
	"github.com/JakeFAU/distributed-scraper/internal/metrics"
	"github.com/JakeFAU/distributed-scraper/internal/perf"
	"github.com/JakeFAU/distributed-scraper/internal/processing"
	"github.com/JakeFAU/distributed-scraper/internal/render"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/thumbnail"
)

// ProcessApp is the back tier: the framed TCP server and its worker pool.
type ProcessApp struct {
	cfg      config.Config
	logger   *zap.Logger
	pool     *dispatcher.Dispatcher
	renderer *render.Renderer
	server   *processing.Server
	metrics  *http.Server
}

// BuildProcess wires the back tier from cfg.
func BuildProcess(_ context.Context, cfg config.Config, logger *zap.Logger) (*ProcessApp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &ProcessApp{cfg: cfg, logger: logger}
	logger.Info("building processing tier",
		zap.String("listen", cfg.ProcessorAddr()),
		zap.Int("pool_size", cfg.Processor.PoolSize),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	var err error
	app.pool, err = dispatcher.New(cfg.Processor.PoolSize, cfg.Processor.QueueDepth, logger.Named("processing_pool"))
	if err != nil {
		return nil, fmt.Errorf("processing pool init failed: %w", err)
	}

	var renderer scrape.Renderer = render.NewNoop()
	if cfg.Headless.Enabled {
		app.renderer, err = render.NewChromedp(render.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Scraper.UserAgent,
			NavigationTimeout: config.Seconds(cfg.Headless.NavTimeoutSec),
			ViewportWidth:     cfg.Headless.ViewportWidth,
			ViewportHeight:    cfg.Headless.ViewportHeight,
			MaxBytes:          int(cfg.Headless.MaxScreenshotBytes),
			Attempts:          cfg.Scraper.Attempts,
			RetryDelay:        config.Millis(cfg.Scraper.RetryDelayMs),
		}, logger)
		if err != nil {
			app.pool.Close()
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		renderer = app.renderer
	} else {
		logger.Warn("headless rendering disabled; screenshots will report an error")
	}

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	meter := perf.New(perf.Config{
		UserAgent:       cfg.Scraper.UserAgent,
		Timeout:         config.Seconds(cfg.Scraper.FetchTimeoutSecs),
		Attempts:        cfg.Scraper.Attempts,
		RetryDelay:      config.Millis(cfg.Scraper.RetryDelayMs),
		MaxHTMLBytes:    cfg.Scraper.MaxPageBytes,
		ProbesPerSecond: float64(cfg.Scraper.ProbesPerSecond),
	}, client, logger)
	thumbs := thumbnail.New(thumbnail.Config{
		MaxHTMLBytes: int(cfg.Scraper.MaxPageBytes),
		Parallelism:  cfg.Scraper.ThumbnailParallel,
		UserAgent:    cfg.Scraper.UserAgent,
	}, newFetcher(cfg, logger), client, logger)

	coord := processing.NewCoordinator(app.pool, renderer, meter, thumbs, processing.Config{
		ScreenshotTimeout:  config.Seconds(cfg.Processor.ScreenshotTimeoutSeconds),
		PerformanceTimeout: config.Seconds(cfg.Processor.PerformanceTimeoutSeconds),
		ThumbnailTimeout:   config.Seconds(cfg.Processor.ThumbnailsTimeoutSeconds),
		MaxThumbnails:      cfg.Processor.MaxThumbnails,
	}, logger)
	app.server = processing.NewServer(coord, processing.ServerConfig{
		ConnDeadline: config.Seconds(cfg.Processor.ConnDeadlineSeconds),
		Wire:         wireOptions(cfg),
	}, logger)

	if cfg.Processor.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		app.metrics = &http.Server{
			Addr:              net.JoinHostPort(cfg.Processor.Host, strconv.Itoa(cfg.Processor.MetricsPort)),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return app, nil
}

// Run listens on the configured processor address and serves until ctx ends.
func (a *ProcessApp) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ProcessorAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ProcessorAddr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts framed requests on ln until ctx ends, then drains in-flight
// connections.
func (a *ProcessApp) Serve(ctx context.Context, ln net.Listener) error {
	if a.metrics != nil {
		go func() {
			a.logger.Info("metrics listener started", zap.String("addr", a.metrics.Addr))
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener error", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("processing server started", zap.String("addr", ln.Addr().String()))
		errCh <- a.server.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, processing.ErrServerClosed) {
			serveErr = err
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(a.cfg.Server.ShutdownTimeoutSeconds))
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Close stops accepting, waits for in-flight requests and releases Chrome.
func (a *ProcessApp) Close(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if err != nil {
		a.logger.Warn("processing server shutdown incomplete", zap.Error(err))
	}
	if a.metrics != nil {
		if mErr := a.metrics.Shutdown(ctx); mErr != nil {
			a.logger.Warn("metrics listener shutdown failed", zap.Error(mErr))
		}
	}
	a.pool.Close()
	if a.renderer != nil {
		a.renderer.Close()
	}
	a.logger.Info("shutdown complete")
	return err
}
