// Package server builds the scrape and processing tiers from configuration
// and runs them until their context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/api"
	memorycache "github.com/JakeFAU/distributed-scraper/internal/cache/memory"
	rediscache "github.com/JakeFAU/distributed-scraper/internal/cache/redis"
	"github.com/JakeFAU/distributed-scraper/internal/clock/system"
	"github.com/JakeFAU/distributed-scraper/internal/config"
	"github.com/JakeFAU/distributed-scraper/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/distributed-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/distributed-scraper/internal/hash/sha256"
	"github.com/JakeFAU/distributed-scraper/internal/id/uuid"
	"github.com/JakeFAU/distributed-scraper/internal/orchestrator"
	"github.com/JakeFAU/distributed-scraper/internal/parser"
	"github.com/JakeFAU/distributed-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/distributed-scraper/internal/processing"
	memorypublisher "github.com/JakeFAU/distributed-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/distributed-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/task"
	"github.com/JakeFAU/distributed-scraper/internal/wire"
)

const readyDialTimeout = 2 * time.Second

// ScrapeApp is the front tier: HTTP API, task manager and orchestrator.
type ScrapeApp struct {
	cfg          config.Config
	logger       *zap.Logger
	orch         *orchestrator.Orchestrator
	cpu          *dispatcher.Dispatcher
	cache        scrape.Cache
	apiServer    *api.Server
	pubsubClient *pubsub.Client
	pubsubTopic  *gcppublisher.Publisher
	redisClient  *goredis.Client
}

// BuildScrape wires the front tier from cfg.
func BuildScrape(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ScrapeApp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &ScrapeApp{cfg: cfg, logger: logger}
	logger.Info("building scrape tier",
		zap.String("listen", cfg.ListenAddr()),
		zap.String("processor", cfg.ProcessorAddr()),
		zap.Bool("cache", cfg.Cache.Enabled),
	)

	clock := system.New()
	var err error
	app.cache, err = app.setupCache(ctx, clock)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.cpu, err = dispatcher.New(cfg.Scraper.CPUWorkers, cfg.Scraper.CPUQueueDepth, logger.Named("cpu_pool"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("cpu pool init failed: %w", err)
	}

	p := parser.New()
	app.orch, err = orchestrator.New(orchestrator.Deps{
		Tasks:     task.NewManager(uuid.New(), clock, logger.Named("tasks")),
		Fetcher:   newFetcher(cfg, logger),
		Parser:    p,
		Metadata:  p,
		Processor: processing.NewClient(cfg.ProcessorAddr(), config.Seconds(cfg.Processor.CallTimeoutSeconds), wireOptions(cfg), logger),
		Limiter: ratelimit.New(ratelimit.Config{
			MaxPerWindow: cfg.RateLimit.MaxPerWindow,
			Window:       config.Seconds(cfg.RateLimit.WindowSeconds),
			Slack:        config.Millis(cfg.RateLimit.SlackMs),
		}, clock, logger.Named("ratelimit")),
		Cache:     app.cache,
		CPU:       app.cpu,
		Publisher: publisher,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		app.cpu.Close()
		app.closeInfrastructure()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.orch, api.Options{
		RequestTimeout: config.Seconds(cfg.Server.RequestTimeoutSeconds),
		Ready:          app.processorReachable,
	}, logger)
	return app, nil
}

// Handler returns the instrumented HTTP handler.
func (a *ScrapeApp) Handler() http.Handler {
	return otelhttp.NewHandler(a.apiServer.Handler(), "scraper.api")
}

// Run listens on the configured address and serves until ctx ends.
func (a *ScrapeApp) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx ends, then shuts down the server and
// cancels in-flight tasks.
func (a *ScrapeApp) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(a.cfg.Server.ShutdownTimeoutSeconds))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Close cancels running tasks, clears the result cache and releases clients.
func (a *ScrapeApp) Close(ctx context.Context) error {
	err := a.orch.Shutdown(ctx)
	if err != nil {
		a.logger.Warn("tasks did not stop in time", zap.Error(err))
	}
	a.cpu.Close()
	if a.cache != nil {
		if cErr := a.cache.Clear(ctx); cErr != nil {
			a.logger.Warn("cache clear failed", zap.Error(cErr))
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	return err
}

func (a *ScrapeApp) closeInfrastructure() {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *ScrapeApp) setupCache(ctx context.Context, clock scrape.Clock) (scrape.Cache, error) {
	if !a.cfg.Cache.Enabled {
		a.logger.Info("result cache disabled")
		return nil, nil
	}
	ttl := config.Seconds(a.cfg.Cache.TTLSeconds)
	switch a.cfg.Cache.Backend {
	case config.CacheBackendRedis:
		a.redisClient = goredis.NewClient(&goredis.Options{
			Addr: a.cfg.Cache.RedisAddr,
			DB:   a.cfg.Cache.RedisDB,
		})
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			a.closeInfrastructure()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		cache, err := rediscache.New(a.redisClient, sha256.New(), rediscache.Config{
			Prefix: a.cfg.Cache.Prefix,
			TTL:    ttl,
		})
		if err != nil {
			a.closeInfrastructure()
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.logger.Info("using redis result cache", zap.String("addr", a.cfg.Cache.RedisAddr), zap.Duration("ttl", ttl))
		return cache, nil
	default:
		a.logger.Info("using in-memory result cache", zap.Duration("ttl", ttl))
		return memorycache.New(ttl, clock), nil
	}
}

func (a *ScrapeApp) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultRetain, a.logger.Named("notifications")), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubTopic = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubTopic, nil
}

func (a *ScrapeApp) processorReachable(ctx context.Context) error {
	dialer := net.Dialer{Timeout: readyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.ProcessorAddr())
	if err != nil {
		return fmt.Errorf("processor unreachable: %w", err)
	}
	return conn.Close()
}

func newFetcher(cfg config.Config, logger *zap.Logger) *collyfetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Scraper.UserAgent,
		RespectRobots: cfg.Scraper.RespectRobots,
		Timeout:       config.Seconds(cfg.Scraper.FetchTimeoutSecs),
		Attempts:      cfg.Scraper.Attempts,
		RetryDelay:    config.Millis(cfg.Scraper.RetryDelayMs),
	}, logger)
}

func wireOptions(cfg config.Config) wire.Options {
	return wire.Options{
		Retries:    cfg.Wire.Retries,
		Delay:      config.Millis(cfg.Wire.DelayMs),
		MaxPayload: cfg.Wire.MaxPayloadBytes,
	}
}
