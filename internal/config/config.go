// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCRAPER_SERVER_PORT.
const EnvPrefix = "SCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Wire      WireConfig      `mapstructure:"wire"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the front-tier HTTP server.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
}

// ProcessorConfig controls the back-tier coordinator and how the front tier reaches it.
type ProcessorConfig struct {
	Host                      string `mapstructure:"host"`
	Port                      int    `mapstructure:"port"`
	PoolSize                  int    `mapstructure:"pool_size"`
	QueueDepth                int    `mapstructure:"queue_depth"`
	ConnDeadlineSeconds       int    `mapstructure:"conn_deadline_seconds"`
	ScreenshotTimeoutSeconds  int    `mapstructure:"screenshot_timeout_seconds"`
	PerformanceTimeoutSeconds int    `mapstructure:"performance_timeout_seconds"`
	ThumbnailsTimeoutSeconds  int    `mapstructure:"thumbnails_timeout_seconds"`
	CallTimeoutSeconds        int    `mapstructure:"call_timeout_seconds"`
	MaxThumbnails             int    `mapstructure:"max_thumbnails"`
	MetricsPort               int    `mapstructure:"metrics_port"`
}

// ScraperConfig governs the page fetcher and local parsing.
type ScraperConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	FetchTimeoutSecs  int    `mapstructure:"fetch_timeout_seconds"`
	Attempts          int    `mapstructure:"attempts"`
	RetryDelayMs      int    `mapstructure:"retry_delay_ms"`
	RespectRobots     bool   `mapstructure:"respect_robots"`
	CPUWorkers        int    `mapstructure:"cpu_workers"`
	CPUQueueDepth     int    `mapstructure:"cpu_queue_depth"`
	MaxPageBytes      int64  `mapstructure:"max_page_bytes"`
	ProbesPerSecond   int    `mapstructure:"probes_per_second"`
	ThumbnailParallel int    `mapstructure:"thumbnail_parallelism"`
}

// RateLimitConfig configures the per-domain sliding window.
type RateLimitConfig struct {
	MaxPerWindow  int `mapstructure:"max_per_window"`
	WindowSeconds int `mapstructure:"window_seconds"`
	SlackMs       int `mapstructure:"slack_ms"`
}

// CacheConfig toggles envelope caching and selects its backend.
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	Backend    string `mapstructure:"backend"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	Prefix     string `mapstructure:"prefix"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// WireConfig tunes the framed TCP protocol.
type WireConfig struct {
	Retries         int `mapstructure:"retries"`
	DelayMs         int `mapstructure:"delay_ms"`
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
}

// HeadlessConfig configures the Chrome screenshot renderer.
type HeadlessConfig struct {
	Enabled            bool  `mapstructure:"enabled"`
	MaxParallel        int   `mapstructure:"max_parallel"`
	NavTimeoutSec      int   `mapstructure:"nav_timeout_seconds"`
	ViewportWidth      int   `mapstructure:"viewport_width"`
	ViewportHeight     int   `mapstructure:"viewport_height"`
	MaxScreenshotBytes int64 `mapstructure:"max_screenshot_bytes"`
}

// PubSubConfig holds metadata for task notifications. An empty topic keeps
// notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied Viper, so CLI flags bound to v
// take precedence over file and environment values.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("processor.host", "localhost")
	v.SetDefault("processor.port", 8888)
	v.SetDefault("processor.pool_size", 4)
	v.SetDefault("processor.queue_depth", 64)
	v.SetDefault("processor.conn_deadline_seconds", 95)
	v.SetDefault("processor.screenshot_timeout_seconds", 60)
	v.SetDefault("processor.performance_timeout_seconds", 60)
	v.SetDefault("processor.thumbnails_timeout_seconds", 90)
	v.SetDefault("processor.call_timeout_seconds", 120)
	v.SetDefault("processor.max_thumbnails", 5)
	v.SetDefault("processor.metrics_port", 0)
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 Web Scraper Bot")
	v.SetDefault("scraper.fetch_timeout_seconds", 30)
	v.SetDefault("scraper.attempts", 3)
	v.SetDefault("scraper.retry_delay_ms", 1000)
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.cpu_workers", 4)
	v.SetDefault("scraper.cpu_queue_depth", 64)
	v.SetDefault("scraper.max_page_bytes", 5*1024*1024)
	v.SetDefault("scraper.probes_per_second", 10)
	v.SetDefault("scraper.thumbnail_parallelism", 4)
	v.SetDefault("rate_limit.max_per_window", 15)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.slack_ms", 1000)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.backend", CacheBackendMemory)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.prefix", "scrape:")
	v.SetDefault("wire.retries", 3)
	v.SetDefault("wire.delay_ms", 1000)
	v.SetDefault("wire.max_payload_bytes", 0)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.viewport_width", 1280)
	v.SetDefault("headless.viewport_height", 720)
	v.SetDefault("headless.max_screenshot_bytes", 5*1024*1024)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "distributed-scraper")
	v.SetDefault("telemetry.tracing_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be in 1..65535")
	check(c.Processor.Port > 0 && c.Processor.Port < 65536, "processor.port must be in 1..65535")
	check(c.Processor.Host != "", "processor.host must be set")
	check(c.Processor.PoolSize > 0, "processor.pool_size must be > 0")
	check(c.Processor.CallTimeoutSeconds > 0, "processor.call_timeout_seconds must be > 0")
	check(c.Processor.MaxThumbnails >= 0, "processor.max_thumbnails must be >= 0")
	check(c.Scraper.Attempts > 0, "scraper.attempts must be > 0")
	check(c.Scraper.CPUWorkers > 0, "scraper.cpu_workers must be > 0")
	check(c.Scraper.FetchTimeoutSecs > 0, "scraper.fetch_timeout_seconds must be > 0")
	check(c.RateLimit.MaxPerWindow > 0, "rate_limit.max_per_window must be > 0")
	check(c.RateLimit.WindowSeconds > 0, "rate_limit.window_seconds must be > 0")
	check(c.Wire.Retries > 0, "wire.retries must be > 0")
	check(c.Wire.MaxPayloadBytes >= 0, "wire.max_payload_bytes must be >= 0")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0,
		"headless.max_parallel must be > 0 when headless is enabled")
	if c.Cache.Enabled {
		check(c.Cache.TTLSeconds > 0, "cache.ttl_seconds must be > 0 when cache is enabled")
		switch c.Cache.Backend {
		case CacheBackendMemory:
		case CacheBackendRedis:
			check(c.Cache.RedisAddr != "", "cache.redis_addr must be set for the redis backend")
		default:
			errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, redis", c.Cache.Backend))
		}
	}
	check(c.PubSub.TopicName == "" || c.PubSub.ProjectID != "",
		"pubsub.project_id must be set when pubsub.topic_name is set")
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr is the HTTP listen address of the scrape tier.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ProcessorAddr is the TCP address of the processing tier.
func (c Config) ProcessorAddr() string {
	return net.JoinHostPort(c.Processor.Host, strconv.Itoa(c.Processor.Port))
}

// Seconds converts a whole-second knob to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a millisecond knob to a Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
