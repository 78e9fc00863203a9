// Package ratelimit implements a per-domain sliding window admission gate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/metrics"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// Defaults mirror the scraper's published limits.
const (
	DefaultMaxPerWindow = 15
	DefaultWindow       = time.Minute
	DefaultSlack        = time.Second
)

// Config holds rate limiter configuration.
type Config struct {
	MaxPerWindow int
	Window       time.Duration
	// Slack is added to every computed wait so the oldest entry has aged out.
	Slack time.Duration
}

// Limiter tracks request timestamps per domain within a trailing window.
// It is advisory: a caller over the limit is delayed, never refused.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	cfg     Config
	clock   scrape.Clock
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// New creates a Limiter.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger) *Limiter {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultMaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Slack < 0 {
		cfg.Slack = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		windows: make(map[string][]time.Time),
		cfg:     cfg,
		clock:   clock,
		sleep:   sleepContext,
		logger:  logger,
	}
}

// CanRequest reports whether domain has room in its current window.
func (l *Limiter) CanRequest(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(domain, l.clock.Now())) < l.cfg.MaxPerWindow
}

// RecordRequest appends the current time to domain's window.
func (l *Limiter) RecordRequest(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.windows[domain] = append(l.prune(domain, now), now)
}

// Count returns the number of requests inside domain's current window.
func (l *Limiter) Count(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(domain, l.clock.Now()))
}

// Admit waits until domain has room, then records the request. The wait is
// window - (now - oldest) + slack and is abandoned if ctx ends first.
func (l *Limiter) Admit(ctx context.Context, domain string) (time.Duration, error) {
	wait := l.waitFor(domain)
	if wait > 0 {
		l.logger.Info("rate limit reached, delaying request",
			zap.String("domain", domain),
			zap.Duration("wait", wait),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return wait, fmt.Errorf("rate limit wait: %w", err)
		}
		metrics.ObserveRateLimitDelay(domain, wait)
	}
	l.RecordRequest(domain)
	return wait, nil
}

func (l *Limiter) waitFor(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	window := l.prune(domain, now)
	if len(window) < l.cfg.MaxPerWindow {
		return 0
	}
	oldest := window[0]
	return l.cfg.Window - now.Sub(oldest) + l.cfg.Slack
}

// prune drops timestamps older than the window. Callers hold l.mu.
func (l *Limiter) prune(domain string, now time.Time) []time.Time {
	window := l.windows[domain]
	cut := 0
	for cut < len(window) && now.Sub(window[cut]) >= l.cfg.Window {
		cut++
	}
	if cut > 0 {
		window = append(window[:0:0], window[cut:]...)
		l.windows[domain] = window
	}
	return window
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
