// Package redis provides a Redis-backed envelope cache with native TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "scrape:result:"

// Client is the subset of *redis.Client the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Config configures key layout and expiry.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// Cache stores envelopes as JSON under prefix+hash(url).
type Cache struct {
	client Client
	hasher scrape.Hasher
	cfg    Config
}

// New constructs a Cache.
func New(client Client, hasher scrape.Hasher, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	return &Cache{client: client, hasher: hasher, cfg: cfg}, nil
}

func (c *Cache) key(url string) (string, error) {
	digest, err := c.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash cache key: %w", err)
	}
	return c.cfg.Prefix + digest, nil
}

// Get returns the envelope stored for url, if any.
func (c *Cache) Get(ctx context.Context, url string) (scrape.Envelope, bool, error) {
	key, err := c.key(url)
	if err != nil {
		return scrape.Envelope{}, false, err
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return scrape.Envelope{}, false, nil
	}
	if err != nil {
		return scrape.Envelope{}, false, fmt.Errorf("redis get: %w", err)
	}
	var env scrape.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return scrape.Envelope{}, false, fmt.Errorf("decode cached envelope: %w", err)
	}
	return env, true, nil
}

// Set stores value with the configured TTL.
func (c *Cache) Set(ctx context.Context, url string, value scrape.Envelope) error {
	key, err := c.key(url)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (c *Cache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.cfg.Prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
