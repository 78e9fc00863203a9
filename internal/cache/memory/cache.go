// Package memory provides an in-process TTL cache for scrape envelopes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// DefaultTTL is used when New receives a non-positive TTL.
const DefaultTTL = time.Hour

type entry struct {
	value    scrape.Envelope
	inserted time.Time
}

// Cache maps request URLs to envelopes. Entries expire lazily on lookup;
// nothing else evicts them.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	clock   scrape.Clock
}

// New constructs a Cache.
func New(ttl time.Duration, clock scrape.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the envelope for key while it is younger than the TTL.
// Expired entries are removed.
func (c *Cache) Get(_ context.Context, key string) (scrape.Envelope, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return scrape.Envelope{}, false, nil
	}
	if c.clock.Now().Sub(e.inserted) >= c.ttl {
		delete(c.entries, key)
		return scrape.Envelope{}, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key, replacing any previous entry.
func (c *Cache) Set(_ context.Context, key string, value scrape.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, inserted: c.clock.Now()}
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
