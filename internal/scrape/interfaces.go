package scrape

import (
	"context"
	"time"
)

// Fetcher retrieves a page, following redirects and retrying internally.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// StructureParser extracts title, links, heading counts and image count.
type StructureParser interface {
	ParseStructure(html string, baseURL string) (Structure, error)
}

// MetadataExtractor extracts description, keywords and og:* tags.
type MetadataExtractor interface {
	ExtractMetadata(html string) (map[string]string, error)
}

// Renderer captures a base64-encoded PNG screenshot of a URL.
type Renderer interface {
	Screenshot(ctx context.Context, url string) (string, error)
}

// PerformanceMeter measures load time and page weight.
type PerformanceMeter interface {
	Measure(ctx context.Context, url string) (Performance, error)
}

// Thumbnailer builds thumbnails for up to limit images found on a page.
type Thumbnailer interface {
	Thumbnails(ctx context.Context, url string, limit int) ([]Thumbnail, error)
}

// Processor asks the processing tier for the composite result of a URL.
type Processor interface {
	Process(ctx context.Context, url string) (ProcessingData, error)
}

// Cache memoizes envelopes by request URL.
type Cache interface {
	Get(ctx context.Context, key string) (Envelope, bool, error)
	Set(ctx context.Context, key string, value Envelope) error
	Clear(ctx context.Context) error
}

// RateLimiter gates outbound requests per domain.
type RateLimiter interface {
	Admit(ctx context.Context, domain string) (time.Duration, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
