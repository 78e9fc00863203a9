package scrape

import (
	"errors"
	"fmt"
)

// ErrRateLimited marks an admission that could not be granted.
var ErrRateLimited = errors.New("rate limited")

// ScrapingError reports a failed fetch or a rejected request URL. It fails
// the owning task.
type ScrapingError struct {
	URL string
	Err error
}

func (e *ScrapingError) Error() string {
	return fmt.Sprintf("scrape %s: %v", e.URL, e.Err)
}

func (e *ScrapingError) Unwrap() error {
	return e.Err
}

// InvalidURLError is raised before any I/O when a URL lacks an http(s)
// scheme or a host. It always travels inside a ScrapingError.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// NewInvalidURL wraps an InvalidURLError in a ScrapingError.
func NewInvalidURL(url, reason string) error {
	return &ScrapingError{URL: url, Err: &InvalidURLError{URL: url, Reason: reason}}
}

// ProcessingError reports a failed screenshot, performance or thumbnail
// sub-job. It is confined to the field of the sub-job that raised it.
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
