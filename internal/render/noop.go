package render

import (
	"context"
	"errors"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless rendering disabled")

// Noop implements scrape.Renderer for deployments without Chrome. Every
// screenshot fails, which only affects the screenshot field.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Screenshot always fails.
func (Noop) Screenshot(context.Context, string) (string, error) {
	return "", &scrape.ProcessingError{Op: "screenshot", Err: ErrDisabled}
}
