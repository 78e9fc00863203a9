package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
)

// tracker owns the background task goroutines. They share one context that
// Shutdown cancels.
type tracker struct {
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	wg       conc.WaitGroup
}

func newTracker() *tracker {
	base, cancel := context.WithCancel(context.Background())
	return &tracker{base: base, cancel: cancel}
}

// Go starts fn unless Shutdown has begun.
func (t *tracker) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping {
		return false
	}
	t.wg.Go(func() { fn(t.base) })
	return true
}

func (t *tracker) closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// Shutdown cancels all tasks and waits for them to return or ctx to end.
func (t *tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
}
