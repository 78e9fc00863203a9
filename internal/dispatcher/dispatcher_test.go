// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T, size, depth int) *Dispatcher {
	t.Helper()
	d, err := New(size, depth, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

// TestSubmitReturnsValue ensures a submitted function's result reaches the future.
func TestSubmitReturnsValue(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, 2, 4)
	f := Submit(context.Background(), d, func(context.Context) (int, error) {
		return 42, nil
	})
	got, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

// TestSubmitRecoversPanics ensures a panicking job yields an error, not a crash.
func TestSubmitRecoversPanics(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, 1, 1)
	f := Submit(context.Background(), d, func(context.Context) (string, error) {
		panic("boom")
	})
	_, err := f.Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected recovered panic error, got %v", err)
	}

	// The worker must survive the panic.
	next := Submit(context.Background(), d, func(context.Context) (string, error) {
		return "alive", nil
	})
	if got, err := next.Await(context.Background()); err != nil || got != "alive" {
		t.Fatalf("expected worker to keep running, got %q err=%v", got, err)
	}
}

// TestPoolSizeBoundsConcurrency ensures no more than Size jobs run at once.
func TestPoolSizeBoundsConcurrency(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, 3, 16)
	var running, peak atomic.Int32
	futures := make([]*Future[struct{}], 0, 12)
	for i := 0; i < 12; i++ {
		futures = append(futures, Submit(context.Background(), d, func(context.Context) (struct{}, error) {
			now := running.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return struct{}{}, nil
		}))
	}
	for _, f := range futures {
		if _, err := f.Await(context.Background()); err != nil {
			t.Fatalf("Await() error = %v", err)
		}
	}
	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent jobs, saw %d", peak.Load())
	}
}

// TestAwaitTimeoutLeavesJobRunning ensures Await honors its context.
func TestAwaitTimeoutLeavesJobRunning(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, 1, 1)
	release := make(chan struct{})
	f := Submit(context.Background(), d, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if got, err := f.Await(context.Background()); err != nil || got != 1 {
		t.Fatalf("expected job to finish later, got %d err=%v", got, err)
	}
}

// TestCloseDrainsQueuedWork ensures queued jobs complete before Close returns.
func TestCloseDrainsQueuedWork(t *testing.T) {
	t.Parallel()

	d, err := New(1, 8, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		Submit(context.Background(), d, func(context.Context) (int, error) {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return 0, nil
		})
	}
	d.Close()
	if done.Load() != 5 {
		t.Fatalf("expected 5 drained jobs, got %d", done.Load())
	}

	f := Submit(context.Background(), d, func(context.Context) (int, error) { return 0, nil })
	if _, err := f.Await(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

// TestNewValidatesSize rejects empty pools.
func TestNewValidatesSize(t *testing.T) {
	t.Parallel()

	if _, err := New(0, 1, nil); err == nil {
		t.Fatal("expected error for zero size")
	}
}
