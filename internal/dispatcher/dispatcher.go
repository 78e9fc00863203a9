// Package dispatcher runs submitted work on a fixed pool of workers fed by
// a bounded queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	queueMemory "github.com/JakeFAU/distributed-scraper/internal/queue/memory"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("dispatcher closed")

type job func()

// Dispatcher fans out queued jobs to a fixed number of workers. The size is
// set at construction and never changes.
type Dispatcher struct {
	queue  *queueMemory.Queue[job]
	size   int
	wg     sync.WaitGroup
	once   sync.Once
	logger *zap.Logger
}

// New starts size workers reading from a queue of the given depth.
func New(size, depth int, logger *zap.Logger) (*Dispatcher, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if depth < 0 {
		return nil, fmt.Errorf("queue depth must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:  queueMemory.NewQueue[job](depth),
		size:   size,
		logger: logger,
	}
	for i := 0; i < size; i++ {
		d.wg.Add(1)
		go d.run(i)
	}
	return d, nil
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return d.size
}

func (d *Dispatcher) run(index int) {
	defer d.wg.Done()
	for {
		next, err := d.queue.Dequeue(context.Background())
		if err != nil {
			d.logger.Debug("worker stopped", zap.Int("index", index))
			return
		}
		next()
	}
}

// Close stops accepting work, lets workers finish everything already
// queued, and waits for them to exit.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.queue.Close()
		d.wg.Wait()
	})
}

// Future is the pending result of a submitted function.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is ready or ctx ends. When ctx ends first
// the job keeps its worker until it returns; its result is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func failed[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Submit queues fn on d. A saturated pool makes Submit wait for queue space
// until ctx ends. Panics inside fn are returned as errors.
func Submit[T any](ctx context.Context, d *Dispatcher, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	err := d.queue.Enqueue(ctx, func() {
		defer close(f.done)
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		var catcher panics.Catcher
		catcher.Try(func() {
			f.value, f.err = fn(ctx)
		})
		if rec := catcher.Recovered(); rec != nil {
			f.err = rec.AsError()
		}
	})
	if errors.Is(err, queueMemory.ErrClosed) {
		return failed[T](ErrClosed)
	}
	if err != nil {
		return failed[T](fmt.Errorf("dispatch: %w", err))
	}
	return f
}
