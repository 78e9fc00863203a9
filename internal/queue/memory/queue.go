// Package memory provides the bounded FIFO that feeds the worker pools.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once the
// queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO with context-aware blocking operations.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewQueue returns a queue buffering up to depth items. A depth of zero
// makes every Enqueue wait for a receiver.
func NewQueue[T any](depth int) *Queue[T] {
	return &Queue[T]{
		ch:   make(chan T, max(depth, 0)),
		done: make(chan struct{}),
	}
}

// Enqueue adds item, waiting for space until ctx ends or the queue closes.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	}
}

// Dequeue removes the oldest item. Items accepted before Close are still
// delivered; after that it returns ErrClosed.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Len reports how many items are buffered.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close rejects further items and wakes blocked senders. It is safe to call
// more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.ch)
	})
}
