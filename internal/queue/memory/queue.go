// Package memory provides a queue implementation for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// Queue is a bounded in-memory queue with context-aware operations.
// Negative acknowledgement re-enqueues the item, approximating the
// redelivery behavior of the durable queue.
type Queue struct {
	ch      chan analyzer.QueueItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan analyzer.QueueItem, capacity)}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item analyzer.QueueItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (analyzer.QueueItem, analyzer.AckFunc, error) {
	select {
	case <-ctx.Done():
		return analyzer.QueueItem{}, nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return analyzer.QueueItem{}, nil, errors.New("queue closed")
		}
		ack := func(ok bool) {
			if ok {
				return
			}
			// Best-effort redelivery; drop if the queue is saturated.
			select {
			case q.ch <- item:
			default:
			}
		}
		return item, ack, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
