// Package memory provides a bounded in-process request queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/rankgrid/internal/intake"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

type envelope struct {
	req     intake.Request
	attempt int
}

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan envelope
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan envelope, capacity)}
}

// Enqueue pushes a request or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req intake.Request) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- envelope{req: req, attempt: 1}:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (intake.Request, error) {
	env, err := q.next(ctx)
	return env.req, err
}

func (q *Queue) next(ctx context.Context) (envelope, error) {
	select {
	case <-ctx.Done():
		return envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.ch:
		if !ok {
			return envelope{}, ErrClosed
		}
		return env, nil
	}
}

// Receive implements intake.Source. Nacked requests are put back on the
// queue with their attempt count raised when there is room; otherwise they
// are dropped.
func (q *Queue) Receive(ctx context.Context, fn func(context.Context, intake.Delivery)) error {
	for {
		env, err := q.next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		d := intake.NewDelivery(env.req, nil, func() { q.requeue(env) })
		d.Attempt = env.attempt
		fn(ctx, d)
	}
}

// Len reports how many requests are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) requeue(env envelope) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return
	}
	env.attempt++
	select {
	case q.ch <- env:
	default:
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
