package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/rankgrid/internal/intake"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan intake.Request, 1)
	errCh := make(chan error, 1)

	go func() {
		req, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- req
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), intake.Request{BatchID: "batch-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.BatchID != "batch-1" {
			t.Fatalf("expected batch-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), intake.Request{BatchID: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, intake.Request{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.Enqueue(context.Background(), intake.Request{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected enqueue on closed queue to fail, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}

func TestQueueReceiveRequeuesNacks(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), intake.Request{BatchID: "b", IDs: []rank.ItemID{"1"}}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var (
		mu    sync.Mutex
		seen  int
		ready = make(chan struct{})
	)
	go func() {
		_ = q.Receive(context.Background(), func(_ context.Context, d intake.Delivery) {
			mu.Lock()
			seen++
			n := seen
			mu.Unlock()
			if d.Attempt != n {
				t.Errorf("delivery %d reported attempt %d", n, d.Attempt)
			}
			if n == 1 {
				d.Nack()
				return
			}
			d.Ack()
			close(ready)
		})
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("nacked request was not redelivered")
	}
	q.Close()
}
