// Package intake pulls batch requests off a queue and runs them through the
// dispatcher with a bound on how many batches run at once.
package intake

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

var (
	// ErrInvalidRequest marks requests that can never succeed and should not be redelivered.
	ErrInvalidRequest = errors.New("invalid batch request")
	// ErrCancelled marks requests whose batch was cancelled while still queued.
	ErrCancelled = errors.New("batch cancelled before it ran")
)

// MaxTimeoutSeconds caps the per-item timeout and batch deadline fields.
const MaxTimeoutSeconds = 7 * 24 * 60 * 60

// Request is the queued form of a batch submission.
type Request struct {
	BatchID               string        `json:"batch_id,omitempty"`
	IDs                   []rank.ItemID `json:"ids"`
	PerItemTimeoutSeconds float64       `json:"per_item_timeout_seconds,omitempty"`
	BatchDeadlineSeconds  float64       `json:"batch_deadline_seconds,omitempty"`
	EnqueuedAt            time.Time     `json:"enqueued_at,omitempty"`
}

// PerItemTimeout converts the seconds field; zero means the dispatcher default.
func (r Request) PerItemTimeout() time.Duration {
	return seconds(r.PerItemTimeoutSeconds)
}

// BatchDeadline converts the seconds field; zero means no deadline.
func (r Request) BatchDeadline() time.Duration {
	return seconds(r.BatchDeadlineSeconds)
}

// Validate rejects negative or oversized timeouts. Empty and duplicate ID
// lists are left to the dispatcher.
func (r Request) Validate() error {
	if err := checkSeconds("per_item_timeout_seconds", r.PerItemTimeoutSeconds); err != nil {
		return err
	}
	return checkSeconds("batch_deadline_seconds", r.BatchDeadlineSeconds)
}

func checkSeconds(field string, v float64) error {
	switch {
	case math.IsNaN(v):
		return fmt.Errorf("%s must be a number: %w", field, ErrInvalidRequest)
	case v < 0:
		return fmt.Errorf("%s must be >= 0: %w", field, ErrInvalidRequest)
	case v > MaxTimeoutSeconds:
		return fmt.Errorf("%s must be <= %d: %w", field, MaxTimeoutSeconds, ErrInvalidRequest)
	}
	return nil
}

func seconds(v float64) time.Duration {
	if !(v > 0) {
		return 0
	}
	return time.Duration(math.Min(v, MaxTimeoutSeconds) * float64(time.Second))
}

// Delivery is one request pulled from a Source. Exactly one of Ack or Nack
// should be called once the request has been handled.
type Delivery struct {
	Request Request
	// Attempt counts deliveries of this request, starting at 1. Zero means the
	// source does not track redeliveries.
	Attempt int
	ack     func()
	nack    func()
}

// NewDelivery builds a Delivery; nil callbacks are treated as no-ops.
func NewDelivery(req Request, ack, nack func()) Delivery {
	return Delivery{Request: req, ack: ack, nack: nack}
}

// Ack confirms the request was handled.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack asks the source to redeliver the request.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}
