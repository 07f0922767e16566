package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Handle tracks one submitted batch.
type Handle struct {
	id             string
	uid            uuid.UUID
	items          []rank.ItemID
	perItemTimeout time.Duration
	acquireTimeout time.Duration
	submittedAt    time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	span   trace.Span

	stream chan rank.Result
	done   chan struct{}
	// pubWG counts recorded results whose events are still being published.
	pubWG sync.WaitGroup

	mu          sync.Mutex
	states      []rank.State
	sessions    []string
	startedAt   []time.Time
	results     []rank.Result
	resolved    []bool
	counts      rank.Counts
	status      rank.BatchStatus
	cutoffCause error
	finished    bool
	finishedAt  time.Time
}

func newHandle(uid uuid.UUID, items []rank.ItemID, perItem, acquire time.Duration) *Handle {
	n := len(items)
	states := make([]rank.State, n)
	for i := range states {
		states[i] = rank.StatePending
	}
	return &Handle{
		id:             uid.String(),
		uid:            uid,
		items:          append([]rank.ItemID(nil), items...),
		perItemTimeout: perItem,
		acquireTimeout: acquire,
		submittedAt:    time.Now().UTC(),
		stream:         make(chan rank.Result, n),
		done:           make(chan struct{}),
		states:         states,
		sessions:       make([]string, n),
		startedAt:      make([]time.Time, n),
		results:        make([]rank.Result, n),
		resolved:       make([]bool, n),
		counts:         rank.Counts{Total: n, Pending: n},
		status:         rank.BatchRunning,
	}
}

// ID returns the batch UUID.
func (h *Handle) ID() string { return h.id }

// Done is closed once every item has a result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Results streams each item's result exactly once, in completion order, and is
// closed when the batch completes. It is buffered to the batch size so an
// absent reader never stalls the batch.
func (h *Handle) Results() <-chan rank.Result { return h.stream }

// Cancel cuts the batch off. Unresolved items fail with batch_cancelled.
func (h *Handle) Cancel() {
	h.cancel(rank.ErrBatchCancelled)
}

// Wait blocks until the batch completes or ctx ends. The summary is returned
// in both cases; it is partial when ctx ended first.
func (h *Handle) Wait(ctx context.Context) (rank.Summary, error) {
	select {
	case <-h.done:
		return h.Summary(), nil
	case <-ctx.Done():
		return h.Summary(), fmt.Errorf("wait for batch %s: %w", h.id, ctx.Err())
	}
}

// State reports where an item currently is.
func (h *Handle) State(id rank.ItemID) (rank.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, item := range h.items {
		if item == id {
			return h.states[i], true
		}
	}
	return "", false
}

// Summary returns the batch counters and the results recorded so far, in
// submission order.
func (h *Handle) Summary() rank.Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := rank.Summary{
		BatchID:     h.id,
		Status:      h.status,
		Counts:      h.counts,
		SubmittedAt: h.submittedAt,
		Results:     make([]rank.Result, 0, len(h.items)-h.counts.Pending),
	}
	for i, ok := range h.resolved {
		if ok {
			out.Results = append(out.Results, h.results[i])
		}
	}
	if h.finished {
		at := h.finishedAt
		out.FinishedAt = &at
	}
	return out
}

// transition moves item i to next. It reports false when the item already
// resolved, which happens when the batch was cut off.
func (h *Handle) transition(i int, next rank.State, sessionID string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved[i] || !h.states[i].CanTransition(next) {
		return false
	}
	h.states[i] = next
	if next == rank.StateAcquiring {
		h.startedAt[i] = now
	}
	if sessionID != "" {
		h.sessions[i] = sessionID
	}
	return true
}

// recordLocked stores the first result for item i. It reports whether res was
// recorded and whether it was the batch's last. Every recorded result adds one
// to pubWG; the caller publishes it and calls Done.
func (h *Handle) recordLocked(i int, res rank.Result, now time.Time) (rank.Result, bool, bool) {
	if h.resolved[i] {
		return rank.Result{}, false, false
	}
	res.ItemID = h.items[i]
	res.SessionID = h.sessions[i]
	res.StartedAt = h.startedAt[i]
	if res.StartedAt.IsZero() {
		res.StartedAt = now
	}
	res.FinishedAt = now

	h.resolved[i] = true
	h.states[i] = rank.StateFor(res.Outcome)
	h.results[i] = res
	h.counts.Add(res.Outcome)
	if h.cutoffCause == nil {
		switch res.Kind {
		case rank.KindBatchDeadlineExceeded:
			h.cutoffCause = rank.ErrBatchDeadlineExceeded
		case rank.KindBatchCancelled:
			h.cutoffCause = rank.ErrBatchCancelled
		}
	}
	h.pubWG.Add(1)
	h.stream <- res

	if h.counts.Pending > 0 {
		return res, true, false
	}
	h.finishLocked(now)
	return res, true, true
}

func (h *Handle) finishLocked(now time.Time) {
	switch {
	case h.cutoffCause == nil:
		h.status = rank.BatchCompleted
	case errors.Is(h.cutoffCause, rank.ErrBatchDeadlineExceeded):
		h.status = rank.BatchPartial
	default:
		h.status = rank.BatchCancelled
	}
	h.finished = true
	h.finishedAt = now
	close(h.stream)
	close(h.done)
}
