// Package rank defines the domain types shared by the session pool, the dispatcher and its collaborators.
package rank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ItemID identifies one unit of work. It is opaque to the dispatcher.
type ItemID string

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("item id must not be null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode item id: %w", err)
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode item id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("item id %s is not an integer", n)
	}
	*id = ItemID(n.String())
	return nil
}

// String returns the identifier text.
func (id ItemID) String() string { return string(id) }

// Outcome is the terminal classification of a Result.
type Outcome string

// Result outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result is the terminal record for a single work item.
type Result struct {
	ItemID     ItemID          `json:"item_id"`
	Outcome    Outcome         `json:"outcome"`
	Kind       Kind            `json:"kind,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Success builds a succeeded Result.
func Success(id ItemID, payload json.RawMessage) Result {
	return Result{ItemID: id, Outcome: OutcomeSucceeded, Payload: payload}
}

// Failure builds a failed or timed-out Result from err, classified through KindOf.
func Failure(id ItemID, err error) Result {
	kind := KindOf(err)
	return Result{ItemID: id, Outcome: kind.Outcome(), Kind: kind, Reason: err.Error()}
}

// Duration reports how long the item took once it left Pending.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// State tracks a work item through the dispatcher.
type State string

// Work item states.
const (
	StatePending   State = "pending"
	StateAcquiring State = "acquiring"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next.
// Pending and Acquiring may also jump to a terminal state when the batch is cut off.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateAcquiring || next == StateTimedOut || next == StateFailed
	case StateAcquiring:
		return next == StateRunning || next == StateTimedOut || next == StateFailed
	case StateRunning:
		return next.Terminal()
	default:
		return false
	}
}

// StateFor maps an outcome onto its terminal state.
func StateFor(o Outcome) State {
	switch o {
	case OutcomeSucceeded:
		return StateSucceeded
	case OutcomeTimedOut:
		return StateTimedOut
	default:
		return StateFailed
	}
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

// Batch status values.
const (
	BatchQueued    BatchStatus = "queued"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchCancelled BatchStatus = "cancelled"
)

// Done reports whether the batch reached a final status.
func (s BatchStatus) Done() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchCancelled
}

// Batch is an ordered group of work items submitted together.
type Batch struct {
	ID             string        `json:"batch_id"`
	Items          []ItemID      `json:"ids"`
	PerItemTimeout time.Duration `json:"-"`
	Deadline       time.Duration `json:"-"`
	SubmittedAt    time.Time     `json:"submitted_at"`
}

// Counts tallies results by outcome.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Pending   int `json:"pending"`
}

// Add records one result outcome.
func (c *Counts) Add(o Outcome) {
	switch o {
	case OutcomeSucceeded:
		c.Succeeded++
	case OutcomeTimedOut:
		c.TimedOut++
	default:
		c.Failed++
	}
	if c.Pending > 0 {
		c.Pending--
	}
}

// Summary is the whole-or-partial view of a batch.
type Summary struct {
	BatchID     string      `json:"batch_id"`
	Status      BatchStatus `json:"status"`
	Counts      Counts      `json:"counts"`
	Results     []Result    `json:"results,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// CancelledWhileQueued reports whether the batch was cancelled before any of
// its items resolved, which only happens to batches still waiting in a queue.
func (s Summary) CancelledWhileQueued() bool {
	return s.Status == BatchCancelled && s.Counts.Pending == s.Counts.Total
}
