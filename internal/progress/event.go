package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchSubmitted Stage = "BATCH_SUBMITTED"
	StageBatchDone      Stage = "BATCH_DONE"
	StageItemState      Stage = "ITEM_STATE"
	StageItemResult     Stage = "ITEM_RESULT"
)

// Event captures a single milestone of batch progress.
type Event struct {
	// BatchID uniquely identifies a batch using the 16-byte UUID form.
	BatchID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// ItemID scopes item events to one work item.
	ItemID rank.ItemID
	// State is the state an item entered (ITEM_STATE only).
	State rank.State
	// SessionID names the session serving the item, when one was acquired.
	SessionID string
	// Result carries the terminal record for ITEM_RESULT events.
	Result *rank.Result
	// Summary carries batch counters for batch events.
	Summary *rank.Summary
	// Dur captures item latency or total batch time.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == [16]byte{} {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchSubmitted, StageBatchDone:
		if e.Summary == nil {
			return fmt.Errorf("%s requires summary", e.Stage)
		}
	case StageItemState:
		if e.ItemID == "" {
			return errors.New("item state requires item id")
		}
		if e.State == "" {
			return errors.New("item state requires state")
		}
	case StageItemResult:
		if e.Result == nil || e.Result.ItemID == "" {
			return errors.New("item result requires result with item id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// BatchUUID converts the binary batch ID to uuid.UUID for repositories.
func (e Event) BatchUUID() uuid.UUID {
	return uuid.UUID(e.BatchID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
