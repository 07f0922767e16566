package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ResultRepository persists terminal item results keyed by (batch, item).
type ResultRepository interface {
	// UpsertResult stores res for the batch. Writing the same item twice
	// replaces the earlier row.
	UpsertResult(ctx context.Context, batchID uuid.UUID, res rank.Result) error
	// ListResults returns results for one batch ordered by finish time.
	ListResults(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]rank.Result, error)
}

// BatchRepository keeps batch summaries (status and counters, no results).
type BatchRepository interface {
	PutBatch(ctx context.Context, summary rank.Summary) error
	// GetBatch loads a summary or returns ErrNotFound.
	GetBatch(ctx context.Context, batchID uuid.UUID) (rank.Summary, error)
}
