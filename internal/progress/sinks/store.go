package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/progress"
	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/store"
)

// StoreSink persists item results and batch summaries. Either repository may
// be nil, in which case the matching events are skipped.
type StoreSink struct {
	results store.ResultRepository
	batches store.BatchRepository
	logger  *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repositories.
func NewStoreSink(results store.ResultRepository, batches store.BatchRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{results: results, batches: batches, logger: logger}
}

// Consume writes results in order and keeps only the newest summary per batch,
// which is written after the batch's results. A failed write does not stop the
// rest of the batch; all failures are joined into the returned error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil {
		return nil
	}
	var errs []error
	latest := make(map[[16]byte]rank.Summary)
	var order [][16]byte

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageItemResult:
			if s.results == nil || evt.Result == nil {
				continue
			}
			if err := s.results.UpsertResult(ctx, evt.BatchUUID(), *evt.Result); err != nil {
				s.logger.Warn("persist result failed",
					zap.String("batch_id", evt.BatchUUID().String()),
					zap.String("item_id", evt.Result.ItemID.String()),
					zap.Error(err),
				)
				errs = append(errs, fmt.Errorf("upsert result %s: %w", evt.Result.ItemID, err))
			}
		case progress.StageBatchSubmitted, progress.StageBatchDone:
			if s.batches == nil || evt.Summary == nil {
				continue
			}
			if _, seen := latest[evt.BatchID]; !seen {
				order = append(order, evt.BatchID)
			}
			summary := *evt.Summary
			summary.Results = nil
			latest[evt.BatchID] = summary
		}
	}

	for _, id := range order {
		if err := s.batches.PutBatch(ctx, latest[id]); err != nil {
			errs = append(errs, fmt.Errorf("put batch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
