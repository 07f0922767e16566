package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/store"
)

// BatchStore keeps batch summaries without results.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]rank.Summary
}

// NewBatchStore constructs an empty BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[uuid.UUID]rank.Summary)}
}

// PutBatch stores summary keyed by its batch ID.
func (s *BatchStore) PutBatch(_ context.Context, summary rank.Summary) error {
	id, err := uuid.Parse(summary.BatchID)
	if err != nil {
		return fmt.Errorf("parse batch id: %w", err)
	}
	summary.Results = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[id] = summary
	return nil
}

// GetBatch returns the stored summary or store.ErrNotFound.
func (s *BatchStore) GetBatch(_ context.Context, batchID uuid.UUID) (rank.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.batches[batchID]
	if !ok {
		return rank.Summary{}, store.ErrNotFound
	}
	return summary, nil
}
