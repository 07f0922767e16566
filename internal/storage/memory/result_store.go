package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// ResultStore keeps item results per batch.
type ResultStore struct {
	mu      sync.RWMutex
	results map[uuid.UUID]map[rank.ItemID]rank.Result
}

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[uuid.UUID]map[rank.ItemID]rank.Result)}
}

// UpsertResult stores res, replacing any earlier result for the same item.
func (s *ResultStore) UpsertResult(_ context.Context, batchID uuid.UUID, res rank.Result) error {
	if res.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.results[batchID]
	if !ok {
		items = make(map[rank.ItemID]rank.Result)
		s.results[batchID] = items
	}
	res.Payload = append([]byte(nil), res.Payload...)
	items[res.ItemID] = res
	return nil
}

// ListResults returns results ordered by finish time then item ID.
// A non-positive limit returns everything after offset.
func (s *ResultStore) ListResults(_ context.Context, batchID uuid.UUID, limit, offset int) ([]rank.Result, error) {
	s.mu.RLock()
	items := s.results[batchID]
	out := make([]rank.Result, 0, len(items))
	for _, res := range items {
		out = append(out, res)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.Before(out[j].FinishedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	if offset >= len(out) {
		return []rank.Result{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
