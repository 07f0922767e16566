package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/store"
)

func TestResultStoreOrdersAndPages(t *testing.T) {
	t.Parallel()

	s := NewResultStore()
	ctx := context.Background()
	batchID := uuid.New()
	base := time.Unix(1700000000, 0)

	for i, id := range []rank.ItemID{"3", "1", "2"} {
		res := rank.Success(id, []byte(`{}`))
		res.FinishedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.UpsertResult(ctx, batchID, res))
	}
	replaced := rank.Failure("3", rank.ErrExecutionFailure)
	replaced.FinishedAt = base
	require.NoError(t, s.UpsertResult(ctx, batchID, replaced))

	all, err := s.ListResults(ctx, batchID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, rank.ItemID("3"), all[0].ItemID)
	require.Equal(t, rank.OutcomeFailed, all[0].Outcome)

	page, err := s.ListResults(ctx, batchID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, rank.ItemID("2"), page[0].ItemID)

	empty, err := s.ListResults(ctx, batchID, 10, 5)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.Error(t, s.UpsertResult(ctx, batchID, rank.Result{}))
}

func TestBatchStorePutGet(t *testing.T) {
	t.Parallel()

	s := NewBatchStore()
	ctx := context.Background()
	id := uuid.New()

	_, err := s.GetBatch(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	summary := rank.Summary{
		BatchID: id.String(),
		Status:  rank.BatchPartial,
		Counts:  rank.Counts{Total: 2, Succeeded: 1, TimedOut: 1},
		Results: []rank.Result{rank.Success("1", nil)},
	}
	require.NoError(t, s.PutBatch(ctx, summary))

	got, err := s.GetBatch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rank.BatchPartial, got.Status)
	require.Nil(t, got.Results)

	require.Error(t, s.PutBatch(ctx, rank.Summary{BatchID: "not-a-uuid"}))
}
