package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

func newTestStore(t *testing.T) *ResultStore {
	t.Helper()
	s, err := NewResultStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResultStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	batchID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()

	first := rank.Result{
		ItemID:     "1",
		Outcome:    rank.OutcomeSucceeded,
		Payload:    []byte(`{"text":"company profile"}`),
		SessionID:  "0.0",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
	}
	second := rank.Failure("2", rank.ErrBatchDeadlineExceeded)
	second.FinishedAt = start.Add(5 * time.Second)

	require.NoError(t, s.UpsertResult(ctx, batchID, second))
	require.NoError(t, s.UpsertResult(ctx, batchID, first))
	require.NoError(t, s.UpsertResult(ctx, uuid.New(), first))

	got, err := s.ListResults(ctx, batchID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, first.ItemID, got[0].ItemID)
	require.Equal(t, first.StartedAt, got[0].StartedAt)
	require.JSONEq(t, string(first.Payload), string(got[0].Payload))
	require.Equal(t, rank.OutcomeTimedOut, got[1].Outcome)
	require.Equal(t, rank.KindBatchDeadlineExceeded, got[1].Kind)
	require.True(t, got[1].StartedAt.IsZero())
}

func TestResultStoreUpsertReplaces(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	batchID := uuid.New()

	res := rank.Failure("9", rank.ErrExecutionFailure)
	res.FinishedAt = time.Now().UTC()
	require.NoError(t, s.UpsertResult(ctx, batchID, res))
	res = rank.Success("9", []byte(`{}`))
	res.FinishedAt = time.Now().UTC()
	require.NoError(t, s.UpsertResult(ctx, batchID, res))

	got, err := s.ListResults(ctx, batchID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rank.OutcomeSucceeded, got[0].Outcome)
}

func TestResultStorePagination(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	batchID := uuid.New()
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []rank.ItemID{"a", "b", "c"} {
		res := rank.Success(id, nil)
		res.FinishedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.UpsertResult(ctx, batchID, res))
	}

	page, err := s.ListResults(ctx, batchID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, rank.ItemID("b"), page[0].ItemID)
}

func TestNewResultStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewResultStore("")
	require.Error(t, err)
}
