package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/progress"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// TestStoreSinkPersistsEvents ensures results are written and summaries collapsed per batch.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	results := &fakeResultRepo{}
	batches := &fakeBatchRepo{}
	sink := NewStoreSink(results, batches, nil)
	batchUUID := uuid.New()
	batchID := progress.UUIDToBytes(batchUUID)
	now := time.Now()

	ok := rank.Success("1", []byte(`{"text":"hello"}`))
	bad := rank.Failure("2", rank.ErrExecutionTimeout)
	batch := []progress.Event{
		{BatchID: batchID, Stage: progress.StageBatchSubmitted, TS: now, Summary: &rank.Summary{
			BatchID: batchUUID.String(), Status: rank.BatchRunning,
		}},
		{BatchID: batchID, Stage: progress.StageItemState, TS: now, ItemID: "1", State: rank.StateRunning},
		{BatchID: batchID, Stage: progress.StageItemResult, TS: now, ItemID: "1", Result: &ok},
		{BatchID: batchID, Stage: progress.StageItemResult, TS: now, ItemID: "2", Result: &bad},
		{BatchID: batchID, Stage: progress.StageBatchDone, TS: now, Summary: &rank.Summary{
			BatchID: batchUUID.String(), Status: rank.BatchCompleted, Results: []rank.Result{ok, bad},
		}},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, results.rows, 2)
	require.Equal(t, batchUUID, results.rows[0].batchID)
	require.Equal(t, rank.ItemID("2"), results.rows[1].result.ItemID)
	require.Len(t, batches.puts, 1)
	require.Equal(t, rank.BatchCompleted, batches.puts[0].Status)
	require.Nil(t, batches.puts[0].Results)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeResultRepo{fail: true}, nil, nil)
	res := rank.Success("1", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{BatchID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageItemResult, TS: time.Now(), Result: &res},
	})
	require.Error(t, err)
}

// TestStoreSinkContinuesPastFailedWrite keeps persisting later results and the
// summary after one upsert fails.
func TestStoreSinkContinuesPastFailedWrite(t *testing.T) {
	t.Parallel()

	results := &fakeResultRepo{failFirst: 1}
	batches := &fakeBatchRepo{}
	sink := NewStoreSink(results, batches, nil)
	batchUUID := uuid.New()
	batchID := progress.UUIDToBytes(batchUUID)
	now := time.Now()

	r1 := rank.Success("1", nil)
	r2 := rank.Success("2", nil)
	r3 := rank.Failure("3", rank.ErrExecutionFailure)
	err := sink.Consume(context.Background(), []progress.Event{
		{BatchID: batchID, Stage: progress.StageItemResult, TS: now, Result: &r1},
		{BatchID: batchID, Stage: progress.StageItemResult, TS: now, Result: &r2},
		{BatchID: batchID, Stage: progress.StageItemResult, TS: now, Result: &r3},
		{BatchID: batchID, Stage: progress.StageBatchDone, TS: now, Summary: &rank.Summary{
			BatchID: batchUUID.String(), Status: rank.BatchCompleted,
		}},
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "upsert result 1")

	require.Equal(t, 3, results.calls)
	require.Len(t, results.rows, 2)
	require.Equal(t, rank.ItemID("2"), results.rows[0].result.ItemID)
	require.Equal(t, rank.ItemID("3"), results.rows[1].result.ItemID)
	require.Len(t, batches.puts, 1)
	require.Equal(t, rank.BatchCompleted, batches.puts[0].Status)
}

func TestStoreSinkNilRepositories(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil, nil)
	res := rank.Success("1", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{BatchID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageItemResult, TS: time.Now(), Result: &res},
		{BatchID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageBatchDone, TS: time.Now(), Summary: &rank.Summary{}},
	}))
}

type resultRow struct {
	batchID uuid.UUID
	result  rank.Result
}

type fakeResultRepo struct {
	fail      bool
	failFirst int
	calls     int
	rows      []resultRow
}

func (f *fakeResultRepo) UpsertResult(_ context.Context, batchID uuid.UUID, res rank.Result) error {
	f.calls++
	if f.fail || f.calls <= f.failFirst {
		return errors.New("boom")
	}
	f.rows = append(f.rows, resultRow{batchID: batchID, result: res})
	return nil
}

func (f *fakeResultRepo) ListResults(_ context.Context, batchID uuid.UUID, _, _ int) ([]rank.Result, error) {
	var out []rank.Result
	for _, row := range f.rows {
		if row.batchID == batchID {
			out = append(out, row.result)
		}
	}
	return out, nil
}

type fakeBatchRepo struct {
	puts []rank.Summary
}

func (f *fakeBatchRepo) PutBatch(_ context.Context, summary rank.Summary) error {
	f.puts = append(f.puts, summary)
	return nil
}

func (f *fakeBatchRepo) GetBatch(context.Context, uuid.UUID) (rank.Summary, error) {
	if len(f.puts) == 0 {
		return rank.Summary{}, errors.New("missing")
	}
	return f.puts[len(f.puts)-1], nil
}
