package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

func TestUpsertResultWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResultStore(mock, "rank_results")
	require.NoError(t, err)

	batchID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	res := rank.Result{
		ItemID:     "42",
		Outcome:    rank.OutcomeSucceeded,
		Payload:    []byte(`{"text":"about us"}`),
		SessionID:  "1.0",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}

	mock.ExpectExec("INSERT INTO rank_results").
		WithArgs(
			batchID,
			"42",
			"succeeded",
			"",
			"",
			`{"text":"about us"}`,
			"1.0",
			&started,
			res.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertResult(context.Background(), batchID, res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResultWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResultStore(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO rank_results").WillReturnError(errors.New("conn reset"))
	err = store.UpsertResult(context.Background(), uuid.New(), rank.Failure("1", rank.ErrAcquisitionTimeout))
	require.ErrorContains(t, err, "upsert result")

	require.Error(t, store.UpsertResult(context.Background(), uuid.New(), rank.Result{}))
}

func TestListResultsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResultStore(mock, "")
	require.NoError(t, err)

	batchID := uuid.New()
	finished := time.Unix(1700000100, 0).UTC()
	started := finished.Add(-time.Minute)
	var noStart *time.Time
	rows := pgxmock.NewRows([]string{
		"item_id", "outcome", "kind", "reason", "payload", "session_id", "started_at", "finished_at",
	}).
		AddRow("1", "succeeded", "", "", []byte(`{"ok":true}`), "0.0", &started, finished).
		AddRow("2", "timed_out", "batch_deadline_exceeded", "batch deadline exceeded", []byte(nil), "", noStart, finished)

	mock.ExpectQuery("SELECT item_id, outcome").
		WithArgs(batchID, 10, 0).
		WillReturnRows(rows)

	got, err := store.ListResults(context.Background(), batchID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, rank.OutcomeSucceeded, got[0].Outcome)
	require.JSONEq(t, `{"ok":true}`, string(got[0].Payload))
	require.Equal(t, started, got[0].StartedAt)
	require.Equal(t, rank.KindBatchDeadlineExceeded, got[1].Kind)
	require.True(t, got[1].StartedAt.IsZero())
	require.Nil(t, got[1].Payload)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResultStore(mock, "results_v2")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS results_v2").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewResultStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewResultStore(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewResultStore(mock, "results; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestNewPoolRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewPool(context.Background(), PoolConfig{})
	require.ErrorContains(t, err, "database.dsn")
}
