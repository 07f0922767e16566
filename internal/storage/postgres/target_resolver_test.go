package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

func TestTargetResolverResolve(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	resolver, err := NewTargetResolver(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT url").
		WithArgs("7").
		WillReturnRows(pgxmock.NewRows([]string{"url", "title"}).AddRow("https://example.co.jp/news/1", "Example"))

	target, err := resolver.Resolve(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, rank.Target{ItemID: "7", URL: "https://example.co.jp/news/1", Title: "Example"}, target)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTargetResolverNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	resolver, err := NewTargetResolver(mock, "targets")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT url").WithArgs("8").WillReturnError(pgx.ErrNoRows)
	_, err = resolver.Resolve(context.Background(), "8")
	require.ErrorIs(t, err, rank.ErrTargetNotFound)
}
