package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// TargetResolver looks up item targets in a Postgres table with
// (id, url, title) columns.
type TargetResolver struct {
	pool  querier
	table string
}

// NewTargetResolver wraps an open pool.
func NewTargetResolver(pool querier, table string) (*TargetResolver, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "rank_targets")
	if err != nil {
		return nil, err
	}
	return &TargetResolver{pool: pool, table: table}, nil
}

// Resolve returns the target for id or rank.ErrTargetNotFound.
func (r *TargetResolver) Resolve(ctx context.Context, id rank.ItemID) (rank.Target, error) {
	query := fmt.Sprintf(`SELECT url, COALESCE(title, '') FROM %s WHERE id::text = $1`, r.table)
	target := rank.Target{ItemID: id}
	if err := r.pool.QueryRow(ctx, query, id.String()).Scan(&target.URL, &target.Title); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rank.Target{}, fmt.Errorf("item %s: %w", id, rank.ErrTargetNotFound)
		}
		return rank.Target{}, fmt.Errorf("resolve target: %w", err)
	}
	if target.URL == "" {
		return rank.Target{}, fmt.Errorf("item %s has no url: %w", id, rank.ErrTargetNotFound)
	}
	return target, nil
}
