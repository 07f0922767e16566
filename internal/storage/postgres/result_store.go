package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// ResultStore writes item results into Postgres. Rows are keyed by
// (batch_id, item_id); a later write for the same pair replaces the row.
type ResultStore struct {
	pool  querier
	table string
}

// NewResultStore wraps an open pool (a *pgxpool.Pool or a pgxmock pool).
func NewResultStore(pool querier, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "rank_results")
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the results table when it does not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	batch_id    UUID        NOT NULL,
	item_id     TEXT        NOT NULL,
	outcome     TEXT        NOT NULL,
	kind        TEXT        NOT NULL DEFAULT '',
	reason      TEXT        NOT NULL DEFAULT '',
	payload     JSONB,
	session_id  TEXT        NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (batch_id, item_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertResult inserts or replaces the result row for (batchID, res.ItemID).
func (s *ResultStore) UpsertResult(ctx context.Context, batchID uuid.UUID, res rank.Result) error {
	if res.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id, item_id, outcome, kind, reason, payload, session_id, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (batch_id, item_id) DO UPDATE SET
	outcome = EXCLUDED.outcome,
	kind = EXCLUDED.kind,
	reason = EXCLUDED.reason,
	payload = EXCLUDED.payload,
	session_id = EXCLUDED.session_id,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		batchID,
		res.ItemID.String(),
		string(res.Outcome),
		string(res.Kind),
		res.Reason,
		payloadArg(res.Payload),
		res.SessionID,
		nullTime(res.StartedAt),
		res.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// ListResults returns a page of results for one batch ordered by finish time.
func (s *ResultStore) ListResults(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]rank.Result, error) {
	query := fmt.Sprintf(`
SELECT item_id, outcome, kind, reason, payload, session_id, started_at, finished_at
FROM %s
WHERE batch_id = $1
ORDER BY finished_at ASC, item_id ASC
LIMIT $2 OFFSET $3`, s.table)

	rows, err := s.pool.Query(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []rank.Result
	for rows.Next() {
		var (
			row     rank.Result
			itemID  string
			outcome string
			kind    string
			payload []byte
			started *time.Time
		)
		if err := rows.Scan(&itemID, &outcome, &kind, &row.Reason, &payload, &row.SessionID, &started, &row.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		row.ItemID = rank.ItemID(itemID)
		row.Outcome = rank.Outcome(outcome)
		row.Kind = rank.Kind(kind)
		if len(payload) > 0 {
			row.Payload = payload
		}
		if started != nil {
			row.StartedAt = *started
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

func payloadArg(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
