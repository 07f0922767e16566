// Package sqlite stores item results in a SQLite database through the pure-Go
// modernc.org/sqlite driver, for single-node deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/store"
)

var _ store.ResultRepository = (*ResultStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS rank_results (
	batch_id    TEXT    NOT NULL,
	item_id     TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	kind        TEXT    NOT NULL DEFAULT '',
	reason      TEXT    NOT NULL DEFAULT '',
	payload     BLOB,
	session_id  TEXT    NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL DEFAULT 0,
	finished_at INTEGER NOT NULL,
	PRIMARY KEY (batch_id, item_id)
);
`

// ResultStore implements store.ResultRepository on SQLite. Timestamps are
// stored as Unix nanoseconds; zero means unset.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore opens dsn and creates the schema.
func NewResultStore(dsn string) (*ResultStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under concurrent sinks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &ResultStore{db: db}, nil
}

// UpsertResult inserts or replaces the row for (batchID, res.ItemID).
func (s *ResultStore) UpsertResult(ctx context.Context, batchID uuid.UUID, res rank.Result) error {
	if res.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	query := `
	INSERT INTO rank_results (
		batch_id, item_id, outcome, kind, reason, payload, session_id, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (batch_id, item_id) DO UPDATE SET
		outcome = excluded.outcome,
		kind = excluded.kind,
		reason = excluded.reason,
		payload = excluded.payload,
		session_id = excluded.session_id,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at
	`
	var payload []byte
	if len(res.Payload) > 0 {
		payload = res.Payload
	}
	_, err := s.db.ExecContext(ctx, query,
		batchID.String(),
		res.ItemID.String(),
		string(res.Outcome),
		string(res.Kind),
		res.Reason,
		payload,
		res.SessionID,
		unixNano(res.StartedAt),
		unixNano(res.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// ListResults returns a page of results for one batch ordered by finish time.
func (s *ResultStore) ListResults(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]rank.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT item_id, outcome, kind, reason, payload, session_id, started_at, finished_at
	FROM rank_results
	WHERE batch_id = ?
	ORDER BY finished_at ASC, item_id ASC
	LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, batchID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []rank.Result
	for rows.Next() {
		var (
			r                 rank.Result
			itemID            string
			outcome, kind     string
			payload           []byte
			started, finished int64
		)
		if err := rows.Scan(&itemID, &outcome, &kind, &r.Reason, &payload, &r.SessionID, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.ItemID = rank.ItemID(itemID)
		r.Outcome = rank.Outcome(outcome)
		r.Kind = rank.Kind(kind)
		if len(payload) > 0 {
			r.Payload = payload
		}
		r.StartedAt = fromUnixNano(started)
		r.FinishedAt = fromUnixNano(finished)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *ResultStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
