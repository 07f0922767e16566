// Package redis keeps batch summaries in Redis so any replica behind a load
// balancer can answer status queries for batches it did not run.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/store"
)

// Config captures the connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to the batch ID to form the key.
	Prefix string
	// TTL bounds how long summaries are kept; zero keeps them forever.
	TTL time.Duration
}

// Client is the subset of the go-redis client the store uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Close() error
}

// BatchStore implements store.BatchRepository on Redis string keys holding
// JSON summaries.
type BatchStore struct {
	client Client
	prefix string
	ttl    time.Duration
}

var (
	_ store.BatchRepository = (*BatchStore)(nil)
	_ Client                = (*goredis.Client)(nil)
)

// NewBatchStore dials Redis lazily; the first command establishes the connection.
func NewBatchStore(cfg Config) (*BatchStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewBatchStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewBatchStoreWithClient builds a store around an existing client (tests).
func NewBatchStoreWithClient(client Client, prefix string, ttl time.Duration) *BatchStore {
	if prefix == "" {
		prefix = "rankgrid:batch:"
	}
	return &BatchStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *BatchStore) Close() error {
	return s.client.Close()
}

// PutBatch writes the summary without its results.
func (s *BatchStore) PutBatch(ctx context.Context, summary rank.Summary) error {
	if summary.BatchID == "" {
		return fmt.Errorf("batch id is required")
	}
	summary.Results = nil
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+summary.BatchID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set batch: %w", err)
	}
	return nil
}

// GetBatch reads a summary or returns store.ErrNotFound.
func (s *BatchStore) GetBatch(ctx context.Context, batchID uuid.UUID) (rank.Summary, error) {
	val, err := s.client.Get(ctx, s.prefix+batchID.String()).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return rank.Summary{}, store.ErrNotFound
		}
		return rank.Summary{}, fmt.Errorf("get batch: %w", err)
	}
	var summary rank.Summary
	if err := json.Unmarshal(val, &summary); err != nil {
		return rank.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return summary, nil
}
