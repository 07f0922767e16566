package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Source delivers queued requests. Receive blocks until ctx ends or the
// source fails, calling fn for each delivery; fn may block to apply backpressure.
type Source interface {
	Receive(ctx context.Context, fn func(context.Context, Delivery)) error
}

// Runner executes one batch to completion.
type Runner interface {
	RunBatch(ctx context.Context, req Request) (rank.Summary, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (rank.Summary, error)

// RunBatch calls f.
func (f RunnerFunc) RunBatch(ctx context.Context, req Request) (rank.Summary, error) {
	return f(ctx, req)
}

// Config bounds the consumer.
type Config struct {
	// MaxConcurrentBatches caps batches running at once. Defaults to 15.
	MaxConcurrentBatches int64
	// MaxAttempts is the delivery attempt after which a failing request is
	// acked and dropped instead of nacked. Defaults to 3.
	MaxAttempts int
}

// Consumer drains a Source into a Runner.
type Consumer struct {
	source      Source
	runner      Runner
	sem         *semaphore.Weighted
	maxAttempts int
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewConsumer wires source to runner.
func NewConsumer(source Source, runner Runner, cfg Config, logger *zap.Logger) (*Consumer, error) {
	if source == nil {
		return nil, fmt.Errorf("intake source is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("intake runner is required")
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 15
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		source:      source,
		runner:      runner,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentBatches),
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}, nil
}

// Run receives until ctx is cancelled, then waits for in-flight batches.
// Batches keep running on ctx, so cancelling it also cuts them off; requests
// cut off this way are nacked for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.source.Receive(ctx, func(_ context.Context, d Delivery) {
		c.dispatch(ctx, d)
	})
	c.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive requests: %w", err)
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, d Delivery) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		d.Nack()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.handle(ctx, d)
	}()
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	req := d.Request
	logger := c.logger.With(
		zap.String("batch_id", req.BatchID),
		zap.Int("items", len(req.IDs)),
		zap.Int("attempt", d.Attempt),
	)
	if err := req.Validate(); err != nil {
		logger.Warn("dropping invalid request", zap.Error(err))
		d.Ack()
		return
	}
	summary, err := c.runner.RunBatch(ctx, req)
	switch {
	case err == nil && ctx.Err() != nil && summary.Status == rank.BatchCancelled:
		logger.Warn("batch interrupted by shutdown, returning request to queue")
		d.Nack()
	case err == nil:
		logger.Info("batch finished",
			zap.String("status", string(summary.Status)),
			zap.Int("succeeded", summary.Counts.Succeeded),
			zap.Int("failed", summary.Counts.Failed),
			zap.Int("timed_out", summary.Counts.TimedOut),
		)
		d.Ack()
	case errors.Is(err, ErrInvalidRequest):
		logger.Warn("dropping rejected request", zap.Error(err))
		d.Ack()
	case errors.Is(err, ErrCancelled):
		logger.Info("skipping cancelled batch")
		d.Ack()
	case ctx.Err() != nil:
		logger.Warn("batch interrupted by shutdown, returning request to queue", zap.Error(err))
		d.Nack()
	case d.Attempt >= c.maxAttempts:
		logger.Error("batch run failed, giving up", zap.Int("max_attempts", c.maxAttempts), zap.Error(err))
		d.Ack()
	default:
		logger.Error("batch run failed", zap.Error(err))
		d.Nack()
	}
}
