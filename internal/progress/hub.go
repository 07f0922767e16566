package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values pick the
// defaults noted on each field.
type Config struct {
	// BufferSize is the event channel capacity (4096).
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events (1000).
	MaxBatchEvents int
	// MaxBatchWait flushes a batch this long after its first event (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call (10s).
	SinkTimeout time.Duration
	// BaseContext parents sink calls (context.Background()).
	BaseContext context.Context
	Logger      *zap.Logger
}

const dropLogInterval = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 1000
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// ErrHubClosed is returned by Publish once Close has been called.
var ErrHubClosed = errors.New("progress hub closed")

// Hub buffers events and hands them to every sink in batches. Emit never
// blocks; Publish blocks until the event is buffered. Each sink sees events in
// the order they were buffered.
type Hub struct {
	cfg      Config
	sinks    []Sink
	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *zap.Logger
	dropWarn *rate.Sometimes
	dropped  atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks. Nil sinks are skipped.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		events:   make(chan Event, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: &rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.run()
	return h
}

// Emit buffers evt, or drops it when the buffer is full. Drops are counted and
// reported in a periodic warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Publish buffers evt, waiting for space instead of dropping it. Results use
// this path so persistence sees every one of them.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	if h == nil {
		return nil
	}
	if h.closed.Load() {
		return ErrHubClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("validate progress event: %w", err)
	}
	select {
	case h.events <- evt:
		return nil
	case <-h.stopCh:
		return ErrHubClosed
	case <-ctx.Done():
		return fmt.Errorf("publish progress event: %w", ctx.Err())
	}
}

// Dropped reports events discarded since the last drop warning.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops intake, delivers whatever is buffered, closes the sinks and
// waits for all of it, or for ctx. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var timer *time.Timer
	var due <-chan time.Time
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, due = nil, nil
		}
		if len(batch) > 0 {
			h.deliver(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				due = timer.C
			}
		case <-due:
			flush()
		case <-h.stopCh:
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to every sink in parallel and waits for all of them.
func (h *Hub) deliver(batch []Event) {
	events := append([]Event(nil), batch...)
	var wg sync.WaitGroup
	for _, sink := range h.sinks {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, events); err != nil {
				h.logger.Warn("progress sink consume failed", zap.Int("events", len(events)), zap.Error(err))
			}
		})
	}
	wg.Wait()
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
