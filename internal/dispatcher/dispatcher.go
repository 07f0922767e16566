// Package dispatcher runs batches of work items against a bounded session pool.
//
// Every item gets its own goroutine that takes a place in the pool's FIFO line,
// runs the executor on the session it is handed and releases it. Items of one
// batch queue in submission order, so with capacity N the first N items start
// first and the rest start as sessions come back. Each item produces exactly one
// result, delivered on the batch handle's stream and to the progress emitter.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	batchid "github.com/JakeFAU/rankgrid/internal/id/uuid"
	"github.com/JakeFAU/rankgrid/internal/metrics"
	"github.com/JakeFAU/rankgrid/internal/progress"
	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/session"
)

var (
	// ErrDuplicateItem rejects batches that name the same item twice.
	ErrDuplicateItem = errors.New("duplicate item in batch")
	// ErrDuplicateBatch rejects a caller-supplied batch ID that is already registered.
	ErrDuplicateBatch = errors.New("batch already exists")
	// ErrBatchNotFound is returned by Lookup and Cancel for unknown or expired batches.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrInvalidBatchID rejects caller-supplied batch IDs that are not UUIDs.
	ErrInvalidBatchID = batchid.ErrInvalid
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")
)

const tracerName = "github.com/JakeFAU/rankgrid/internal/dispatcher"

// Pool is the slice of the session pool the dispatcher depends on.
type Pool interface {
	Enqueue() *session.Ticket
	Release(s *session.Session, healthy bool) error
}

// Config holds dispatcher defaults; Request fields override them per batch.
type Config struct {
	// PerItemTimeout bounds execution of one item. Defaults to 240s.
	PerItemTimeout time.Duration
	// AcquireTimeout bounds the wait for a session. Zero uses PerItemTimeout.
	AcquireTimeout time.Duration
	// BatchDeadline bounds the whole batch. Zero means no deadline.
	BatchDeadline time.Duration
	// Retention keeps finished batches visible to Lookup. Defaults to 10m.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerItemTimeout <= 0 {
		c.PerItemTimeout = 240 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	return c
}

// Request describes one batch submission.
type Request struct {
	// ID is an optional caller-chosen UUID; a v7 UUID is generated when empty.
	ID             string
	Items          []rank.ItemID
	PerItemTimeout time.Duration
	AcquireTimeout time.Duration
	BatchDeadline  time.Duration
}

// Dispatcher schedules batches onto the session pool.
type Dispatcher struct {
	pool     Pool
	executor rank.Executor
	emitter  progress.Emitter
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	// ctx outlives individual batches and carries BATCH_DONE publishing after cutoff.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	batches map[string]*Handle
	closed  bool
	wg      sync.WaitGroup
}

// New builds a Dispatcher. A nil emitter discards progress events.
func New(pool Pool, executor rank.Executor, emitter progress.Emitter, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pool:     pool,
		executor: executor,
		emitter:  emitter,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		ctx:      ctx,
		cancel:   cancel,
		batches:  make(map[string]*Handle),
	}
}

// Submit validates req and starts the batch. The batch runs under ctx: when ctx
// hits its deadline the batch is cut off as if its own deadline passed, and any
// other cancellation cancels it. Callers that submit from a short-lived request
// should pass context.WithoutCancel.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Handle, error) {
	seen := make(map[rank.ItemID]struct{}, len(req.Items))
	for _, id := range req.Items {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("submit batch: item %q: %w", id, ErrDuplicateItem)
		}
		seen[id] = struct{}{}
	}

	uid, err := d.batchID(req.ID)
	if err != nil {
		return nil, err
	}
	perItem := firstPositive(req.PerItemTimeout, d.cfg.PerItemTimeout)
	acquire := firstPositive(req.AcquireTimeout, d.cfg.AcquireTimeout, perItem)
	deadline := firstPositive(req.BatchDeadline, d.cfg.BatchDeadline)

	h := newHandle(uid, req.Items, perItem, acquire)
	spanCtx, span := d.tracer.Start(ctx, "dispatcher.batch", trace.WithAttributes(
		attribute.String("batch_id", h.id),
		attribute.Int("batch_size", len(h.items)),
	))
	h.span = span
	h.ctx, h.cancel = context.WithCancelCause(spanCtx)

	d.mu.Lock()
	if d.closed || d.batches[h.id] != nil {
		closed := d.closed
		d.mu.Unlock()
		h.cancel(nil)
		span.End()
		if closed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("submit batch %s: %w", h.id, ErrDuplicateBatch)
	}
	d.batches[h.id] = h
	d.wg.Add(1)
	d.mu.Unlock()

	if deadline > 0 {
		h.timer = time.AfterFunc(deadline, func() {
			h.cancel(fmt.Errorf("batch ran past %s: %w", deadline, rank.ErrBatchDeadlineExceeded))
		})
	}

	d.logger.Info("batch submitted",
		zap.String("batch_id", h.id),
		zap.Int("items", len(h.items)),
		zap.Duration("per_item_timeout", perItem),
		zap.Duration("batch_deadline", deadline),
	)
	metrics.BatchStarted()
	summary := h.Summary()
	if err := d.emitter.Publish(h.ctx, progress.Event{
		BatchID: progress.UUIDToBytes(h.uid),
		TS:      time.Now().UTC(),
		Stage:   progress.StageBatchSubmitted,
		Summary: &summary,
	}); err != nil {
		d.logger.Warn("publish batch submitted", zap.String("batch_id", h.id), zap.Error(err))
	}

	if len(h.items) == 0 {
		h.mu.Lock()
		h.finishLocked(time.Now().UTC())
		h.mu.Unlock()
		d.finish(h)
		return h, nil
	}

	go d.watch(h)
	// Tickets are taken here, in order, so the pool serves this batch FIFO.
	for i := range h.items {
		go d.runItem(h, i, d.pool.Enqueue())
	}
	return h, nil
}

// Run submits req and blocks until the batch completes.
func (d *Dispatcher) Run(ctx context.Context, req Request) (rank.Summary, error) {
	h, err := d.Submit(ctx, req)
	if err != nil {
		return rank.Summary{}, err
	}
	<-h.Done()
	return h.Summary(), nil
}

// Lookup returns a running batch or one finished within the retention window.
func (d *Dispatcher) Lookup(id string) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.batches[id]
	if !ok {
		return nil, fmt.Errorf("lookup batch %s: %w", id, ErrBatchNotFound)
	}
	return h, nil
}

// Cancel cuts off a running batch. Cancelling a finished batch is a no-op.
func (d *Dispatcher) Cancel(id string) error {
	h, err := d.Lookup(id)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// Close stops accepting batches, cancels running ones and waits for them to
// report their final results.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	running := make([]*Handle, 0, len(d.batches))
	for _, h := range d.batches {
		running = append(running, h)
	}
	d.mu.Unlock()

	for _, h := range running {
		h.cancel(fmt.Errorf("%w: %w", rank.ErrBatchCancelled, ErrClosed))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) batchID(supplied string) (uuid.UUID, error) {
	id, err := batchid.Resolve(supplied)
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit batch: %w", err)
	}
	return id, nil
}

// watch cuts the batch off when its context ends before every item resolved.
func (d *Dispatcher) watch(h *Handle) {
	select {
	case <-h.done:
	case <-h.ctx.Done():
		d.cutoff(h)
	}
}

func (d *Dispatcher) cutoff(h *Handle) {
	cause := cutoffErr(context.Cause(h.ctx))
	now := time.Now().UTC()

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.cutoffCause = cause
	var recorded []rank.Result
	last := false
	for i := range h.items {
		res, ok, fin := h.recordLocked(i, rank.Failure(h.items[i], cause), now)
		if ok {
			recorded = append(recorded, res)
		}
		last = last || fin
	}
	h.mu.Unlock()

	d.logger.Warn("batch cut off",
		zap.String("batch_id", h.id),
		zap.Int("unresolved", len(recorded)),
		zap.Error(cause),
	)
	for _, res := range recorded {
		d.publishResult(h, res)
	}
	if last {
		d.finish(h)
	}
}

// cutoffErr maps the batch context's cause onto the error unresolved items report.
func cutoffErr(cause error) error {
	switch {
	case errors.Is(cause, rank.ErrBatchDeadlineExceeded), errors.Is(cause, rank.ErrBatchCancelled):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", rank.ErrBatchDeadlineExceeded, cause)
	default:
		return fmt.Errorf("%w: %w", rank.ErrBatchCancelled, cause)
	}
}

func (d *Dispatcher) runItem(h *Handle, i int, ticket *session.Ticket) {
	id := h.items[i]
	ctx, span := d.tracer.Start(h.ctx, "dispatcher.item", trace.WithAttributes(
		attribute.String("batch_id", h.id),
		attribute.String("item_id", string(id)),
	))
	defer span.End()

	if h.transition(i, rank.StateAcquiring, "", time.Now().UTC()) {
		d.emitState(h, id, rank.StateAcquiring, "")
	}

	s, err := ticket.Wait(ctx, h.acquireTimeout)
	if err != nil {
		if h.ctx.Err() != nil {
			err = cutoffErr(context.Cause(h.ctx))
		} else if !errors.Is(err, rank.ErrAcquisitionTimeout) {
			err = fmt.Errorf("acquire session: %w", err)
		}
		span.RecordError(err)
		d.resolve(h, i, rank.Failure(id, err))
		return
	}
	span.SetAttributes(attribute.String("session_id", s.ID()))

	if !h.transition(i, rank.StateRunning, s.ID(), time.Now().UTC()) {
		// Cut off while waiting; the session was never used.
		d.release(s, true)
		return
	}
	d.emitState(h, id, rank.StateRunning, s.ID())

	res, healthy := d.execute(ctx, h, id, s)
	if res.Outcome != rank.OutcomeSucceeded {
		span.RecordError(errors.New(res.Reason))
	}
	d.release(s, healthy)
	d.resolve(h, i, res)
}

type execution struct {
	payload []byte
	err     error
}

// execute runs the executor in its own goroutine so a hung executor cannot
// hold back the item's result past its timeout.
func (d *Dispatcher) execute(ctx context.Context, h *Handle, id rank.ItemID, s *session.Session) (rank.Result, bool) {
	ictx, cancel := context.WithTimeoutCause(ctx, h.perItemTimeout,
		fmt.Errorf("item ran past %s: %w", h.perItemTimeout, rank.ErrExecutionTimeout))
	defer cancel()

	done := make(chan execution, 1)
	go func() {
		payload, err := d.executor.Execute(ictx, s.Browser(), id)
		done <- execution{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return rank.Success(id, out.payload), true
		}
		if ictx.Err() != nil {
			return rank.Failure(id, d.interruptErr(h, ictx)), false
		}
		return rank.Failure(id, executorErr(id, out.err)), !errors.Is(out.err, rank.ErrSessionBroken)
	case <-ictx.Done():
		return rank.Failure(id, d.interruptErr(h, ictx)), false
	}
}

// executorErr wraps an error the executor returned before the item's own
// timeout fired. Deadlines the executor hit internally are failures, not
// execution timeouts.
func executorErr(id rank.ItemID, err error) error {
	if errors.Is(err, rank.ErrSessionBroken) {
		return fmt.Errorf("execute item %s: %w", id, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, rank.ErrExecutionTimeout) {
		return fmt.Errorf("%w: execute item %s: %v", rank.ErrExecutionFailure, id, err)
	}
	return fmt.Errorf("execute item %s: %w", id, err)
}

func (d *Dispatcher) interruptErr(h *Handle, ictx context.Context) error {
	if h.ctx.Err() != nil {
		return cutoffErr(context.Cause(h.ctx))
	}
	return context.Cause(ictx)
}

func (d *Dispatcher) release(s *session.Session, healthy bool) {
	if err := d.pool.Release(s, healthy); err != nil {
		d.logger.Warn("release session", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// resolve records res unless the item already has a result.
func (d *Dispatcher) resolve(h *Handle, i int, res rank.Result) {
	h.mu.Lock()
	recorded, ok, last := h.recordLocked(i, res, time.Now().UTC())
	h.mu.Unlock()
	if !ok {
		return
	}
	d.publishResult(h, recorded)
	if last {
		d.finish(h)
	}
}

func (d *Dispatcher) publishResult(h *Handle, res rank.Result) {
	defer h.pubWG.Done()
	metrics.ObserveItem(string(res.Outcome), string(res.Kind), res.Duration())
	d.logger.Debug("item finished",
		zap.String("batch_id", h.id),
		zap.String("item_id", string(res.ItemID)),
		zap.String("session_id", res.SessionID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("kind", string(res.Kind)),
		zap.Duration("dur", res.Duration()),
	)
	if err := d.emitter.Publish(d.ctx, progress.Event{
		BatchID:   progress.UUIDToBytes(h.uid),
		TS:        res.FinishedAt,
		Stage:     progress.StageItemResult,
		ItemID:    res.ItemID,
		SessionID: res.SessionID,
		Result:    &res,
		Dur:       res.Duration(),
	}); err != nil {
		d.logger.Error("publish item result",
			zap.String("batch_id", h.id),
			zap.String("item_id", string(res.ItemID)),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) emitState(h *Handle, id rank.ItemID, state rank.State, sessionID string) {
	d.emitter.Emit(progress.Event{
		BatchID:   progress.UUIDToBytes(h.uid),
		TS:        time.Now().UTC(),
		Stage:     progress.StageItemState,
		ItemID:    id,
		State:     state,
		SessionID: sessionID,
	})
}

// finish runs once per batch after its last result was recorded.
func (d *Dispatcher) finish(h *Handle) {
	h.pubWG.Wait()
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.cancel != nil {
		h.cancel(nil)
	}

	summary := h.Summary()
	var total time.Duration
	if summary.FinishedAt != nil {
		total = summary.FinishedAt.Sub(summary.SubmittedAt)
	}
	metrics.BatchFinished(string(summary.Status))
	if err := d.emitter.Publish(d.ctx, progress.Event{
		BatchID: progress.UUIDToBytes(h.uid),
		TS:      time.Now().UTC(),
		Stage:   progress.StageBatchDone,
		Summary: &summary,
		Dur:     total,
	}); err != nil {
		d.logger.Warn("publish batch done", zap.String("batch_id", h.id), zap.Error(err))
	}
	d.logger.Info("batch finished",
		zap.String("batch_id", h.id),
		zap.String("status", string(summary.Status)),
		zap.Int("succeeded", summary.Counts.Succeeded),
		zap.Int("failed", summary.Counts.Failed),
		zap.Int("timed_out", summary.Counts.TimedOut),
		zap.Duration("dur", total),
	)
	if h.span != nil {
		h.span.SetAttributes(attribute.String("status", string(summary.Status)))
		h.span.End()
	}

	time.AfterFunc(d.cfg.Retention, func() { d.forget(h) })
	d.wg.Done()
}

func (d *Dispatcher) forget(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.batches[h.id] == h {
		delete(d.batches, h.id)
	}
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

func (nopEmitter) Publish(context.Context, progress.Event) error { return nil }
