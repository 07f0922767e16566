package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rankgrid/internal/progress"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// PrometheusSink exports batch progress metrics via Prometheus. It owns the
// collectors for batches submitted/completed/running and per-item transitions.
type PrometheusSink struct {
	batchesSubmitted prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	itemTransitions *prometheus.CounterVec
	itemResults     *prometheus.CounterVec
	itemDuration    *prometheus.HistogramVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankgrid_progress_batches_submitted_total",
			Help: "Total batches accepted by the dispatcher.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankgrid_progress_batches_completed_total",
			Help: "Total batches finished partitioned by status.",
		}, []string{"status"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rankgrid_progress_batches_running",
			Help: "Current number of running batches.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rankgrid_progress_batch_runtime_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		itemTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankgrid_progress_item_transitions_total",
			Help: "Item state transitions partitioned by the state entered.",
		}, []string{"state"}),
		itemResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankgrid_progress_item_results_total",
			Help: "Item results partitioned by outcome and kind.",
		}, []string{"outcome", "kind"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rankgrid_progress_item_duration_seconds",
			Help:    "Item duration partitioned by outcome.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 240, 600},
		}, []string{"outcome"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesSubmitted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.itemTransitions,
		s.itemResults,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchSubmitted:
		s.batchesSubmitted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
	case progress.StageBatchDone:
		status := "unknown"
		if evt.Summary != nil {
			status = string(evt.Summary.Status)
		}
		s.batchesCompleted.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.batchRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.BatchID) {
			s.batchesRunning.Dec()
		}
	case progress.StageItemState:
		s.itemTransitions.WithLabelValues(string(evt.State)).Inc()
	case progress.StageItemResult:
		s.handleResult(evt)
	}
}

func (s *PrometheusSink) handleResult(evt progress.Event) {
	if evt.Result == nil {
		return
	}
	outcome := string(evt.Result.Outcome)
	kind := string(evt.Result.Kind)
	if kind == "" {
		kind = "none"
	}
	s.itemResults.WithLabelValues(outcome, kind).Inc()
	s.itemTransitions.WithLabelValues(string(rank.StateFor(evt.Result.Outcome))).Inc()
	dur := evt.Dur
	if dur == 0 {
		dur = evt.Result.Duration()
	}
	if dur > 0 {
		s.itemDuration.WithLabelValues(outcome).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[[16]byte]struct{})}
}

func (t *batchTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
