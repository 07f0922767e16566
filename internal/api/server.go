package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/config"
	"github.com/JakeFAU/rankgrid/internal/dispatcher"
	batchid "github.com/JakeFAU/rankgrid/internal/id/uuid"
	"github.com/JakeFAU/rankgrid/internal/intake"
	"github.com/JakeFAU/rankgrid/internal/metrics"
	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/session"
	"github.com/JakeFAU/rankgrid/internal/store"
)

// Dispatcher is the batch API the handlers drive.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatcher.Request) (*dispatcher.Handle, error)
	Lookup(id string) (*dispatcher.Handle, error)
	Cancel(id string) error
}

// Enqueuer hands batches to the intake queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req intake.Request) error
}

// PoolStatus reports pool health.
type PoolStatus interface {
	Stats() session.Stats
	Ready() bool
}

// Deps are the collaborators a Server needs. Enqueuer and the repositories
// are optional: without an enqueuer every submission runs in-process.
type Deps struct {
	Dispatcher Dispatcher
	Pool       PoolStatus
	Enqueuer   Enqueuer
	Results    store.ResultRepository
	Batches    store.BatchRepository
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router      chi.Router
	deps        Deps
	logger      *zap.Logger
	waitTimeout time.Duration
	batches     *BatchHandler
}

const enqueueTimeout = 5 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:        deps,
		logger:      logger,
		waitTimeout: cfg.Server.WaitTimeout(),
		batches:     NewBatchHandler(deps.Dispatcher, deps.Results, deps.Batches, logger),
	}
	requestTimeout := cfg.Server.RequestTimeout()
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// wait=true submissions hold the connection for the whole batch.
		r.Post("/batches", s.submitBatch)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/pool", s.poolStats)
			r.Route("/batches/{batch_id}", func(r chi.Router) {
				r.Get("/", s.batches.GetBatch)
				r.Get("/results", s.batches.ListResults)
				r.Post("/cancel", s.cancelBatch)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz is ready while at least one session is usable.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil || !s.deps.Pool.Ready() {
		writeError(w, http.StatusServiceUnavailable, "no usable sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": s.deps.Pool.Stats()})
}

type submitRequest struct {
	BatchID               string        `json:"batch_id"`
	IDs                   []rank.ItemID `json:"ids"`
	PerItemTimeoutSeconds float64       `json:"per_item_timeout_seconds"`
	BatchDeadlineSeconds  float64       `json:"batch_deadline_seconds"`
	Wait                  bool          `json:"wait"`
}

func (req submitRequest) toIntake(now time.Time) intake.Request {
	return intake.Request{
		BatchID:               req.BatchID,
		IDs:                   req.IDs,
		PerItemTimeoutSeconds: req.PerItemTimeoutSeconds,
		BatchDeadlineSeconds:  req.BatchDeadlineSeconds,
		EnqueuedAt:            now,
	}
}

// submitBatch handles POST /v1/batches. With wait=true it answers 200 with the
// finished summary, or 202 with the partial summary if the wait budget runs
// out first. Otherwise it answers 202 with the batch ID. Per-item failures
// never turn into HTTP errors.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := body.toIntake(time.Now().UTC())
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !body.Wait && s.deps.Enqueuer != nil {
		s.enqueueBatch(w, r, req)
		return
	}

	// The batch outlives the request; the wait below is what the client sees.
	h, err := s.deps.Dispatcher.Submit(context.WithoutCancel(r.Context()), dispatcher.Request{
		ID:             req.BatchID,
		Items:          req.IDs,
		PerItemTimeout: req.PerItemTimeout(),
		BatchDeadline:  req.BatchDeadline(),
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if !body.Wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": h.ID(), "status": string(rank.BatchRunning)})
		return
	}

	ctx := r.Context()
	if s.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.waitTimeout)
		defer cancel()
	}
	summary, err := h.Wait(ctx)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("client left before batch finished", zap.String("batch_id", h.ID()))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"batch": h.Summary()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": summary})
}

func (s *Server) enqueueBatch(w http.ResponseWriter, r *http.Request, req intake.Request) {
	batchID, err := batchid.Resolve(req.BatchID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.BatchID = batchID.String()

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if s.deps.Batches != nil {
		n := len(req.IDs)
		queued := rank.Summary{
			BatchID:     req.BatchID,
			Status:      rank.BatchQueued,
			Counts:      rank.Counts{Total: n, Pending: n},
			SubmittedAt: req.EnqueuedAt,
		}
		if err := s.deps.Batches.PutBatch(ctx, queued); err != nil {
			s.logger.Error("record queued batch failed", zap.String("batch_id", req.BatchID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to record batch")
			return
		}
	}
	if err := s.deps.Enqueuer.Enqueue(ctx, req); err != nil {
		s.logger.Error("enqueue batch failed", zap.String("batch_id", req.BatchID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "failed to enqueue batch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": req.BatchID, "status": string(rank.BatchQueued)})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrDuplicateItem), errors.Is(err, dispatcher.ErrInvalidBatchID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatcher.ErrDuplicateBatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatcher.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submit batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit batch")
	}
}

// cancelBatch handles POST /v1/batches/{batch_id}/cancel. Live batches are
// cut off; batches still waiting in the intake queue are marked cancelled so
// the consumer skips them.
func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	err = s.deps.Dispatcher.Cancel(batchID.String())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID.String(), "status": "cancelling"})
	case errors.Is(err, dispatcher.ErrBatchNotFound):
		s.cancelQueued(w, r, batchID)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) cancelQueued(w http.ResponseWriter, r *http.Request, batchID uuid.UUID) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	summary, err := s.deps.Batches.GetBatch(r.Context(), batchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
		return
	case err != nil:
		s.logger.Error("load batch failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	switch {
	case summary.Status == rank.BatchQueued:
	case summary.Status.Done():
		writeError(w, http.StatusConflict, "batch already finished")
		return
	default:
		// Running, but not on this replica.
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}

	now := time.Now().UTC()
	summary.Status = rank.BatchCancelled
	summary.FinishedAt = &now
	if err := s.deps.Batches.PutBatch(r.Context(), summary); err != nil {
		s.logger.Error("mark batch cancelled failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}
	// The consumer may have picked the batch up after the lookup.
	_ = s.deps.Dispatcher.Cancel(batchID.String())
	s.logger.Info("queued batch cancelled", zap.String("batch_id", batchID.String()))
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID.String(), "status": string(rank.BatchCancelled)})
}
