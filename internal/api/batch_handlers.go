package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/dispatcher"
	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/store"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
	storeTimeout        = 3 * time.Second
)

// LiveBatches finds batches the dispatcher still holds in memory.
type LiveBatches interface {
	Lookup(id string) (*dispatcher.Handle, error)
}

// BatchHandler exposes read-only batch endpoints. Live batches are answered
// from the dispatcher; finished or queued ones from the repositories.
type BatchHandler struct {
	live    LiveBatches
	results store.ResultRepository
	batches store.BatchRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewBatchHandler wires the lookups and logger. Any argument may be nil.
func NewBatchHandler(live LiveBatches, results store.ResultRepository, batches store.BatchRepository, logger *zap.Logger) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchHandler{
		live:    live,
		results: results,
		batches: batches,
		timeout: storeTimeout,
		logger:  logger,
	}
}

func (h *BatchHandler) lookup(batchID uuid.UUID) *dispatcher.Handle {
	if h.live == nil {
		return nil
	}
	handle, err := h.live.Lookup(batchID.String())
	if err != nil {
		return nil
	}
	return handle
}

// GetBatch handles GET /v1/batches/{batch_id}. It returns {"batch": {...}},
// 400 for malformed IDs, 404 when neither the dispatcher nor the repository
// knows the batch, or 500 for repository errors.
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if handle := h.lookup(batchID); handle != nil {
		writeJSON(w, http.StatusOK, map[string]any{"batch": handle.Summary()})
		return
	}
	if h.batches == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	summary, err := h.batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": summary})
}

// ListResults handles GET /v1/batches/{batch_id}/results?limit=&offset=. It
// returns {"results": [...]} on success, 400 for invalid parameters, 503 when
// the batch is not live and no repository is configured, or 500 otherwise.
func (h *BatchHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultsLimit, maxResultsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if handle := h.lookup(batchID); handle != nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": page(handle.Summary().Results, limit, offset)})
		return
	}
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results, err := h.results.ListResults(ctx, batchID, limit, offset)
	if err != nil {
		h.logger.Error("list results failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []rank.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func page(results []rank.Result, limit, offset int) []rank.Result {
	if offset >= len(results) {
		return []rank.Result{}
	}
	end := min(offset+limit, len(results))
	return results[offset:end]
}

func parseBatchID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "batch_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("batch_id is required")
	}
	batchID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid batch_id")
	}
	return batchID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
