package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/posting-queue/internal/api/middleware"
	"github.com/notifyhub/posting-queue/internal/domain"
)

// OpsHandler exposes the operator actions: process a batch, clean up, and
// the status snapshot.
type OpsHandler struct {
	svc           PostingQueue
	batchSize     int
	retentionDays int
	logger        *zap.Logger
}

func NewOpsHandler(svc PostingQueue, batchSize, retentionDays int, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{svc: svc, batchSize: batchSize, retentionDays: retentionDays, logger: logger}
}

// Process handles POST /api/v1/process?max=N
func (h *OpsHandler) Process(w http.ResponseWriter, r *http.Request) {
	max, err := intParam(r, "max", h.batchSize)
	if err != nil {
		mapError(w, err)
		return
	}

	res, err := h.svc.ProcessQueue(r.Context(), max)
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Error("process failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Cleanup handles POST /api/v1/cleanup?days=N
func (h *OpsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", h.retentionDays)
	if err != nil {
		mapError(w, err)
		return
	}

	res, err := h.svc.Cleanup(r.Context(), days)
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Error("cleanup failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Status handles GET /api/v1/status
func (h *OpsHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatus(r.Context())
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Error("status failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, domain.ErrInvalidArgument
	}
	return n, nil
}
