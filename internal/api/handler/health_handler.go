package handler

import "net/http"

// HealthHandler serves the liveness probe. Stuck items mark the queue as
// degraded but keep the probe green; only an unreachable store fails it.
type HealthHandler struct {
	svc PostingQueue
}

func NewHealthHandler(svc PostingQueue) *HealthHandler { return &HealthHandler{svc: svc} }

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.HealthCheck(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	status := "ok"
	if !rep.Healthy() {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"stuck":             len(rep.Stuck),
		"pending":           rep.Pending,
		"dead_lettered":     rep.DeadLettered,
		"channels_at_limit": rep.ChannelsAtLimit,
	})
}
