package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/posting-queue/internal/api/middleware"
	"github.com/notifyhub/posting-queue/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// createPostRequest is the wire shape of an enqueue call. Struct tags catch
// malformed bodies; channel and content rules are enforced by the service.
type createPostRequest struct {
	Content     string            `json:"content" validate:"required"`
	Channel     string            `json:"channel" validate:"required,max=32"`
	Priority    string            `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Source      string            `json:"source" validate:"max=128"`
	Metadata    map[string]string `json:"metadata" validate:"max=32,dive,keys,max=64,endkeys,max=1024"`
	ScheduledAt *time.Time        `json:"scheduled_at"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// PostsHandler handles single-item endpoints.
type PostsHandler struct {
	svc       PostingQueue
	validator *validator.Validate
	logger    *zap.Logger
}

func NewPostsHandler(svc PostingQueue, logger *zap.Logger) *PostsHandler {
	return &PostsHandler{svc: svc, validator: validator.New(), logger: logger}
}

// Create handles POST /api/v1/posts
//
// 201 on success, 409 DUPLICATE, 429 RATE_LIMITED, 422 INVALID.
func (h *PostsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}

	res, err := h.svc.Enqueue(r.Context(), domain.EnqueueRequest{
		Content:     req.Content,
		Channel:     domain.Channel(req.Channel),
		Priority:    domain.Priority(req.Priority),
		Source:      req.Source,
		Metadata:    req.Metadata,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Error("enqueue failed", zap.Error(err))
		mapError(w, err)
		return
	}
	if !res.OK {
		respondJSON(w, reasonStatus(res.Reason), res)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// GetByID handles GET /api/v1/posts/{id}
func (h *PostsHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

// List handles GET /api/v1/posts?status=&channel=&limit=
func (h *PostsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		mapError(w, err)
		return
	}
	items, err := h.svc.List(r.Context(), filter)
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Error("list failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
		"limit": filter.Limit,
	})
}

// Position handles GET /api/v1/posts/{id}/position
func (h *PostsHandler) Position(w http.ResponseWriter, r *http.Request) {
	pos, err := h.svc.QueuePosition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pos)
}

// Cancel handles DELETE /api/v1/posts/{id}. An optional ?reason= is kept on
// the item.
func (h *PostsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reject(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	if err != nil {
		mapError(w, err)
		return
	}
	if !res.OK {
		respondJSON(w, reasonStatus(res.Reason), res)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Requeue handles POST /api/v1/posts/{id}/requeue for stuck items.
func (h *PostsHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.ForceRequeue(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	apimw.Logger(r.Context(), h.logger).Warn("stuck item requeued via api", zap.String("item_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// Fail handles POST /api/v1/posts/{id}/fail for stuck items. The body
// {"reason": "..."} is optional.
func (h *PostsHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.ForceFail(r.Context(), id, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	apimw.Logger(r.Context(), h.logger).Warn("stuck item failed via api", zap.String("item_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	filter := domain.ListFilter{Limit: defaultListLimit}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxListLimit {
			return filter, domain.ErrInvalidArgument
		}
		filter.Limit = n
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		if !st.IsValid() {
			return filter, domain.ErrInvalidArgument
		}
		filter.Status = &st
	}
	if ch := q.Get("channel"); ch != "" {
		c := domain.Channel(ch)
		filter.Channel = &c
	}
	return filter, nil
}
