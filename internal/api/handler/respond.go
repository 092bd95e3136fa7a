package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// PostingQueue is the service surface the handlers call.
type PostingQueue interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (domain.EnqueueResult, error)
	ProcessQueue(ctx context.Context, maxItems int) (domain.ProcessResult, error)
	GetStatus(ctx context.Context) (domain.QueueStatus, error)
	Cleanup(ctx context.Context, retentionDays int) (domain.CleanupResult, error)
	Reject(ctx context.Context, id, reason string) (domain.CancelResult, error)
	Get(ctx context.Context, id string) (*domain.QueueItem, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, error)
	HealthCheck(ctx context.Context) (domain.HealthReport, error)
	ForceRequeue(ctx context.Context, id string) error
	ForceFail(ctx context.Context, id, reason string) error
	QueuePosition(ctx context.Context, id string) (domain.QueuePosition, error)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondValidation reports struct tag failures field by field.
func respondValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondJSON(w, http.StatusUnprocessableEntity, domain.EnqueueResult{Reason: domain.ReasonInvalid, Message: err.Error()})
		return
	}
	fields := make([]map[string]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, map[string]string{"field": e.Field(), "rule": e.Tag()})
	}
	respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"ok":      false,
		"reason":  domain.ReasonInvalid,
		"message": "validation failed",
		"fields":  fields,
	})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrNotPending),
		errors.Is(err, domain.ErrNotInFlight),
		errors.Is(err, domain.ErrNotStuck):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrInvalidChannel),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidContent),
		errors.Is(err, domain.ErrInvalidSource),
		errors.Is(err, domain.ErrInvalidArgument):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// reasonStatus maps an unsuccessful result reason to its HTTP status.
func reasonStatus(r domain.Reason) int {
	switch r {
	case domain.ReasonDuplicate, domain.ReasonAlreadyDispatched:
		return http.StatusConflict
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests
	case domain.ReasonNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}
