package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	loggerKey        contextKey = "logger"
)

// HeaderCorrelationID is read from and echoed on every request.
const HeaderCorrelationID = "X-Correlation-ID"

// CorrelationID tags each request with an id taken from the incoming
// header or freshly generated, echoes it back, and stores a child logger
// carrying it so handlers log with the id attached.
func CorrelationID(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderCorrelationID)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), correlationIDKey, id)
			ctx = context.WithValue(ctx, loggerKey, logger.With(zap.String("correlation_id", id)))
			w.Header().Set(HeaderCorrelationID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the id stored by CorrelationID, or "".
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// Logger returns the request-scoped logger, or fallback outside a request.
func Logger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return fallback
}
