package middleware

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmylchreest/chunkrelay/internal/observability"
)

// RequestIDHeader is the HTTP header for request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID injects a request ID into the context, reusing an incoming
// X-Request-ID header when present. When logger is non-nil a request scoped
// logger is stored as well, retrievable with observability.LoggerFromContext.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			if logger != nil {
				ctx = observability.ContextWithLogger(ctx, observability.WithRequestID(logger, requestID))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns the request ID from the context.
func GetRequestID(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}
