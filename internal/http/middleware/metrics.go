package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/chunkrelay/internal/metrics"
)

// Metrics records request counts and latencies by route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := wrapResponseWriter(w)
		next.ServeHTTP(rw, r)

		route := routePattern(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the matched chi pattern so label cardinality stays
// bounded by the route table rather than by session ids.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		return "/api/other"
	case strings.HasPrefix(r.URL.Path, "/video/"):
		return "/video/other"
	default:
		return "/other"
	}
}
