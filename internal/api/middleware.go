package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mewayz/fabric/internal/observability"
)

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument tags each request with an id, logs it, and records its latency
// under the matched route pattern.
func instrument(metrics *observability.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			r = r.WithContext(observability.WithRequestID(r.Context(), requestID))
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			took := time.Since(start)
			// The mux records the matched pattern on r.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequest(r.Method, route, wrapped.status, took)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", took,
				"remote_addr", r.RemoteAddr,
				"request_id", requestID,
			)
		})
	}
}
