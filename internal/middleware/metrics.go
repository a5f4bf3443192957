package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Metrics returns a middleware that records Prometheus metrics.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			next.ServeHTTP(rw, r)

			metrics.RecordRequest(r.Method, normalizePath(r.URL.Path), rw.statusCode, time.Since(start))
		})
	}
}

// knownPaths are reported as-is; everything else collapses into one label.
var knownPaths = map[string]bool{
	"/health":             true,
	"/ready":              true,
	"/metrics":            true,
	authority.PathVersion: true,
	authority.PathApply:   true,
}

// normalizePath keeps the metrics path label bounded.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	if strings.HasPrefix(path, "/v1/") {
		return "/v1/{other}"
	}
	return "/other"
}
