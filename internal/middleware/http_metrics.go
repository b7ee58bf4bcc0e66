package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are reported under their own path.
var staticRoutes = map[string]bool{
	"/":                    true,
	"/api/stripe/webhook":  true,
	"/api/stripe/checkout": true,
	"/api/payments":        true,
	"/api/send-email":      true,
	"/auth/session":        true,
	"/auth/signout":        true,
	"/health":              true,
	"/ready":               true,
	"/metrics":             true,
}

// normalizePath maps request paths to route patterns so metric label
// cardinality stays bounded: /auth/google/callback becomes
// /auth/{provider}/callback. Unknown paths collapse to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) >= 3 && parts[1] == "auth" && parts[2] != "" {
		switch {
		case len(parts) == 3:
			return "/auth/{provider}"
		case len(parts) == 4 && parts[3] == "callback":
			return "/auth/{provider}/callback"
		}
	}

	if strings.HasPrefix(path, "/debug/pprof") {
		return "/debug/pprof"
	}

	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap returns the wrapped writer.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records request duration, request and
// response sizes, and request counts. Health endpoints (/health, /ready) are
// excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exclude health check endpoints from metrics
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Wrap response writer to capture status and size
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
