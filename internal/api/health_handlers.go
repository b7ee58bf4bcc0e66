package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/nextstack/internal/health"
)

// readinessTimeout bounds all readiness checks together.
const readinessTimeout = 5 * time.Second

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	checkers map[string]health.Checker
}

// NewHealthHandlers creates health handlers. checkers are run by Ready;
// nil entries are skipped, so optional dependencies can be passed as-is.
func NewHealthHandlers(checkers map[string]health.Checker) *HealthHandlers {
	return &HealthHandlers{checkers: checkers}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness). It never touches dependencies.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": health.StatusOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness). Returns 503 if any configured
// dependency fails its check.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	results, healthy := health.RunAll(ctx, h.checkers)

	checks := make(map[string]string, len(results))
	for name, res := range results {
		checks[name] = res.Status
		if res.Err != nil {
			slog.WarnContext(ctx, "readiness check failed", "check", name, "error", res.Err)
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
