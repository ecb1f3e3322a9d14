package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name string
	// Optional checks degrade the status without failing the probe.
	Optional bool
	Check    func(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	timeout time.Duration
	checks  []HealthCheck
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(timeout time.Duration, checks ...HealthCheck) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{timeout: timeout, checks: checks}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			slog.Error("Health check failed", "check", c.Name, "error", err)
			checks[c.Name] = "unreachable"
			status = "degraded"
			if !c.Optional {
				statusCode = http.StatusServiceUnavailable
			}
			continue
		}
		checks[c.Name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
