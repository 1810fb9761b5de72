package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/study-gate/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthChecker reports whether a dependency is serving.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	store store.Repository
	agent HealthChecker
}

// NewHealthHandler creates a new health handler. agent may be nil when no
// remote agent is configured.
func NewHealthHandler(repo store.Repository, agent HealthChecker) *HealthHandler {
	return &HealthHandler{store: repo, agent: agent}
}

// Health returns the health status. The agent is reported but never fails
// the check because the local policy covers for it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{
		"store": "ok",
		"agent": "disabled",
	}
	status := "healthy"
	code := http.StatusOK

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			slog.Error("Store health check failed", "error", err)
			checks["store"] = "error: " + err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	if h.agent != nil {
		if err := h.agent.Health(ctx); err != nil {
			slog.Warn("Agent health check failed", "error", err)
			checks["agent"] = "degraded"
		} else {
			checks["agent"] = "ok"
		}
	}

	JSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers health routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
