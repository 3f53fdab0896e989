package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Pinger is the readiness probe surface of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	store   Pinger
	version string
	started time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(store Pinger, version string) *HealthHandler {
	return &HealthHandler{store: store, version: version, started: time.Now()}
}

// Healthz reports process liveness.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).String(),
	})
}

// Readyz reports readiness: the store must answer a ping.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	render.JSON(w, r, map[string]interface{}{"status": "ready"})
}
