// Package api wires the ops routes onto the provided ServeMux.
package api

import (
	"log/slog"
	"net/http"

	"github.com/d9705996/escalator/internal/api/jsonapi"
	"github.com/d9705996/escalator/internal/api/middleware"
	"github.com/d9705996/escalator/internal/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns the ops HTTP handler: health, readiness and metrics.
func NewRouter(h *health.Handler, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.ServeHealth)
	mux.HandleFunc("GET /api/v1/ready", h.ServeReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "no route for "+r.URL.Path)
	})
	return middleware.Chain(mux, middleware.Recover(log), middleware.Logging(log))
}
