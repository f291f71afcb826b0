package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvanalytics/pipeline/common/middleware"
	"github.com/cvanalytics/pipeline/ingest/internal/handlers"
)

// NewRouter constructs a ServeMux with ingest API routes registered.
func NewRouter(h *handlers.WebhookHandler) http.Handler {
	mux := http.NewServeMux()

	// Webhook intake
	mux.HandleFunc("POST /webhooks/{source}", h.HandleWebhook)
	mux.HandleFunc("GET /v1/sources/{source}/stats", h.SourceStats)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
