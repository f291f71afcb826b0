package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvanalytics/pipeline/common/middleware"
	"github.com/cvanalytics/pipeline/processor/internal/handlers"
)

// NewRouter wires HTTP routes for the processor service. stream serves the
// realtime change feed and may be nil.
func NewRouter(h *handlers.ProcessorHandler, stream http.Handler) http.Handler {
	mux := http.NewServeMux()

	// Read API
	mux.HandleFunc("GET /v1/timeline/{correlationId}", h.Timeline)
	mux.HandleFunc("GET /v1/aggregates", h.Aggregates)
	mux.HandleFunc("GET /v1/aggregates/{key}", h.Aggregate)
	mux.HandleFunc("GET /v1/deadletters", h.DeadLetters)
	mux.HandleFunc("DELETE /v1/deadletters/{id}", h.DeleteDeadLetter)

	if stream != nil {
		mux.Handle("GET /v1/stream", stream)
	}

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
