// Package handlers serves the webhook intake endpoints.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/cvanalytics/pipeline/common/eventstore"
	"github.com/cvanalytics/pipeline/common/httputil"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/middleware"
	"github.com/cvanalytics/pipeline/common/signature"
	"github.com/cvanalytics/pipeline/common/sourcestats"
	"github.com/cvanalytics/pipeline/ingest/internal/metrics"
	"github.com/cvanalytics/pipeline/ingest/internal/ratelimit"
	"github.com/cvanalytics/pipeline/ingest/internal/service"
)

// SignatureHeaders are checked in order for the "sha256=<hex>" value.
var SignatureHeaders = []string{
	"X-Hub-Signature-256",
	"X-Signature-256",
	"X-Webhook-Signature",
}

// IngestService is the part of service.IngestService the handler needs.
type IngestService interface {
	Ingest(ctx context.Context, d service.Delivery) (*service.Result, error)
	Source(name string) (*service.Source, bool)
	GetStats() service.IngestionStats
}

// Pinger reports whether the event store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsRecorder counts deliveries per source.
type StatsRecorder interface {
	Record(source string, accepted bool, remoteIP string)
}

// StatsReader reads per-source delivery statistics.
type StatsReader interface {
	Get(ctx context.Context, source string) (*sourcestats.Stats, error)
}

type WebhookHandler struct {
	service     IngestService
	limiter     ratelimit.RateLimiter
	store       Pinger
	maxBodySize int64
	logger      *logging.Logger

	recorder StatsRecorder
	stats    StatsReader
}

// NewWebhookHandler creates the handler. limiter and store may be nil.
func NewWebhookHandler(svc IngestService, limiter ratelimit.RateLimiter, store Pinger, maxBodySize int64, logger *logging.Logger) *WebhookHandler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		service:     svc,
		limiter:     limiter,
		store:       store,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// WithSourceStats enables delivery counting and GET /v1/sources/{source}/stats.
func (h *WebhookHandler) WithSourceStats(recorder StatsRecorder, reader StatsReader) *WebhookHandler {
	h.recorder = recorder
	h.stats = reader
	return h
}

// HandleWebhook serves POST /webhooks/{source}.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	sourceName := r.PathValue("source")
	src, ok := h.service.Source(sourceName)
	if !ok {
		h.reject(w, sourceName, http.StatusNotFound, "unknown_source", fmt.Sprintf("no webhook source named %q", sourceName))
		return
	}

	clientIP := getClientIP(r)
	allowed, err := h.limiter.Allow(r.Context(), src.Name+":"+clientIP)
	if err != nil {
		// Fail open: losing the limiter must not drop deliveries.
		h.logger.WarnContext(r.Context(), "rate limiter unavailable", logging.Error(err))
	} else if !allowed {
		metrics.RateLimitHits.WithLabelValues(src.Name).Inc()
		h.reject(w, src.Name, http.StatusTooManyRequests, "rate_limited", "too many deliveries")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, src.Name, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("body exceeds %d bytes", h.maxBodySize))
			return
		}
		h.reject(w, src.Name, http.StatusBadRequest, "unreadable_body", "failed to read request body")
		return
	}
	defer r.Body.Close()
	metrics.WebhookBytesTotal.Add(float64(len(body)))

	var eventType string
	if src.EventTypeHeader != "" {
		eventType = r.Header.Get(src.EventTypeHeader)
	}

	res, err := h.service.Ingest(r.Context(), service.Delivery{
		Source:          src.Name,
		Body:            body,
		SignatureHeader: signatureHeader(r.Header),
		DeliveryID:      middleware.DeliveryID(r.Header),
		EventType:       eventType,
		RemoteIP:        clientIP,
	})
	if err != nil {
		status, code, msg := classify(err)
		if h.recorder != nil {
			h.recorder.Record(src.Name, false, clientIP)
		}
		h.reject(w, src.Name, status, code, msg)
		return
	}

	metrics.WebhooksTotal.WithLabelValues(src.Name, "accepted").Inc()
	if h.recorder != nil {
		h.recorder.Record(src.Name, true, clientIP)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "accepted",
		"event_key":      res.EventKey,
		"correlation_id": res.CorrelationID,
	})
}

// classify maps service errors to a status. Messages never echo secrets or
// signatures.
func classify(err error) (int, string, string) {
	var authErr *signature.AuthError
	var writeErr *eventstore.WriteError
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, authErr.Reason, "webhook signature verification failed"
	case errors.Is(err, service.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload", err.Error()
	case errors.Is(err, service.ErrUnknownSource):
		return http.StatusNotFound, "unknown_source", err.Error()
	case errors.As(err, &writeErr):
		return http.StatusInternalServerError, "storage_unavailable", "event could not be stored; retry the delivery"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func (h *WebhookHandler) reject(w http.ResponseWriter, source string, status int, code, msg string) {
	metrics.WebhooksTotal.WithLabelValues(source, code).Inc()
	httputil.WriteError(w, status, code, msg)
}

// SourceStats serves GET /v1/sources/{source}/stats.
func (h *WebhookHandler) SourceStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "stats_unavailable", "source statistics need redis")
		return
	}
	name := r.PathValue("source")
	if _, ok := h.service.Source(name); !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown_source", fmt.Sprintf("no webhook source named %q", name))
		return
	}
	stats, err := h.stats.Get(r.Context(), name)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "source stats read failed", logging.Source(name), logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "stats_unavailable", "source statistics could not be read")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// Health serves /healthz.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready serves /readyz: ready when the event store answers.
func (h *WebhookHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"error":  "event store unreachable",
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"stats":  h.service.GetStats(),
	})
}

func signatureHeader(h http.Header) string {
	for _, name := range SignatureHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
