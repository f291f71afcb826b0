package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cvanalytics/pipeline/common/httputil"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/messaging"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/processor"
)

const readyTimeout = 2 * time.Second

// StatsSource reports live processor counters.
type StatsSource interface {
	Health() processor.Stats
}

// ProcessorHandler serves the read side of the pipeline.
type ProcessorHandler struct {
	aggregates  aggregate.Store
	index       correlation.Index
	events      correlation.EventLister
	deadLetters dlq.Store
	processors  []StatsSource
	broker      messaging.Client
	logger      *logging.Logger
}

// NewProcessorHandler constructs a new handler. events may be nil, in which
// case timeline rebuilds are rejected.
func NewProcessorHandler(aggregates aggregate.Store, index correlation.Index, events correlation.EventLister,
	deadLetters dlq.Store, processors []StatsSource, logger *logging.Logger) *ProcessorHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ProcessorHandler{
		aggregates:  aggregates,
		index:       index,
		events:      events,
		deadLetters: deadLetters,
		processors:  processors,
		logger:      logger,
	}
}

// WithBroker makes health and readiness report the message broker connection.
func (h *ProcessorHandler) WithBroker(client messaging.Client) *ProcessorHandler {
	h.broker = client
	return h
}

// TimelineResponse lists the records of one correlation id in order.
type TimelineResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Records       []correlation.RecordRef `json:"records"`
	Rebuilt       int                     `json:"rebuilt,omitempty"`
}

// Timeline handles GET /v1/timeline/{correlationId}. With ?rebuild=true the
// index is first refilled from the event store.
func (h *ProcessorHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("correlationId")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing_correlation_id", "correlation id is required")
		return
	}

	resp := TimelineResponse{CorrelationID: id}
	if rebuild, _ := strconv.ParseBool(r.URL.Query().Get("rebuild")); rebuild {
		if h.events == nil {
			httputil.WriteError(w, http.StatusNotImplemented, "rebuild_unavailable", "no event store configured")
			return
		}
		n, err := correlation.Rebuild(r.Context(), h.index, h.events, id)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "timeline rebuild failed", logging.CorrelationID(id), logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "rebuild_failed", "timeline could not be rebuilt")
			return
		}
		resp.Rebuilt = n
	}

	refs, err := h.index.Timeline(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "timeline read failed", logging.CorrelationID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "index_unavailable", "timeline could not be read")
		return
	}
	if refs == nil {
		refs = []correlation.RecordRef{}
	}
	resp.Records = refs
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// Aggregate handles GET /v1/aggregates/{key}.
func (h *ProcessorHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rec, err := h.aggregates.Get(r.Context(), key)
	switch {
	case errors.Is(err, aggregate.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no aggregate for key "+key)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "aggregate read failed", logging.AggregateKey(key), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "store_unavailable", "aggregate could not be read")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// Aggregates handles GET /v1/aggregates?limit=N.
func (h *ProcessorHandler) Aggregates(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	recs, err := h.aggregates.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "aggregate list failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "store_unavailable", "aggregates could not be listed")
		return
	}
	if recs == nil {
		recs = []aggregate.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"aggregates": recs})
}

// DeadLetters handles GET /v1/deadletters?queue=Q&limit=N.
func (h *ProcessorHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, dlq.DefaultListLimit)
	if !ok {
		return
	}
	queue := r.URL.Query().Get("queue")
	entries, err := h.deadLetters.List(r.Context(), queue, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "dead-letter list failed", logging.Queue(queue), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "dlq_unavailable", "dead letters could not be listed")
		return
	}
	total, err := h.deadLetters.Count(r.Context())
	if err != nil {
		total = len(entries)
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

// DeleteDeadLetter handles DELETE /v1/deadletters/{id}.
func (h *ProcessorHandler) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.deadLetters.Delete(r.Context(), id)
	switch {
	case errors.Is(err, dlq.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no dead letter with id "+id)
	case err != nil:
		httputil.WriteError(w, http.StatusInternalServerError, "dlq_unavailable", "dead letter could not be deleted")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Health handles GET /healthz.
func (h *ProcessorHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := make([]processor.Stats, 0, len(h.processors))
	for _, p := range h.processors {
		stats = append(stats, p.Health())
	}
	body := map[string]any{"status": "healthy", "processors": stats}
	if h.broker != nil {
		broker := messaging.CheckClientHealth(r.Context(), h.broker)
		if !broker.Healthy() {
			body["status"] = "degraded"
		}
		body["broker"] = broker
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// Ready handles GET /readyz by touching the dead-letter store.
func (h *ProcessorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := h.deadLetters.Count(ctx); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "dead-letter store unavailable",
		})
		return
	}
	if h.broker != nil && !h.broker.IsConnected() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "message broker disconnected",
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}
