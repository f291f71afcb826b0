// Package service turns signed webhook deliveries into durable events.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cvanalytics/pipeline/common/eventstore"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/signature"
	"github.com/cvanalytics/pipeline/ingest/internal/metrics"
	"github.com/cvanalytics/pipeline/ingest/internal/validator"
)

var (
	// ErrUnknownSource is returned for deliveries to an unconfigured source.
	ErrUnknownSource = errors.New("unknown webhook source")

	// ErrInvalidPayload is returned when a verified body is not a JSON object
	// or fails validation.
	ErrInvalidPayload = validator.ErrInvalid
)

// EventWriter persists verified events.
type EventWriter interface {
	Write(ctx context.Context, ev eventstore.VerifiedEvent) (string, error)
}

// Source is a configured webhook sender.
type Source struct {
	Name             string
	Partition        string
	Verifier         *signature.Verifier
	CorrelationPaths []string
	EventTypeHeader  string
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Source          string
	Body            []byte
	SignatureHeader string
	DeliveryID      string
	// EventType is the value of the source's event type header, if any.
	EventType string
	RemoteIP  string
}

// Result identifies the stored event.
type Result struct {
	EventKey      string `json:"event_key"`
	CorrelationID string `json:"correlation_id"`
	EventType     string `json:"event_type,omitempty"`
}

// IngestionStats are process-local counters exposed on /readyz.
type IngestionStats struct {
	Accepted     int64     `json:"accepted"`
	AuthFailures int64     `json:"auth_failures"`
	Invalid      int64     `json:"invalid"`
	WriteErrors  int64     `json:"write_errors"`
	TotalBytes   int64     `json:"total_bytes"`
	LastAccepted time.Time `json:"last_accepted,omitempty"`
}

type IngestService struct {
	sources    map[string]*Source
	writer     EventWriter
	validators *validator.Chain
	logger     *logging.Logger

	accepted     atomic.Int64
	authFailures atomic.Int64
	invalid      atomic.Int64
	writeErrors  atomic.Int64
	totalBytes   atomic.Int64
	lastAccepted atomic.Int64
}

// NewIngestService creates the service. validators may be nil.
func NewIngestService(sources []*Source, writer EventWriter, validators *validator.Chain, logger *logging.Logger) *IngestService {
	if logger == nil {
		logger = logging.Default()
	}
	byName := make(map[string]*Source, len(sources))
	for _, s := range sources {
		if s.Partition == "" {
			s.Partition = s.Name
		}
		byName[s.Name] = s
	}
	return &IngestService{
		sources:    byName,
		writer:     writer,
		validators: validators,
		logger:     logger,
	}
}

// Source returns the configured source by name.
func (s *IngestService) Source(name string) (*Source, bool) {
	src, ok := s.sources[name]
	return src, ok
}

// Ingest verifies, parses and persists one delivery. The signature is checked
// over the body exactly as received before anything is decoded; a failed
// check returns *signature.AuthError and nothing is written.
func (s *IngestService) Ingest(ctx context.Context, d Delivery) (*Result, error) {
	src, ok := s.sources[d.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, d.Source)
	}
	s.totalBytes.Add(int64(len(d.Body)))

	verified, err := src.Verifier.Verify(d.Body, d.SignatureHeader)
	if err != nil {
		s.authFailures.Add(1)
		reason := "unknown"
		var authErr *signature.AuthError
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		metrics.AuthFailures.WithLabelValues(src.Name, reason).Inc()
		s.logger.WarnContext(ctx, "webhook signature rejected",
			logging.Source(src.Name),
			logging.IP(d.RemoteIP),
			logging.Reason(reason),
			"delivery_id", d.DeliveryID)
		return nil, err
	}
	if verified.Rotated {
		metrics.SecretRotationHits.WithLabelValues(src.Name).Inc()
	}

	var payload map[string]any
	if err := json.Unmarshal(verified.Payload, &payload); err != nil || payload == nil {
		s.invalid.Add(1)
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
	}
	if err := s.validators.Validate(ctx, src.Name, payload); err != nil {
		s.invalid.Add(1)
		return nil, err
	}

	correlationID := correlationFrom(payload, src.CorrelationPaths)
	eventType := eventTypeOf(d.EventType, payload)

	start := time.Now()
	key, err := s.writer.Write(ctx, eventstore.VerifiedEvent{
		Partition:     src.Partition,
		Source:        src.Name,
		CorrelationID: correlationID,
		EventType:     eventType,
		DeliveryID:    d.DeliveryID,
		Payload:       verified.Payload,
		Signature:     verified.Signature,
	})
	metrics.WriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeErrors.Add(1)
		metrics.WriteErrors.Inc()
		s.logger.ErrorContext(ctx, "failed to persist webhook event",
			logging.Source(src.Name),
			logging.CorrelationID(correlationID),
			logging.Error(err))
		return nil, err
	}

	s.accepted.Add(1)
	s.lastAccepted.Store(time.Now().UnixNano())

	if correlationID == "" {
		// The writer generated one; recover it from the key.
		correlationID = correlationFromKey(key)
	}
	s.logger.InfoContext(ctx, "webhook event stored",
		logging.Source(src.Name),
		logging.EventKey(key),
		logging.CorrelationID(correlationID))

	return &Result{EventKey: key, CorrelationID: correlationID, EventType: eventType}, nil
}

// GetStats returns a snapshot of the counters.
func (s *IngestService) GetStats() IngestionStats {
	stats := IngestionStats{
		Accepted:     s.accepted.Load(),
		AuthFailures: s.authFailures.Load(),
		Invalid:      s.invalid.Load(),
		WriteErrors:  s.writeErrors.Load(),
		TotalBytes:   s.totalBytes.Load(),
	}
	if ns := s.lastAccepted.Load(); ns > 0 {
		stats.LastAccepted = time.Unix(0, ns).UTC()
	}
	return stats
}

// correlationFrom returns the first path that resolves to a scalar.
func correlationFrom(payload map[string]any, paths []string) string {
	for _, p := range paths {
		v, ok := validator.Lookup(payload, p)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(val)
		}
	}
	return ""
}

// eventTypeOf combines the header type with the payload action,
// e.g. "issues" + "opened" gives "issues.opened".
func eventTypeOf(header string, payload map[string]any) string {
	header = strings.TrimSpace(header)
	action, _ := payload["action"].(string)
	switch {
	case header != "" && action != "":
		return header + "." + action
	case header != "":
		return header
	default:
		if t, ok := payload["event_type"].(string); ok {
			return t
		}
		return action
	}
}

func correlationFromKey(key string) string {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
