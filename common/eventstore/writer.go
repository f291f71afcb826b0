package eventstore

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/models"
)

// DefaultMaxAttempts bounds the immediate attempts of one Write.
const DefaultMaxAttempts = 3

// VerifiedEvent is a webhook delivery whose signature has been checked.
type VerifiedEvent struct {
	// Partition groups events whose order matters. Usually the source.
	Partition string
	Source    string
	// CorrelationID is optional; one is generated when empty.
	CorrelationID string
	EventType     string
	DeliveryID    string
	Payload       []byte
	Signature     string
}

// Writer assigns identity and timestamps to verified events and stores them.
type Writer struct {
	store       Store
	now         func() time.Time
	maxAttempts int
	seq         atomic.Int64
	logger      *logging.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterClock injects the clock used for ReceivedAt.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithWriterLogger sets the logger for retry diagnostics.
func WithWriterLogger(l *logging.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter creates a Writer over store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:       store,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		logger:      logging.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write persists ev and returns its key once the store has made it durable.
// Failed attempts are retried immediately up to the attempt limit with the
// same key; a duplicate key after a failed attempt means that attempt committed.
func (w *Writer) Write(ctx context.Context, ev VerifiedEvent) (string, error) {
	partition := strings.TrimSpace(ev.Partition)
	if partition == "" {
		partition = "default"
	}
	correlationID := strings.TrimSpace(ev.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	// Truncated to the precision every backend keeps.
	receivedAt := w.now().UTC().Truncate(time.Microsecond)
	seq := w.seq.Add(1)

	event := &models.Event{
		Key:             models.EventKey(partition, correlationID, receivedAt, seq),
		Partition:       partition,
		CorrelationID:   correlationID,
		Source:          ev.Source,
		EventType:       ev.EventType,
		DeliveryID:      ev.DeliveryID,
		Payload:         append([]byte(nil), ev.Payload...),
		ReceivedAt:      receivedAt,
		SourceSignature: ev.Signature,
		SequenceHint:    seq,
	}

	var (
		last error
		// set once an attempt failed in a way that may still have committed
		ambiguous bool
	)
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &WriteError{Attempts: attempt - 1, Err: err}
		}
		err := w.store.Insert(ctx, event)
		if err == nil {
			return event.Key, nil
		}
		if errors.Is(err, ErrDuplicate) {
			if ambiguous {
				return event.Key, nil
			}
			// Another writer produced the same key; take a fresh sequence.
			event.SequenceHint = w.seq.Add(1)
			event.Key = models.EventKey(partition, correlationID, receivedAt, event.SequenceHint)
		} else {
			ambiguous = true
		}
		last = err
		w.logger.WarnContext(ctx, "event write attempt failed",
			logging.EventKey(event.Key),
			logging.Partition(partition),
			"attempt", attempt,
			logging.Error(err))
	}
	return "", &WriteError{Attempts: w.maxAttempts, Err: last}
}
