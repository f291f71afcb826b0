// Package eventstore persists verified webhook events durably and hands each
// write to the change feed.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cvanalytics/pipeline/common/models"
)

var (
	// ErrNotFound is returned when no event exists for a key.
	ErrNotFound = errors.New("event not found")

	// ErrDuplicate is returned by Insert when the key already exists.
	ErrDuplicate = errors.New("event key already exists")

	// ErrUnavailable marks a store that cannot accept writes right now.
	ErrUnavailable = errors.New("event store unavailable")
)

// Store is the durable event store. Insert must be atomic: either the event
// and its change notification are both visible or neither is.
type Store interface {
	Insert(ctx context.Context, ev *models.Event) error
	Get(ctx context.Context, key string) (*models.Event, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]models.Event, error)
	Ping(ctx context.Context) error
}

// WriteError reports that an event could not be persisted. Producers should
// answer with a 5xx so the sender retries the whole delivery.
type WriteError struct {
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to persist event after %d attempts: %v", e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
