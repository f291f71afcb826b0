// Package changefeed exposes ordered, restartable per-partition streams of
// change notifications for records written to the event store.
//
// Positions are assigned per partition starting at 1 and are strictly
// increasing in write order. Nothing is guaranteed about the relative order
// of two partitions.
package changefeed

import (
	"context"
	"errors"
	"time"

	"github.com/cvanalytics/pipeline/common/models"
)

// DefaultRetention is how long notifications stay readable.
const DefaultRetention = 24 * time.Hour

// Position identifies a notification within a partition.
type Position int64

const (
	// PositionNow opens a cursor at the tail: only notifications written
	// after Open are delivered.
	PositionNow Position = -1

	// PositionOldest opens a cursor at the oldest retained notification.
	PositionOldest Position = 0
)

var (
	// ErrPositionExpired is returned when the requested position has been
	// pruned. The consumer must resynchronize from full state.
	ErrPositionExpired = errors.New("changefeed: position is outside the retention window")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("changefeed: cursor closed")
)

// Feed produces change notifications per partition.
type Feed interface {
	// Open returns a cursor delivering notifications with position >= from.
	Open(ctx context.Context, partition string, from Position) (Cursor, error)

	// Partitions lists partitions that have received at least one write.
	Partitions(ctx context.Context) ([]string, error)

	// Prune drops notifications captured before now minus the retention
	// window and returns how many were removed.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Cursor is a lazy iterator over one partition.
type Cursor interface {
	// Next blocks until the next notification is available or ctx is done.
	Next(ctx context.Context) (models.ChangeNotification, error)

	// Close releases the cursor. Calling it more than once is a no-op.
	Close() error
}
