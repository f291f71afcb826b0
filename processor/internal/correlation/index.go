// Package correlation maintains per-correlation-id timelines of the records
// produced for one workflow. It is a derived view: it may lag the event
// store and can be rebuilt from it.
package correlation

import (
	"context"
	"sort"
	"time"

	"github.com/cvanalytics/pipeline/common/models"
)

// Record kinds.
const (
	KindEvent     = "event"
	KindAggregate = "aggregate"
)

// RecordRef points at one record on a timeline.
type RecordRef struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	// ReceivedAt has microsecond precision. The redis index scores by
	// microseconds, so refs closer than that are ordered by SequenceHint.
	ReceivedAt   time.Time `json:"received_at"`
	SequenceHint int64     `json:"sequence_hint"`
}

// Index stores timelines. Append is idempotent for an identical ref.
type Index interface {
	Append(ctx context.Context, correlationID string, ref RecordRef) error
	// Timeline returns refs ordered by ReceivedAt, then SequenceHint.
	Timeline(ctx context.Context, correlationID string) ([]RecordRef, error)
}

// Less orders refs by ReceivedAt, then SequenceHint, then kind and key so the
// order is total.
func Less(a, b RecordRef) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	if a.SequenceHint != b.SequenceHint {
		return a.SequenceHint < b.SequenceHint
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Key < b.Key
}

// Sort orders refs in place.
func Sort(refs []RecordRef) {
	sort.Slice(refs, func(i, j int) bool { return Less(refs[i], refs[j]) })
}

// EventRef builds the ref for a stored event.
func EventRef(ev *models.Event) RecordRef {
	return RecordRef{
		Kind:         KindEvent,
		Key:          ev.Key,
		ReceivedAt:   ev.ReceivedAt.Truncate(time.Microsecond),
		SequenceHint: ev.SequenceHint,
	}
}

// EventLister reads stored events of one correlation id.
type EventLister interface {
	ListByCorrelation(ctx context.Context, correlationID string) ([]models.Event, error)
}

// Rebuild re-appends every stored event of correlationID. Existing refs are
// left in place, so it only fills gaps.
func Rebuild(ctx context.Context, idx Index, events EventLister, correlationID string) (int, error) {
	evs, err := events.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return 0, err
	}
	for i := range evs {
		if err := idx.Append(ctx, correlationID, EventRef(&evs[i])); err != nil {
			return i, err
		}
	}
	return len(evs), nil
}
