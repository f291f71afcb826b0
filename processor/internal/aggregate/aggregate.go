// Package aggregate holds the idempotent output of batch processing.
//
// Records are shared between processor instances with no common memory, so
// every mutation is a read followed by a version-checked write. The message
// id joins the record's applied set in that same write, which makes a
// redelivered or replayed message a no-op. The applied set is never trimmed:
// the change feed may replay any notification it still retains.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"
)

var (
	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("aggregate not found")
	// ErrConflict is returned by CompareAndSwap when the stored version moved.
	ErrConflict = errors.New("aggregate version conflict")
	// ErrAlreadyApplied is returned by CompareAndSwap when the message id is
	// already in the record's applied set.
	ErrAlreadyApplied = errors.New("message already applied")
)

// Record is one aggregate. Version 0 means never stored.
type Record struct {
	Key           string           `json:"aggregate_key"`
	Count         int64            `json:"count"`
	DerivedFields map[string]int64 `json:"derived_fields"`
	Version       int64            `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (r *Record) clone() *Record {
	c := *r
	c.DerivedFields = maps.Clone(r.DerivedFields)
	if c.DerivedFields == nil {
		c.DerivedFields = make(map[string]int64)
	}
	return &c
}

// Delta is the change one message makes.
type Delta struct {
	Count  int64
	Fields map[string]int64
}

// Store is a key-value table with conditional writes and a per-record set of
// applied message ids.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Applied reports whether messageID is in the applied set of key.
	Applied(ctx context.Context, key, messageID string) (bool, error)
	// CompareAndSwap stores rec if the stored version equals expected and
	// adds messageID to the applied set. Both happen or neither does. An
	// expected version of 0 creates the record.
	CompareAndSwap(ctx context.Context, rec *Record, expected int64, messageID string) error
	// List returns records ordered by key, newest last.
	List(ctx context.Context, limit int) ([]Record, error)
}

// Result describes an Apply call.
type Result struct {
	Record *Record
	// Duplicate is true when the message had already been applied.
	Duplicate bool
	// Conflicts counts lost compare-and-swap races.
	Conflicts int
}

// Applier applies deltas with dedup and optimistic concurrency.
type Applier struct {
	store        Store
	maxConflicts int
	now          func() time.Time
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ApplierOption {
	return func(a *Applier) { a.now = now }
}

func NewApplier(store Store, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:        store,
		maxConflicts: 100,
		now:          time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply adds delta to the record at key unless messageID was already applied.
// Store errors other than ErrConflict are returned unwrapped so callers can
// classify them.
func (a *Applier) Apply(ctx context.Context, key, messageID string, delta Delta) (*Result, error) {
	res := &Result{}
	for res.Conflicts <= a.maxConflicts {
		current, err := a.store.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			current = &Record{Key: key}
		case err != nil:
			return nil, err
		}

		applied, err := a.store.Applied(ctx, key, messageID)
		if err != nil {
			return nil, err
		}
		if applied {
			res.Record = current
			res.Duplicate = true
			return res, nil
		}

		next := current.clone()
		next.Count += delta.Count
		for name, v := range delta.Fields {
			next.DerivedFields[name] += v
		}
		next.Version = current.Version + 1
		next.UpdatedAt = a.now().UTC()

		err = a.store.CompareAndSwap(ctx, next, current.Version, messageID)
		switch {
		case err == nil:
			res.Record = next
			return res, nil
		case errors.Is(err, ErrAlreadyApplied):
			// Another delivery of the same message committed first.
			rec, err := a.store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			res.Record = rec
			res.Duplicate = true
			return res, nil
		case !errors.Is(err, ErrConflict):
			return nil, err
		}
		res.Conflicts++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: gave up on %s after %d attempts", ErrConflict, key, res.Conflicts)
}
