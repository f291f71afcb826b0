// Package realtime pushes committed changes to connected subscribers.
//
// A subscriber first receives a bounded snapshot of the most recent changes,
// then every change notified while it stays connected. Nothing is replayed to
// a subscriber that reconnects. A subscriber whose buffer fills up is
// disconnected rather than allowed to slow the publisher down.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/processor/internal/metrics"
)

// Change kinds.
const (
	KindAggregate = "aggregate"
	KindEvent     = "event"
)

const (
	DefaultSnapshotSize = 50
	DefaultBuffer       = 64
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("realtime: publisher closed")

// Change is one committed record change.
type Change struct {
	Kind          string          `json:"kind"`
	Key           string          `json:"key"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Record        json.RawMessage `json:"record,omitempty"`
	At            time.Time       `json:"at"`
	// Origin identifies the instance that committed the change.
	Origin string `json:"origin,omitempty"`
}

// Notifier accepts committed changes.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// Publisher fans changes out to in-process subscribers.
type Publisher struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	recent   []Change
	snapSize int
	buffer   int
	closed   bool
	logger   *logging.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSnapshotSize sets how many recent changes a new subscriber receives.
func WithSnapshotSize(n int) Option {
	return func(p *Publisher) {
		if n >= 0 {
			p.snapSize = n
		}
	}
}

// WithBuffer sets the per-subscriber live buffer.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		subs:     make(map[uint64]*Subscription),
		snapSize: DefaultSnapshotSize,
		buffer:   DefaultBuffer,
		logger:   logging.Discard(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Subscription is one listener. Read changes from Updates until it is
// closed, which happens on Unsubscribe, when ctx passed to Subscribe ends,
// or when the subscriber fell behind.
type Subscription struct {
	id      uint64
	ch      chan Change
	pub     *Publisher
	dropped bool
	stop    func() bool
}

// Updates delivers the snapshot followed by live changes.
func (s *Subscription) Updates() <-chan Change { return s.ch }

// Unsubscribe releases the subscription. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.pub.remove(s.id)
}

// Dropped reports whether the subscription was closed for falling behind.
func (s *Subscription) Dropped() bool {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	return s.dropped
}

// Subscribe registers a listener. The snapshot is queued before any live
// change, so the two never interleave.
func (p *Publisher) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.nextID++
	sub := &Subscription{
		id:  p.nextID,
		ch:  make(chan Change, len(p.recent)+p.buffer),
		pub: p,
	}
	for _, c := range p.recent {
		sub.ch <- c
	}
	p.subs[sub.id] = sub
	sub.stop = context.AfterFunc(ctx, sub.Unsubscribe)
	n := len(p.subs)
	p.mu.Unlock()

	metrics.RealtimeSubscribers.Set(float64(n))
	return sub, nil
}

// Notify records change in the snapshot and sends it to every subscriber.
// It never blocks on a subscriber.
func (p *Publisher) Notify(_ context.Context, change Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	if p.snapSize > 0 {
		p.recent = append(p.recent, change)
		if over := len(p.recent) - p.snapSize; over > 0 {
			p.recent = append([]Change(nil), p.recent[over:]...)
		}
	}

	for id, sub := range p.subs {
		select {
		case sub.ch <- change:
		default:
			sub.dropped = true
			p.removeLocked(id)
			metrics.RealtimeDropped.Inc()
			p.logger.Warn("realtime subscriber fell behind, disconnecting")
		}
	}
	metrics.RealtimeSubscribers.Set(float64(len(p.subs)))
	return nil
}

// Snapshot returns the most recent changes, oldest first.
func (p *Publisher) Snapshot() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Change(nil), p.recent...)
}

// Subscribers counts connected listeners.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close disconnects every subscriber and rejects new ones.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id := range p.subs {
		p.removeLocked(id)
	}
	metrics.RealtimeSubscribers.Set(0)
}

func (p *Publisher) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
	metrics.RealtimeSubscribers.Set(float64(len(p.subs)))
}

func (p *Publisher) removeLocked(id uint64) {
	sub, ok := p.subs[id]
	if !ok {
		return
	}
	delete(p.subs, id)
	close(sub.ch)
	if sub.stop != nil {
		sub.stop()
	}
}
