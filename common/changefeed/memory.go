package changefeed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cvanalytics/pipeline/common/models"
)

// MemoryFeed is an in-process change log. It backs the in-memory event store
// and the tests.
type MemoryFeed struct {
	mu         sync.Mutex
	retention  time.Duration
	now        func() time.Time
	partitions map[string]*partitionLog
	// wake is closed and replaced on every append to release waiting cursors.
	wake chan struct{}
}

type partitionLog struct {
	entries       []models.ChangeNotification
	next          int64
	prunedThrough int64
}

// MemoryOption configures a MemoryFeed.
type MemoryOption func(*MemoryFeed)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) MemoryOption {
	return func(f *MemoryFeed) {
		if d > 0 {
			f.retention = d
		}
	}
}

// WithClock injects the clock used for capture times and retention.
func WithClock(now func() time.Time) MemoryOption {
	return func(f *MemoryFeed) {
		if now != nil {
			f.now = now
		}
	}
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed(opts ...MemoryOption) *MemoryFeed {
	f := &MemoryFeed{
		retention:  DefaultRetention,
		now:        time.Now,
		partitions: make(map[string]*partitionLog),
		wake:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *MemoryFeed) logFor(partition string) *partitionLog {
	p, ok := f.partitions[partition]
	if !ok {
		p = &partitionLog{next: 1}
		f.partitions[partition] = p
	}
	return p
}

// Append records a change and returns the notification with its position.
// Callers append in write order; the feed preserves that order.
func (f *MemoryFeed) Append(partition, eventKey string, changeType models.ChangeType, event *models.Event) models.ChangeNotification {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.logFor(partition)
	n := models.ChangeNotification{
		EventKey:   eventKey,
		Partition:  partition,
		ChangeType: changeType,
		Position:   p.next,
		CapturedAt: f.now().UTC(),
		Event:      event,
	}
	p.next++
	p.entries = append(p.entries, n)

	close(f.wake)
	f.wake = make(chan struct{})
	return n
}

// Open implements Feed.
func (f *MemoryFeed) Open(ctx context.Context, partition string, from Position) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pruneLocked(f.now())
	p := f.logFor(partition)

	var next int64
	switch {
	case from == PositionNow:
		next = p.next
	case from <= PositionOldest:
		next = p.prunedThrough + 1
	default:
		next = int64(from)
		if next <= p.prunedThrough {
			return nil, ErrPositionExpired
		}
	}

	return &memoryCursor{feed: f, partition: partition, next: next}, nil
}

// Partitions implements Feed.
func (f *MemoryFeed) Partitions(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.partitions))
	for name, p := range f.partitions {
		if p.next > 1 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Prune implements Feed.
func (f *MemoryFeed) Prune(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pruneLocked(now), nil
}

func (f *MemoryFeed) pruneLocked(now time.Time) int {
	cutoff := now.Add(-f.retention)
	removed := 0
	for _, p := range f.partitions {
		i := 0
		for i < len(p.entries) && p.entries[i].CapturedAt.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		p.prunedThrough = p.entries[i-1].Position
		p.entries = append([]models.ChangeNotification(nil), p.entries[i:]...)
		removed += i
	}
	return removed
}

type memoryCursor struct {
	feed      *MemoryFeed
	partition string
	next      int64
	closed    bool
}

func (c *memoryCursor) Next(ctx context.Context) (models.ChangeNotification, error) {
	for {
		c.feed.mu.Lock()
		if c.closed {
			c.feed.mu.Unlock()
			return models.ChangeNotification{}, ErrClosed
		}
		p := c.feed.partitions[c.partition]
		if c.next <= p.prunedThrough {
			c.feed.mu.Unlock()
			return models.ChangeNotification{}, ErrPositionExpired
		}
		idx := c.next - p.prunedThrough - 1
		if idx < int64(len(p.entries)) {
			n := p.entries[idx]
			c.next = n.Position + 1
			c.feed.mu.Unlock()
			return n, nil
		}
		wake := c.feed.wake
		c.feed.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.ChangeNotification{}, ctx.Err()
		case <-wake:
		}
	}
}

func (c *memoryCursor) Close() error {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.feed.wake)
		c.feed.wake = make(chan struct{})
	}
	return nil
}
