package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/cvanalytics/pipeline/common/changefeed"
	"github.com/cvanalytics/pipeline/common/models"
)

// MemoryStore keeps events in process memory and appends every insert to a
// MemoryFeed under the same lock, so feed order equals write order.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]models.Event
	feed   *changefeed.MemoryFeed
}

// NewMemoryStore creates a store. feed may be nil.
func NewMemoryStore(feed *changefeed.MemoryFeed) *MemoryStore {
	return &MemoryStore{
		events: make(map[string]models.Event),
		feed:   feed,
	}
}

func (s *MemoryStore) Insert(ctx context.Context, ev *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.Key]; ok {
		return ErrDuplicate
	}
	stored := *ev
	s.events[ev.Key] = stored
	if s.feed != nil {
		s.feed.Append(ev.Partition, ev.Key, models.ChangeAdded, &stored)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

// ListByCorrelation returns the events of one correlation id ordered by
// ReceivedAt then SequenceHint.
func (s *MemoryStore) ListByCorrelation(_ context.Context, correlationID string) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Event
	for _, ev := range s.events {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].SequenceHint < out[j].SequenceHint
	})
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
