// Package dlq stores queue messages that exhausted their retry budget so an
// operator can inspect and replay them.
package dlq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no entry has the given id.
var ErrNotFound = errors.New("dead-letter entry not found")

// Reasons recorded on entries.
const (
	ReasonMaxReceives = "max_receives_exceeded"
	ReasonTerminal    = "terminal_failure"
)

// Entry is one dead-lettered message.
type Entry struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	MessageID    string    `json:"message_id"`
	Body         []byte    `json:"body"`
	GroupKey     string    `json:"group_key,omitempty"`
	ReceiveCount int       `json:"receive_count"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}

// Store is an inspectable dead-letter store.
type Store interface {
	Put(ctx context.Context, e Entry) error
	// List returns entries oldest first. An empty queue lists every queue.
	List(ctx context.Context, queue string, limit int) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Purge(ctx context.Context) error
}

// DefaultListLimit caps List when limit is not positive.
const DefaultListLimit = 100

// prepare fills the id and failure time when unset.
func prepare(e *Entry, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = now.UTC()
	}
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepare(&e, s.now())
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryStore) List(_ context.Context, queue string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if queue == "" || e.Queue == queue {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemoryStore) Purge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	return nil
}
