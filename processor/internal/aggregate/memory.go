package aggregate

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	applied map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		applied: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *MemoryStore) Applied(_ context.Context, key, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[key][messageID]
	return ok, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.applied[rec.Key]
	if _, ok := ids[messageID]; ok {
		return ErrAlreadyApplied
	}
	var stored int64
	if cur, ok := s.records[rec.Key]; ok {
		stored = cur.Version
	}
	if stored != expected {
		return ErrConflict
	}

	s.records[rec.Key] = rec.clone()
	if ids == nil {
		ids = make(map[string]struct{})
		s.applied[rec.Key] = ids
	}
	ids[messageID] = struct{}{}
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
