package correlation

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryIndex keeps timelines in process memory.
type MemoryIndex struct {
	mu        sync.RWMutex
	timelines map[string][]RecordRef
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{timelines: make(map[string][]RecordRef)}
}

func (m *MemoryIndex) Append(_ context.Context, correlationID string, ref RecordRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := m.timelines[correlationID]
	i := sort.Search(len(refs), func(i int) bool { return !Less(refs[i], ref) })
	if i < len(refs) && refs[i].Kind == ref.Kind && refs[i].Key == ref.Key {
		return nil
	}
	m.timelines[correlationID] = slices.Insert(refs, i, ref)
	return nil
}

func (m *MemoryIndex) Timeline(_ context.Context, correlationID string) ([]RecordRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.timelines[correlationID]), nil
}
