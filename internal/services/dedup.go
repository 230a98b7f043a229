package services

import "sync"

// DefaultSeenIDCapacity bounds the dedup set; QoS 1 redelivery windows are
// short, so the last 1000 trade IDs are plenty.
const DefaultSeenIDCapacity = 1000

// SeenIDSet is a bounded FIFO set of identifiers used to drop duplicate
// deliveries. Eviction is strict FIFO: re-seeing an ID does not refresh
// its position.
type SeenIDSet struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	order    []string
	capacity int
}

// NewSeenIDSet creates a set with the given capacity; non-positive values
// fall back to DefaultSeenIDCapacity.
func NewSeenIDSet(capacity int) *SeenIDSet {
	if capacity <= 0 {
		capacity = DefaultSeenIDCapacity
	}
	return &SeenIDSet{
		ids:      make(map[string]struct{}),
		capacity: capacity,
	}
}

// Seen atomically checks and inserts: it returns true when the ID was
// already present (a duplicate), false when it was novel. Inserting past
// capacity evicts the single oldest entry.
func (s *SeenIDSet) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return true
	}

	s.ids[id] = struct{}{}
	s.order = append(s.order, id)

	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return false
}

// Clear empties the set.
func (s *SeenIDSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]struct{})
	s.order = nil
}

// Count returns the number of tracked IDs.
func (s *SeenIDSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
