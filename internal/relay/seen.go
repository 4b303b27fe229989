package relay

import "sync"

// SeenSet is a bounded set of recently seen keys. When an insert pushes it
// past its cap, the oldest half is evicted. Eviction order is insertion
// order, not access order.
type SeenSet struct {
	mu    sync.Mutex
	cap   int
	keys  map[string]struct{}
	order []string
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultDedupCap
	}
	return &SeenSet{
		cap:  capacity,
		keys: make(map[string]struct{}, capacity),
	}
}

// Add records key and reports whether it was new
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) > s.cap {
		drop := len(s.order) / 2
		for _, k := range s.order[:drop] {
			delete(s.keys, k)
		}
		s.order = append([]string(nil), s.order[drop:]...)
	}
	return true
}

// Contains reports whether key is currently held
func (s *SeenSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
