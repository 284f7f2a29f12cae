// Package recent provides a bounded insertion-ordered key set used to
// remember recently seen identifiers.
package recent

import "sync"

// Set remembers at most capacity keys; adding beyond that evicts the oldest.
type Set struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	head  int
	cap   int
}

// New creates a Set holding at most capacity keys (minimum 1).
func New(capacity int) *Set {
	if capacity < 1 {
		capacity = 1
	}
	return &Set{
		keys:  make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
		cap:   capacity,
	}
}

// Add inserts key and reports whether it was new.
func (s *Set) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, key)
	} else {
		delete(s.keys, s.order[s.head])
		s.order[s.head] = key
		s.head = (s.head + 1) % s.cap
	}
	s.keys[key] = struct{}{}
	return true
}

// Has reports whether key is remembered.
func (s *Set) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of remembered keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Capacity returns the maximum number of keys.
func (s *Set) Capacity() int {
	return s.cap
}

// Clear forgets every key.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]struct{}, s.cap)
	s.order = s.order[:0]
	s.head = 0
}
