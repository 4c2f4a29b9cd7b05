// Package jobset tracks recently seen job ids in a bounded set.
package jobset

import (
	"container/list"
	"sync"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 1024

// Set remembers up to size job ids, forgetting the oldest first.
type Set struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[string]*list.Element
}

// New creates a set holding up to size ids.
func New(size int) *Set {
	if size <= 0 {
		size = DefaultSize
	}
	return &Set{
		size:    size,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Add records id and reports whether it was absent.
func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return false
	}
	s.entries[id] = s.order.PushFront(id)
	for s.order.Len() > s.size {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(string))
	}
	return true
}

// Contains reports whether id is currently remembered.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of remembered ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
