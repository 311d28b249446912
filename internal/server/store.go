package server

import "sync"

// DefaultHistory is the number of run records kept by default.
const DefaultHistory = 256

// runStore keeps the most recent run records.
type runStore struct {
	mu    sync.RWMutex
	cap   int
	runs  map[string]*Run
	order []string
}

func newRunStore(capacity int) *runStore {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &runStore{cap: capacity, runs: make(map[string]*Run, capacity)}
}

// put stores a copy of r, evicting the oldest record when full.
func (s *runStore) put(r Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		if len(s.order) == s.cap {
			delete(s.runs, s.order[0])
			s.order = s.order[1:]
		}
		s.order = append(s.order, r.ID)
	}
	s.runs[r.ID] = &r
}

func (s *runStore) get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

func (s *runStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
