package coordinator

import "sync"

// sessionLocks serialises work per session id. Entries are reference counted
// and removed once nobody holds or waits for them, so finished sessions leave
// nothing behind.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock acquires the critical section for id and returns its release func.
func (s *sessionLocks) Lock(id string) func() {
	s.mu.Lock()
	entry, ok := s.locks[id]
	if !ok {
		entry = &sessionLock{}
		s.locks[id] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
