package namelock

import "sync"

// Set hands out one mutex per name so mutations on the same resource are
// strictly ordered while different resources proceed in parallel. Entries
// are reference counted and dropped once the last holder unlocks, keeping
// the map from growing with every name ever seen.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for name, blocking while another holder has it.
func (s *Set) Lock(name string) {
	s.mu.Lock()
	e, ok := s.locks[name]
	if !ok {
		e = &entry{}
		s.locks[name] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for name. Unlocking a name that was never
// locked panics, same as sync.Mutex.
func (s *Set) Unlock(name string) {
	s.mu.Lock()
	e, ok := s.locks[name]
	if !ok {
		s.mu.Unlock()
		panic("namelock: unlock of unheld name " + name)
	}
	e.refs--
	if e.refs == 0 {
		delete(s.locks, name)
	}
	s.mu.Unlock()

	e.mu.Unlock()
}

// Do runs fn while holding the lock for name.
func (s *Set) Do(name string, fn func()) {
	s.Lock(name)
	defer s.Unlock(name)
	fn()
}
