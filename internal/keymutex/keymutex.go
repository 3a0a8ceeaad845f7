package keymutex

import "sync"

// KeyMutex provides mutual exclusion scoped to an arbitrary string key so a
// writer for one entity never blocks writers for other entities. Entries are
// reference counted and dropped once the last holder releases the key.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	lock sync.Mutex
	refs int
}

// New constructs an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another holder owns it.
// The returned function releases the lock and must be called exactly once.
func (m *KeyMutex) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.lock.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.lock.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports the number of keys currently tracked. Exposed for tests.
func (m *KeyMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
