// Package keylock provides one mutex per key, created on demand and released
// when no goroutine holds or waits on it.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map serializes work per key while letting different keys run in parallel
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock map
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
