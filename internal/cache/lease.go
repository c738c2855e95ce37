package cache

import (
	"sync"

	"github.com/italolelis/videoproxy/internal/media"
)

// lease is a single-assignment result for one in-flight download. done is closed
// once entry or err is set.
type lease struct {
	done  chan struct{}
	entry *media.CacheEntry
	err   error
}

// leaseMap allows at most one download per file id.
type leaseMap struct {
	mu     sync.Mutex
	leases map[string]*lease
}

func newLeaseMap() *leaseMap {
	return &leaseMap{leases: make(map[string]*lease)}
}

// acquire returns a new lease for id, or false when a download is already running.
func (m *leaseMap) acquire(id string) (*lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.leases[id]; exists {
		return nil, false
	}

	l := &lease{done: make(chan struct{})}
	m.leases[id] = l

	return l, true
}

// release publishes the outcome and frees id for the next download.
func (m *leaseMap) release(id string, l *lease, entry *media.CacheEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.entry = entry
	l.err = err

	if m.leases[id] == l {
		delete(m.leases, id)
	}

	close(l.done)
}

func (m *leaseMap) held(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.leases[id]

	return ok
}

func (m *leaseMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.leases)
}
