package wsserver

import (
	"sync"

	"github.com/rivermoor/wsengine/pkg/wsconn"
)

// Registry tracks a server's live connections, for broadcast and
// introspection. The two implementations here trade off differently
// between registration cost and broadcast cost; callers with unusual
// shapes (e.g. sharded by room) can supply their own.
type Registry interface {
	Add(c *wsconn.Conn)
	Remove(c *wsconn.Conn)
	Each(fn func(c *wsconn.Conn))
	Len() int
}

// MutexRegistry guards a map with a single RWMutex. Registration and
// removal are O(1); Each holds the read lock for its whole iteration, so
// it's best suited to workloads where connections churn about as often as
// they're broadcast to.
type MutexRegistry struct {
	mu    sync.RWMutex
	conns map[*wsconn.Conn]struct{}
}

func NewMutexRegistry() *MutexRegistry {
	return &MutexRegistry{conns: make(map[*wsconn.Conn]struct{})}
}

func (r *MutexRegistry) Add(c *wsconn.Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *MutexRegistry) Remove(c *wsconn.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *MutexRegistry) Each(fn func(c *wsconn.Conn)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.conns {
		fn(c)
	}
}

func (r *MutexRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// COWRegistry keeps connections in a copy-on-write slice: Add/Remove pay
// for a full copy, but Each takes a lock only long enough to grab the
// current slice header, then iterates and calls fn lock-free. That makes
// it the better choice for broadcast-heavy, churn-light workloads, since a
// slow or blocking fn during Each never holds up registration elsewhere.
type COWRegistry struct {
	mu    sync.Mutex
	conns []*wsconn.Conn
}

func NewCOWRegistry() *COWRegistry {
	return &COWRegistry{}
}

func (r *COWRegistry) Add(c *wsconn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*wsconn.Conn, len(r.conns)+1)
	copy(next, r.conns)
	next[len(r.conns)] = c
	r.conns = next
}

func (r *COWRegistry) Remove(c *wsconn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*wsconn.Conn, 0, len(r.conns))
	for _, existing := range r.conns {
		if existing != c {
			next = append(next, existing)
		}
	}
	r.conns = next
}

func (r *COWRegistry) Each(fn func(c *wsconn.Conn)) {
	r.mu.Lock()
	snapshot := r.conns
	r.mu.Unlock()

	for _, c := range snapshot {
		fn(c)
	}
}

func (r *COWRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
