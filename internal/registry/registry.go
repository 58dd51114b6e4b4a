// Package registry keeps the in-memory bookkeeping of live sockets: one slot
// per TV identity and an unordered set of admin observers.
package registry

import (
	"sort"
	"sync"
)

// Conn is a live socket as the registry sees it.
type Conn interface {
	// Send queues a frame without blocking. It returns false when the
	// connection is closed or its buffer is full.
	Send(msg []byte) bool
	// Closed reports whether the connection has been closed.
	Closed() bool
	// Close terminates the connection. Safe to call more than once.
	Close()
}

// Registry maps TV identities to their current connection and tracks admin
// connections. A single mutex guards all state; Close calls on superseded
// connections happen outside of it.
type Registry struct {
	mu     sync.Mutex
	tvs    map[string]Conn
	admins map[Conn]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tvs:    make(map[string]Conn),
		admins: make(map[Conn]struct{}),
	}
}

// RegisterTv binds tvID to conn. A different connection already bound to
// tvID is closed and returned; otherwise nil is returned.
func (r *Registry) RegisterTv(tvID string, conn Conn) Conn {
	r.mu.Lock()
	prev, ok := r.tvs[tvID]
	r.tvs[tvID] = conn
	r.mu.Unlock()

	if !ok || prev == conn {
		return nil
	}
	prev.Close()
	return prev
}

// UnregisterTv removes the binding for tvID only if it still points at conn.
// A close handler of a superseded connection therefore never evicts the
// connection that replaced it. Reports whether the binding was removed.
func (r *Registry) UnregisterTv(tvID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.tvs[tvID]; ok && cur == conn {
		delete(r.tvs, tvID)
		return true
	}
	return false
}

// RegisterAdmin adds conn to the admin set.
func (r *Registry) RegisterAdmin(conn Conn) {
	r.mu.Lock()
	r.admins[conn] = struct{}{}
	r.mu.Unlock()
}

// UnregisterAdmin removes conn from the admin set.
func (r *Registry) UnregisterAdmin(conn Conn) {
	r.mu.Lock()
	delete(r.admins, conn)
	r.mu.Unlock()
}

// LookupTv returns the connection currently bound to tvID.
func (r *Registry) LookupTv(tvID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.tvs[tvID]
	return conn, ok
}

// Admins returns a snapshot of the admin set.
func (r *Registry) Admins() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	admins := make([]Conn, 0, len(r.admins))
	for conn := range r.admins {
		admins = append(admins, conn)
	}
	return admins
}

// TvIDs returns the identities with a bound connection, sorted.
func (r *Registry) TvIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tvs))
	for id := range r.tvs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Counts returns the number of bound TVs and registered admins.
func (r *Registry) Counts() (tvs, admins int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tvs), len(r.admins)
}
