// Package presence tracks which live connection owns which display name and
// which room that name is currently in.
//
// The Registry is the single source of truth for presence. Rooms are never
// stored; the Directory derives them from the Registry on every call.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrInvalidName is returned by Upsert when the display name is empty.
var ErrInvalidName = errors.New("presence: display name must not be empty")

// Binding is the live association of a display name to a connection id and
// its current room. Room is empty until the first join.
type Binding struct {
	ConnID   string
	Name     string
	Room     string
	JoinedAt time.Time

	seq uint64
}

// Registry maps connection ids and display names to bindings. All methods are
// safe for concurrent use and never block on anything but the internal lock.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Binding
	byConn map[string]string // connection id -> name
	seq    uint64
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Binding),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// Upsert binds name to connID and room. Last join wins: a different connection
// previously bound to name loses its binding (the connection itself stays
// open), and a name previously held by connID is released.
func (r *Registry) Upsert(connID, name, room string) (Binding, error) {
	if name == "" {
		return Binding{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prevName, ok := r.byConn[connID]; ok && prevName != name {
		delete(r.byName, prevName)
	}
	if prev, ok := r.byName[name]; ok && prev.ConnID != connID {
		delete(r.byConn, prev.ConnID)
	}

	r.seq++
	b := &Binding{
		ConnID:   connID,
		Name:     name,
		Room:     room,
		JoinedAt: r.now(),
		seq:      r.seq,
	}
	r.byName[name] = b
	r.byConn[connID] = name
	return *b, nil
}

// Find returns the binding owned by connID.
func (r *Registry) Find(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	b, ok := r.byName[name]
	if !ok || b.ConnID != connID {
		return Binding{}, false
	}
	return *b, true
}

// FindByName returns the binding currently held under name.
func (r *Registry) FindByName(name string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byName[name]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Remove deletes the binding owned by connID. Removing a connection whose
// name has since been claimed by another connection is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if b, ok := r.byName[name]; ok && b.ConnID == connID {
		delete(r.byName, name)
	}
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Snapshot returns a copy of every binding in join order.
func (r *Registry) Snapshot() []Binding {
	r.mu.RLock()
	out := make([]Binding, 0, len(r.byName))
	for _, b := range r.byName {
		out = append(out, *b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
