package notification

import (
	"sync"
)

// Listener receives dispatch records. Listeners are invoked synchronously in
// registration order on the delivering channel's goroutine; they must not
// block.
type Listener func(Dispatch)

// Token identifies a registered listener so it can be removed without
// comparing function identities.
type Token struct {
	family Family
	id     uint64
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Registry maps notification families to ordered listener lists.
type Registry struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Family][]listenerEntry
}

// NewRegistry creates an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[Family][]listenerEntry),
	}
}

// Add registers a listener for a family and returns a removal token.
func (r *Registry) Add(family Family, fn Listener) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners[family] = append(r.listeners[family], listenerEntry{id: id, fn: fn})
	return Token{family: family, id: id}
}

// Remove deregisters the listener identified by token. Removing an unknown
// or already-removed token is a no-op.
func (r *Registry) Remove(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[token.family]
	for i, entry := range entries {
		if entry.id == token.id {
			r.listeners[token.family] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Notify invokes every listener registered for the record's family, in
// registration order.
func (r *Registry) Notify(d Dispatch) {
	r.mu.RLock()
	entries := r.listeners[d.Family]
	fns := make([]Listener, len(entries))
	for i, entry := range entries {
		fns[i] = entry.fn
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(d)
	}
}

// Count returns the number of listeners registered for a family.
func (r *Registry) Count(family Family) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[family])
}
