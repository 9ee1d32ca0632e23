// Package registry tracks which connections are subscribed to which
// instrument keys. It stores connection ids only; live connection handles
// stay in the gateway's arena.
package registry

import (
	"sync"

	"mm-relay/internal/model"
)

type connSet map[model.ConnID]struct{}
type keySet map[model.InstrumentKey]struct{}

// Registry is a two-way index: key → connections and connection → keys.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[model.InstrumentKey]connSet
	byConn map[model.ConnID]keySet
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[model.InstrumentKey]connSet),
		byConn: make(map[model.ConnID]keySet),
	}
}

// Subscribe pairs id with key. Returns false if the pairing already existed.
func (r *Registry) Subscribe(id model.ConnID, key model.InstrumentKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byConn[id]
	if keys == nil {
		keys = make(keySet)
		r.byConn[id] = keys
	}
	if _, ok := keys[key]; ok {
		return false
	}
	keys[key] = struct{}{}

	conns := r.byKey[key]
	if conns == nil {
		conns = make(connSet)
		r.byKey[key] = conns
	}
	conns[id] = struct{}{}
	return true
}

// Unsubscribe removes the pairing. Returns false if it did not exist.
func (r *Registry) Unsubscribe(id model.ConnID, key model.InstrumentKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.byConn[id]
	if !ok {
		return false
	}
	if _, ok := keys[key]; !ok {
		return false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.byConn, id)
	}
	r.removeFromKey(key, id)
	return true
}

// OnDisconnect removes every pairing for id and returns how many there were.
func (r *Registry) OnDisconnect(id model.ConnID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byConn[id]
	for key := range keys {
		r.removeFromKey(key, id)
	}
	delete(r.byConn, id)
	return len(keys)
}

func (r *Registry) removeFromKey(key model.InstrumentKey, id model.ConnID) {
	conns := r.byKey[key]
	delete(conns, id)
	if len(conns) == 0 {
		delete(r.byKey, key)
	}
}

// SubscribersFor returns a snapshot of the connections subscribed to key.
// The slice is owned by the caller.
func (r *Registry) SubscribersFor(key model.InstrumentKey) []model.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byKey[key]
	if len(conns) == 0 {
		return nil
	}
	out := make([]model.ConnID, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// KeysFor returns the keys id is subscribed to.
func (r *Registry) KeysFor(id model.ConnID) []model.InstrumentKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byConn[id]
	out := make([]model.InstrumentKey, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// IsSubscribed reports whether id is currently paired with key.
func (r *Registry) IsSubscribed(id model.ConnID, key model.InstrumentKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[id][key]
	return ok
}

// Stats returns the number of connections with at least one subscription
// and the number of keys with at least one subscriber.
func (r *Registry) Stats() (conns, keys int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byKey)
}
