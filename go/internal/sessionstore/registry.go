package sessionstore

import (
	"sort"
	"sync"

	"github.com/mcdev12/gavel/go/internal/session"
)

// Registry indexes the stores of all followed sessions.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[string]*Store),
	}
}

// Add registers a store, replacing any store for the same session.
func (r *Registry) Add(store *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.SessionID()] = store
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, sessionID)
}

func (r *Registry) Get(sessionID string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[sessionID]
	return store, ok
}

// List returns all stores ordered by session id.
func (r *Registry) List() []*Store {
	r.mu.RLock()
	stores := make([]*Store, 0, len(r.stores))
	for _, store := range r.stores {
		stores = append(stores, store)
	}
	r.mu.RUnlock()

	sort.Slice(stores, func(i, j int) bool {
		return stores[i].SessionID() < stores[j].SessionID()
	})
	return stores
}

// Lookup returns the state of a followed session that has been loaded.
func (r *Registry) Lookup(sessionID string) (session.Snapshot, bool) {
	store, ok := r.Get(sessionID)
	if !ok {
		return session.Snapshot{}, false
	}
	return store.Snapshot()
}
