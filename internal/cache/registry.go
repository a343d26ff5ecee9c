package cache

import (
	"sort"
	"sync"
)

// Registry hands out one MemoryCache per tile class. Layers built from the same
// registry share tiles.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*MemoryCache
}

func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*MemoryCache)}
}

// Get returns the cache registered under name, creating it with factory on first use.
func (r *Registry) Get(name string, factory func() *MemoryCache) *MemoryCache {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[name]; ok {
		return c
	}
	c := factory()
	r.caches[name] = c
	return c
}

func (r *Registry) Lookup(name string) (*MemoryCache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caches[name]
	return c, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
