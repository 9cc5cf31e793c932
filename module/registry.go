package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/checkrun/errors"
)

// Registry holds modules by ID.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	modules map[string]Module
	mu      sync.RWMutex
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Module),
	}
}

// Register adds a module under its ID.
// Panics if a module is already registered with that ID.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.ID()
	if _, exists := r.modules[id]; exists {
		panic(fmt.Sprintf("module already registered for id: %s", id))
	}
	r.modules[id] = m
}

// Get retrieves a module by ID.
func (r *Registry) Get(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok {
		return nil, errors.NewNotFoundError("module %s", id)
	}
	return m, nil
}

// MustGet retrieves a module by ID and panics when it is missing.
func (r *Registry) MustGet(id string) Module {
	m, err := r.Get(id)
	if err != nil {
		panic(err)
	}
	return m
}

// List returns all modules sorted by ID.
func (r *Registry) List() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}
