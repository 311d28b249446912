package backend

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Factory creates a backend instance.
type Factory func(cfg Config) (Backend, error)

// Registry maps backend names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	// priority orders Default's choice (first available wins).
	priority []string
}

// NewRegistry returns an empty registry preferring gpu over software.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		priority:  []string{BackendGPU, BackendSoftware},
	}
}

// Register registers a backend factory with the given name. A factory
// already registered under name is replaced.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Unregister removes a backend from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// SetPriority replaces the selection order used by Default.
func (r *Registry) SetPriority(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority = slices.Clone(names)
}

// Available returns the registered backend names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Get creates the backend registered under name.
func (r *Registry) Get(name string, cfg Config) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q not registered", ErrBackendNotAvailable, name)
	}
	b, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendNotAvailable, name, err)
	}
	return b, nil
}

// Default returns the best available backend: the first of the priority
// list that starts, then any other registered backend in name order.
func (r *Registry) Default(cfg Config) (Backend, error) {
	r.mu.RLock()
	order := slices.Clone(r.priority)
	r.mu.RUnlock()
	for _, name := range r.Available() {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var errs []error
	for _, name := range order {
		if !r.IsRegistered(name) {
			continue
		}
		b, err := r.Get(name, cfg)
		if err == nil {
			slogger().Info("backend: selected", "backend", name)
			return b, nil
		}
		slogger().Debug("backend: unavailable", "backend", name, "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no backends registered", ErrBackendNotAvailable)
	}
	return nil, errs[len(errs)-1]
}
