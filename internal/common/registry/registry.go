// Package registry provides a generic, thread-safe name registry used for
// the statically linked destination factories and join connectors.
//
// Example usage:
//
//	factories := registry.New[Factory]("destination type")
//	factories.Register("webhook", webhookFactory)
//	factory, err := factories.Get("webhook")
package registry

import (
	"fmt"
	"sort"
	"sync"

	"data-router/internal/common/errors"
)

// Registry maps names to values of type T
type Registry[T any] struct {
	kind  string
	items map[string]T
	mu    sync.RWMutex
}

// New creates an empty registry. kind names the registered things in
// not-found errors.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:  kind,
		items: make(map[string]T),
	}
}

// Register adds an item under name, replacing any previous registration
func (r *Registry[T]) Register(name string, item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = item
}

// Get retrieves an item by name
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	item, exists := r.items[name]
	r.mu.RUnlock()

	if !exists {
		var zero T
		return zero, errors.NotFoundError(fmt.Sprintf("%s %q", r.kind, name))
	}
	return item, nil
}

// Names returns the registered names in sorted order
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a name is registered
func (r *Registry[T]) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.items[name]
	return exists
}

// Count returns the number of registered items
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
