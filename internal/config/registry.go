package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/switchyard/pkg/modality"
)

// ErrBackendTypeNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested type.
var ErrBackendTypeNotRegistered = errors.New("config: backend type not registered")

// BackendFactory constructs a backend from its configuration entry.
type BackendFactory func(BackendEntry) (modality.Backend, error)

// Registry maps backend type names to factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// Register registers factory under typ. A later call with the same type
// replaces the earlier factory.
func (r *Registry) Register(typ string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Create instantiates the backend described by entry using the factory
// registered under entry.Type.
func (r *Registry) Create(entry BackendEntry) (modality.Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (backend %q)", ErrBackendTypeNotRegistered, entry.Type, entry.Name)
	}
	b, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create backend %q: %w", entry.Name, err)
	}
	return b, nil
}

// Options helpers for factories. Each returns def when the key is absent or
// has the wrong type.

// OptString returns the string option key.
func (e BackendEntry) OptString(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// OptInt returns the integer option key. YAML integers decode as int.
func (e BackendEntry) OptInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptFloat returns the numeric option key.
func (e BackendEntry) OptFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// OptBool returns the boolean option key.
func (e BackendEntry) OptBool(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}
