// Package handlerregistry is the process-wide mapping from handler name to
// handler factory (§4.5, §9 Design Notes: "an explicit registry value built
// at startup by enumerating a known set of handler factories").
package handlerregistry

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler executes one job_execution attempt. params and the returned
// result are opaque JSON values; type errors during unmarshaling are
// treated as handler failures by the caller, not by Handler itself.
type Handler interface {
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Factory yields a fresh Handler value per invocation, so handlers may hold
// per-attempt state without workers racing on a shared instance.
type Factory func() Handler

// Registry is populated once at startup; reads thereafter are lock-free.
type Registry struct {
	factories map[string]Factory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register attaches name to factory. Registering the same name twice is a
// fatal startup error (DuplicateHandlerName, §7).
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("handlerregistry: handler name must not be empty")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("handlerregistry: duplicate handler name %q", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register, panicking on error — used at process startup
// where a duplicate name is a fatal configuration bug.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup resolves name to a factory. ok is false when the handler is not
// registered (HandlerNotFound, §7).
func (r *Registry) Lookup(name string) (Factory, bool) {
	factory, ok := r.factories[name]
	return factory, ok
}

// Names returns every registered handler name, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
