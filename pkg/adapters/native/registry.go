package native

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/guest"
	"github.com/aretw0/espalier/pkg/host"
)

// Registry implements ports.ModuleSource with handlers compiled into the
// host binary. Every instance is a guest.Sandbox with its own linear memory,
// so the host drives it through the same ABI as a wasm module.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]guest.Handler
	maxPages uint32
}

// Option configures a Registry.
type Option func(*Registry)

// WithMemoryLimitPages caps the linear memory of every sandbox.
func WithMemoryLimitPages(pages uint32) Option {
	return func(r *Registry) {
		r.maxPages = pages
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{handlers: make(map[string]guest.Handler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a module.
func (r *Registry) Register(name string, handler guest.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Instantiate returns a fresh sandbox for the named module.
func (r *Registry) Instantiate(_ context.Context, name string) (host.Instance, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, name)
	}
	return guest.NewSandbox(handler, r.maxPages), nil
}

// Modules returns the registered names, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
