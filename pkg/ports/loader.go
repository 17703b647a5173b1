package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/host"
)

// ModuleSource creates sandbox instances by module name.
type ModuleSource interface {
	// Instantiate returns a fresh instance. Returns domain.ErrModuleNotFound
	// for unknown names. The caller closes the instance.
	Instantiate(ctx context.Context, name string) (host.Instance, error)

	// Modules lists the known module names, sorted.
	Modules() []string
}

// Watchable defines an interface for sources that can notify about backend changes.
// This is typically used for hot-reload of compiled modules.
type Watchable interface {
	// Watch returns a channel that is signaled when the underlying modules change.
	// It abstracts away the specific event details, signaling only that a reload is required.
	Watch(ctx context.Context) (<-chan struct{}, error)
}
