package ports

import "context"

// ProcessStore persists the serialized root state of every process.
// Namespaces are module names; ids are process ids.
type ProcessStore interface {
	// Get returns the stored state. Returns domain.ErrProcessNotFound if
	// nothing is stored under the key.
	Get(ctx context.Context, namespace, id string) (string, error)

	// Put stores state, replacing any previous value.
	Put(ctx context.Context, namespace, id, state string) error

	// Delete removes the state. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, id string) error

	// List returns the ids stored in a namespace, in no particular order.
	List(ctx context.Context, namespace string) ([]string, error)
}
