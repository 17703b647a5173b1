package middleware

import "github.com/aretw0/espalier/pkg/ports"

// Middleware allows wrapping a ProcessStore to add behavior.
type Middleware func(ports.ProcessStore) ports.ProcessStore

// Chain applies middlewares so the first one is outermost.
func Chain(store ports.ProcessStore, mws ...Middleware) ports.ProcessStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
