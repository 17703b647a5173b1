package memory

import (
	"context"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// Store implements ports.ProcessStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]map[string]string
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]map[string]string),
	}
}

// Put persists the state in memory.
func (s *Store) Put(ctx context.Context, namespace, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	processes, ok := s.data[namespace]
	if !ok {
		processes = make(map[string]string)
		s.data[namespace] = processes
	}
	processes[id] = state
	return nil
}

// Get retrieves the state from memory.
func (s *Store) Get(ctx context.Context, namespace, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[namespace][id]
	if !ok {
		return "", domain.ErrProcessNotFound
	}
	return state, nil
}

// Delete removes the state.
func (s *Store) Delete(ctx context.Context, namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data[namespace], id)
	if len(s.data[namespace]) == 0 {
		delete(s.data, namespace)
	}
	return nil
}

// List returns the process ids of a namespace.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data[namespace]))
	for id := range s.data[namespace] {
		ids = append(ids, id)
	}
	return ids, nil
}
