package ports_test

import (
	"context"
	"sync"
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// MockStore is a minimal map-backed ProcessStore used to check the contract
// suite itself.
type MockStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMockStore() *MockStore {
	return &MockStore{data: make(map[string]string)}
}

func (m *MockStore) Get(ctx context.Context, namespace, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.data[namespace+"::"+id]
	if !ok {
		return "", domain.ErrProcessNotFound
	}
	return state, nil
}

func (m *MockStore) Put(ctx context.Context, namespace, id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[namespace+"::"+id] = state
	return nil
}

func (m *MockStore) Delete(ctx context.Context, namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace+"::"+id)
	return nil
}

func (m *MockStore) List(ctx context.Context, namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := namespace + "::"
	var ids []string
	for key := range m.data {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ids = append(ids, key[len(prefix):])
		}
	}
	return ids, nil
}

func TestProcessStore_Contract(t *testing.T) {
	ports.RunProcessStoreContract(t, NewMockStore())
}
