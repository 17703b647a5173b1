package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/ports"
)

// DefaultLockTTL bounds how long a crashed host can hold a distributed lock.
const DefaultLockTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager serializes access to process state so a read-modify-write cycle
// on one process never interleaves with another. Locks are reference
// counted and dropped once unused.
type Manager struct {
	store ports.ProcessStore

	mu    sync.Mutex            // guards locks
	locks map[string]*lockEntry // keyed by Key(namespace, id)

	locker  ports.DistributedLocker // optional, for multi-host deployments
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over the given store.
func NewManager(store ports.ProcessStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		locks:   make(map[string]*lockEntry),
		lockTTL: DefaultLockTTL,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key is the storage and lock key of a process.
func Key(namespace, id string) string {
	return namespace + "::" + id
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(key) after unlocking.
func (m *Manager) acquire(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		entry = &lockEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}

// Get reads the state of a process.
func (m *Manager) Get(ctx context.Context, namespace, id string) (string, error) {
	return m.store.Get(ctx, namespace, id)
}

// Put stores the state of a process under its lock.
func (m *Manager) Put(ctx context.Context, namespace, id, state string) error {
	return m.WithLock(ctx, namespace, id, func(ctx context.Context) error {
		return m.store.Put(ctx, namespace, id, state)
	})
}

// Delete removes a process under its lock.
func (m *Manager) Delete(ctx context.Context, namespace, id string) error {
	return m.WithLock(ctx, namespace, id, func(ctx context.Context) error {
		return m.store.Delete(ctx, namespace, id)
	})
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context, namespace string) ([]string, error) {
	return m.store.List(ctx, namespace)
}

// Store returns the underlying process store.
func (m *Manager) Store() ports.ProcessStore {
	return m.store
}

// WithLock executes fn while holding the lock for the process. Store calls
// made inside fn must go to Store() directly; Put and Delete would deadlock.
func (m *Manager) WithLock(ctx context.Context, namespace, id string, fn func(context.Context) error) error {
	key := Key(namespace, id)
	entry := m.acquire(key)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(key)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, key, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				m.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"process", key,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
