package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "espalier:process:"

// noExpiry is the index score used when the store has no TTL (2100-01-01).
const noExpiry = 4102444800

// Store implements ports.ProcessStore using Redis.
// State lives at <prefix><namespace>::<id>; a sorted set per namespace
// indexes ids by expiry so List can prune lazily.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for processes.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for processes.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client returns the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) key(namespace, id string) string {
	return s.prefix + namespace + "::" + id
}

func (s *Store) indexKey(namespace string) string {
	return s.prefix + "index:" + namespace
}

// Put persists the state to Redis.
func (s *Store) Put(ctx context.Context, namespace, id, state string) error {
	pipe := s.client.TxPipeline()

	// 0 means no expiration.
	pipe.Set(ctx, s.key(namespace, id), state, s.ttl)

	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = noExpiry
	}
	pipe.ZAdd(ctx, s.indexKey(namespace), backend.Z{
		Score:  score,
		Member: id,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Get retrieves the state from Redis.
func (s *Store) Get(ctx context.Context, namespace, id string) (string, error) {
	val, err := s.client.Get(ctx, s.key(namespace, id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return "", domain.ErrProcessNotFound
		}
		return "", fmt.Errorf("failed to get from redis: %w", err)
	}
	return val, nil
}

// Delete removes the process.
func (s *Store) Delete(ctx context.Context, namespace, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(namespace, id))
	pipe.ZRem(ctx, s.indexKey(namespace), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// List returns the live process ids of a namespace, pruning expired index
// entries first.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	now := float64(time.Now().Unix())
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(namespace), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired processes: %w", err)
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return ids, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
