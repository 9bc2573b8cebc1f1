package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "slotlock:idem:"

// pendingMarker occupies a reserved key until the winner stores its real
// response. It can never collide with a response because responses are JSON.
var pendingMarker = []byte("pending")

// RedisIdempotencyStore replays acquire responses across instances. A key is
// reserved with SetNX before the work runs, so two racing requests with the
// same key cannot both create a lock. Entries carry a TTL so abandoned keys
// do not accumulate.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore constructs the store. The TTL should comfortably
// exceed the lock timeout so a replayed request still finds its response.
func NewRedisIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// GetResponse retrieves a cached acquire response. A key that is reserved
// but not yet resolved reads as absent.
func (r *RedisIdempotencyStore) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if bytes.Equal(payload, pendingMarker) {
		return nil, false, nil
	}
	return payload, true, nil
}

// Reserve implements domain.IdempotencyStore.
func (r *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	won, err := r.client.SetNX(ctx, r.prefix+key, pendingMarker, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return won, nil
}

// PutResponse replaces the reservation with the final response.
func (r *RedisIdempotencyStore) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Release frees a reserved key whose acquire failed.
func (r *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryIdempotencyStore backs tests and redis-less local runs.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	pending   map[string]bool
	responses map[string][]byte
}

// NewMemoryIdempotencyStore constructs an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		pending:   make(map[string]bool),
		responses: make(map[string][]byte),
	}
}

// GetResponse retrieves a cached response.
func (m *MemoryIdempotencyStore) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.responses[key]
	return append([]byte(nil), value...), ok, nil
}

// Reserve implements domain.IdempotencyStore.
func (m *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[key] {
		return false, nil
	}
	if _, done := m.responses[key]; done {
		return false, nil
	}
	m.pending[key] = true
	return true, nil
}

// PutResponse resolves a reservation with the final response.
func (m *MemoryIdempotencyStore) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
	m.responses[key] = append([]byte(nil), payload...)
	return nil
}

// Release frees a reserved key whose acquire failed.
func (m *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
	return nil
}
