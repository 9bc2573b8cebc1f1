package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/repository"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*repository.RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewRedisIdempotencyStore(client, "", ttl), mr
}

func TestRedisIdempotencyRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()

	_, ok, err := store.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)

	won, err := store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.PutResponse(ctx, "key-1", []byte(`{"lock_token":"abc"}`)))

	payload, ok, err := store.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"lock_token":"abc"}`, string(payload))
}

func TestRedisIdempotencyReserveIsExclusive(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()

	won, err := store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)

	// A second reservation loses, and the reserved key reads as absent
	// until the winner resolves it.
	won, err = store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, won)

	_, ok, err := store.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)

	// A resolved key still refuses new reservations.
	require.NoError(t, store.PutResponse(ctx, "key-1", []byte(`{"lock_token":"abc"}`)))
	won, err = store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, won)
}

func TestRedisIdempotencyReleaseFreesKey(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()

	won, err := store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.Release(ctx, "key-1"))

	won, err = store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)
}

func TestRedisIdempotencyEntriesExpire(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	won, err := store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.PutResponse(ctx, "key-1", []byte("payload")))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)

	// An abandoned reservation also expires rather than pinning the key.
	won, err = store.Reserve(ctx, "key-2")
	require.NoError(t, err)
	require.True(t, won)
	mr.FastForward(2 * time.Minute)
	won, err = store.Reserve(ctx, "key-2")
	require.NoError(t, err)
	require.True(t, won)
}

func TestMemoryIdempotencyReserveIsExclusive(t *testing.T) {
	store := repository.NewMemoryIdempotencyStore()
	ctx := context.Background()

	won, err := store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)

	won, err = store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, won)

	require.NoError(t, store.Release(ctx, "key-1"))
	won, err = store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.PutResponse(ctx, "key-1", []byte("response")))
	won, err = store.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, won)

	payload, ok, err := store.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "response", string(payload))
}
