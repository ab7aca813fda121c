package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeHarness lets the same behavioural checks run against both backends.
type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func harnesses(t *testing.T) map[string]storeHarness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	mem := NewMemoryStore(clock)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]storeHarness{
		"memory": {store: mem, advance: clock.Advance},
		"redis":  {store: NewRedisStore(client), advance: mr.FastForward},
	}
}

func TestStoreSetGet(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := h.store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, h.store.Set(ctx, "breaker:backend", `{"state":"OPEN"}`, 0))
			got, err := h.store.Get(ctx, "breaker:backend")
			require.NoError(t, err)
			assert.Equal(t, `{"state":"OPEN"}`, got)

			require.NoError(t, h.store.Delete(ctx, "breaker:backend"))
			require.NoError(t, h.store.Delete(ctx, "breaker:backend"))
			_, err = h.store.Get(ctx, "breaker:backend")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, h.store.Set(ctx, "pressure:pod-a", "0.4", 5*time.Second))
			h.advance(4 * time.Second)
			_, err := h.store.Get(ctx, "pressure:pod-a")
			require.NoError(t, err)

			h.advance(2 * time.Second)
			_, err = h.store.Get(ctx, "pressure:pod-a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreValuesByPrefix(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 250; i++ {
				require.NoError(t, h.store.Set(ctx, fmt.Sprintf("pressure:pod-%03d", i), "0.1", time.Minute))
			}
			require.NoError(t, h.store.Set(ctx, "pressure:short", "0.9", time.Second))
			require.NoError(t, h.store.Set(ctx, "breaker:backend", "x", 0))

			h.advance(2 * time.Second)

			vals, err := h.store.Values(ctx, "pressure:")
			require.NoError(t, err)
			assert.Len(t, vals, 250)
			assert.Equal(t, "0.1", vals["pressure:pod-042"])
			assert.NotContains(t, vals, "pressure:short")
			assert.NotContains(t, vals, "breaker:backend")

			empty, err := h.store.Values(ctx, "nothing:")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", time.Second))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	clock.Advance(time.Second)

	assert.Equal(t, 1, s.Sweep())
	vals, err := s.Values(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, vals)
}

func TestRedisStoreErrorsWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	mr.Close()

	ctx := context.Background()
	assert.Error(t, s.Set(ctx, "k", "v", 0))
	_, err := s.Values(ctx, "k")
	assert.Error(t, err)
	_, err = s.Get(ctx, "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.Ping(ctx))
}
