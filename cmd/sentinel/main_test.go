package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/sentinel/config"
	"github.com/toolink/sentinel/pubsub"
)

func TestOpenBackendsMemory(t *testing.T) {
	be, err := openBackends(context.Background(), config.Config{StoreBackend: config.BackendMemory})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, be.ping(ctx))
	require.NoError(t, be.store.Set(ctx, "pressure:a", "0.5", time.Minute))
	vals, err := be.store.Values(ctx, "pressure:")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pressure:a": "0.5"}, vals)
	require.NotNil(t, be.sweep)
	be.sweep(time.Now())

	require.NoError(t, be.subscribed(ctx))
	require.NoError(t, be.broker.Close())
	assert.ErrorIs(t, be.subscribed(ctx), errNotSubscribed)
	require.NoError(t, be.close(ctx))
}

func TestOpenBackendsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	be, err := openBackends(context.Background(), config.Config{
		StoreBackend: config.BackendRedis,
		RedisURL:     "redis://" + mr.Addr() + "/0",
	})
	require.NoError(t, err)
	ctx := context.Background()
	defer func() {
		_ = be.broker.Close()
		_ = be.close(ctx)
	}()

	require.NoError(t, be.ping(ctx))
	res, err := be.windows.Hit(ctx, "rate:acme", "r1", time.Now(), time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, mr.Exists("rate:acme"))
	assert.Nil(t, be.sweep)

	_, err = be.broker.Subscribe(ctx, "sentinel:breaker", func(context.Context, *pubsub.Message) {})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return be.subscribed(ctx) == nil }, time.Second, 5*time.Millisecond)
}

func TestOpenBackendsRejectsBadRedisURL(t *testing.T) {
	_, err := openBackends(context.Background(), config.Config{StoreBackend: config.BackendRedis, RedisURL: "ftp://nope"})
	assert.Error(t, err)
}
