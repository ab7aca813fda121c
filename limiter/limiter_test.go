package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveLimit(t *testing.T) {
	tests := []struct {
		name       string
		pressure   float64
		multiplier int
		base       int
		want       int
	}{
		{"idle system", 0, 1, 100, 100},
		{"half pressure", 0.5, 1, 100, 50},
		{"premium under heavy load", 0.9, 3, 100, 30},
		{"standard doubles", 0.25, 2, 100, 150},
		{"floored at one", 0.999, 1, 100, 1},
		{"pressure above one is clamped", 1.5, 3, 100, 1},
		{"negative pressure is clamped", -1, 1, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdaptiveLimit(tt.base, tt.pressure, tt.multiplier))
		})
	}
}

func TestAdaptiveLimitAlwaysPositive(t *testing.T) {
	for p := 0.0; p < 1; p += 0.01 {
		for _, m := range []int{1, 2, 3} {
			assert.GreaterOrEqual(t, AdaptiveLimit(1, p, m), 1)
		}
	}
}

func TestGetAdaptiveLimitUsesBase(t *testing.T) {
	l := NewDistributedLimiter(NewMemoryWindowStore(), WithBaseLimit(40))
	assert.Equal(t, 20, l.GetAdaptiveLimit(0.5, 1))
	assert.Equal(t, 120, l.GetAdaptiveLimit(0, 3))
}

func TestCheckDistributedLimitConcurrentExactness(t *testing.T) {
	const (
		n     = 100
		limit = 37
	)
	clock := clockwork.NewFakeClock()
	l := NewDistributedLimiter(NewMemoryWindowStore(), WithClock(clock))

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.CheckDistributedLimit(context.Background(), "acme", fmt.Sprintf("req-%d", i), limit) {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, limit, allowed.Load())
}

func TestCheckDistributedLimitWindowSlides(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewDistributedLimiter(NewMemoryWindowStore(), WithClock(clock), WithWindow(10*time.Second))
	ctx := context.Background()

	require.True(t, l.CheckDistributedLimit(ctx, "acme", "r1", 2))
	require.True(t, l.CheckDistributedLimit(ctx, "acme", "r2", 2))
	require.False(t, l.CheckDistributedLimit(ctx, "acme", "r3", 2))

	clock.Advance(10 * time.Second)
	assert.True(t, l.CheckDistributedLimit(ctx, "acme", "r4", 2))
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, string, time.Time, time.Duration, int) (WindowResult, error) {
	return WindowResult{}, errors.New("connection refused")
}

func TestCheckDistributedLimitFailsClosed(t *testing.T) {
	var observed int
	l := NewDistributedLimiter(failingStore{}, WithLatencyObserver(func(time.Duration) { observed++ }))

	assert.False(t, l.CheckDistributedLimit(context.Background(), "acme", "r1", 1000))
	assert.Equal(t, 1, observed)
}

func TestMemoryWindowStoreCountsDeniedRequests(t *testing.T) {
	s := NewMemoryWindowStore()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 3; i++ {
		_, err := s.Hit(ctx, "rate:acme", fmt.Sprintf("r%d", i), now, time.Minute, 1)
		require.NoError(t, err)
	}
	res, err := s.Hit(ctx, "rate:acme", "r3", now, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 4, res.Count)
}

func TestMemoryWindowStoreSweep(t *testing.T) {
	s := NewMemoryWindowStore()
	now := time.UnixMilli(1_700_000_000_000)

	_, err := s.Hit(context.Background(), "rate:acme", "r1", now, 2*time.Second, 10)
	require.NoError(t, err)

	assert.Zero(t, s.Sweep(now.Add(6*time.Second)))
	assert.Equal(t, 1, s.Sweep(now.Add(7*time.Second)))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisWindowStoreHit(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisWindowStore(client)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	t0 := time.UnixMilli(1_700_000_000_000)

	res, err := s.Hit(ctx, "rate:acme", "r1", t0, time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 1, res.Count)
	assert.Equal(t, 65*time.Second, mr.TTL("rate:acme"))

	res, err = s.Hit(ctx, "rate:acme", "r2", t0.Add(10*time.Second), time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = s.Hit(ctx, "rate:acme", "r3", t0.Add(20*time.Second), time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 3, res.Count)

	// r1 falls out of the window
	res, err = s.Hit(ctx, "rate:acme", "r4", t0.Add(61*time.Second), time.Minute, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Count)
	assert.False(t, res.Allowed)

	members, err := client.ZRange(ctx, "rate:acme", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3", "r4"}, members)
}

func TestRedisWindowStoreTTLRoundsUp(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisWindowStore(client)

	_, err := s.Hit(context.Background(), "rate:acme", "r1", time.Now(), 1500*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, mr.TTL("rate:acme"))
	assert.Equal(t, 7*time.Second, windowTTL(1500*time.Millisecond))
}

func TestRedisWindowStoreFailsClosedWhenDown(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewDistributedLimiter(NewRedisWindowStore(client))
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.False(t, l.CheckDistributedLimit(ctx, "acme", "r1", 100))
}
