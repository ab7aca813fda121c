package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	Service string `json:"service"`
	State   string `json:"state"`
}

func collect(t *testing.T) (Handler, func() []string) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []string
	)
	h := func(_ context.Context, msg *Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
	}
	return h, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func TestMemoryPubSubFanOut(t *testing.T) {
	shared := NewMemoryPubSub()
	a := New(WithMemoryPubSub(shared))
	b := New(WithMemoryPubSub(shared))
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	ha, gotA := collect(t)
	hb, gotB := collect(t)
	_, err := a.Subscribe(ctx, "sentinel:breaker", ha)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "sentinel:breaker", hb)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, "sentinel:breaker", []byte("one")))
	require.NoError(t, b.Publish(ctx, "sentinel:breaker", []byte("two")))
	require.NoError(t, b.Publish(ctx, "other", []byte("ignored")))

	assert.Eventually(t, func() bool { return len(gotA()) == 2 && len(gotB()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, gotA())
	assert.Equal(t, []string{"one", "two"}, gotB())
}

func TestMemoryPubSubUnsubscribe(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	h, got := collect(t)
	id, err := b.Subscribe(ctx, "topic", h)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "topic", []byte("before")))
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, id))
	require.NoError(t, b.Unsubscribe(ctx, id))
	require.NoError(t, b.Publish(ctx, "topic", []byte("after")))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"before"}, got())
}

func TestBrokerClosed(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Error(t, b.Publish(context.Background(), "topic", nil))
	_, err := b.Subscribe(context.Background(), "topic", func(context.Context, *Message) {})
	assert.Error(t, err)
	assert.False(t, b.Attached())
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	_, err := b.Subscribe(context.Background(), "topic", nil)
	assert.ErrorIs(t, err, errNilHandler)
}

func TestHandlerPanicDoesNotKillSubscription(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls int
	)
	_, err := b.Subscribe(ctx, "topic", func(_ context.Context, msg *Message) {
		mu.Lock()
		calls++
		mu.Unlock()
		if string(msg.Payload) == "boom" {
			panic("boom")
		}
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "topic", []byte("boom")))
	require.NoError(t, b.Publish(ctx, "topic", []byte("fine")))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeJSON(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	got := make(chan event, 1)
	_, err := SubscribeJSON(ctx, b, "sentinel:breaker", func(_ context.Context, e event) { got <- e })
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "sentinel:breaker", []byte("not json")))
	require.NoError(t, b.PublishJSON(ctx, "sentinel:breaker", event{Service: "backend", State: "OPEN"}))

	select {
	case e := <-got:
		assert.Equal(t, event{Service: "backend", State: "OPEN"}, e)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func newRedisBroker(t *testing.T, mr *miniredis.Miniredis) *Broker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	b := New(WithRedisClient(client), WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	return b
}

func TestRedisPubSubDelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newRedisBroker(t, mr)
	sub := newRedisBroker(t, mr)
	ctx := context.Background()

	h, got := collect(t)
	_, err := sub.Subscribe(ctx, "sentinel:breaker", h)
	require.NoError(t, err)
	require.Eventually(t, sub.Attached, time.Second, 5*time.Millisecond)

	require.NoError(t, pub.Publish(ctx, "sentinel:breaker", []byte(`{"state":"OPEN"}`)))
	assert.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"state":"OPEN"}`}, got())
}

func TestRedisPubSubReconnects(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newRedisBroker(t, mr)
	sub := newRedisBroker(t, mr)
	ctx := context.Background()

	h, got := collect(t)
	_, err := sub.Subscribe(ctx, "sentinel:breaker", h)
	require.NoError(t, err)
	require.Eventually(t, sub.Attached, time.Second, 5*time.Millisecond)

	mr.Close()
	require.Eventually(t, func() bool { return !sub.Attached() }, time.Second, 5*time.Millisecond)
	assert.Error(t, pub.Publish(ctx, "sentinel:breaker", []byte("lost")))

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("sentinel:breaker")["sentinel:breaker"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pub.Publish(ctx, "sentinel:breaker", []byte("after restart")))
	assert.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after restart"}, got())
}
