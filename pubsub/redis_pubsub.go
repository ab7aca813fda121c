package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errRedisPubSubClosed = errors.New("pubsub: redis pubsub is closed")

const (
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

// RedisPubSub implements PubSub with Redis PUBLISH/SUBSCRIBE channels.
// Each subscription owns a dedicated connection that is re-established
// indefinitely with exponential backoff whenever it drops.
type RedisPubSub struct {
	client           redis.UniversalClient
	reconnectInitial time.Duration
	reconnectMax     time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription // subID -> redisSubscription
}

// redisSubscription couples a Subscription with its listener goroutine.
type redisSubscription struct {
	*Subscription
	stop     context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	attached bool // SUBSCRIBE confirmed on the current connection
}

// NewRedisPubSub creates a new Redis-based PubSub instance.
// SUBSCRIBE needs a dedicated connection, hence UniversalClient rather than Cmdable.
func NewRedisPubSub(client redis.UniversalClient) *RedisPubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	return &RedisPubSub{
		client:           client,
		reconnectInitial: DefaultReconnectInitial,
		reconnectMax:     DefaultReconnectMax,
		subs:             make(map[string]*redisSubscription),
	}
}

// Publish sends payload on the Redis channel named topic.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errRedisPubSubClosed
	}

	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a listener for topic. It returns immediately; the listener
// connects in the background and keeps reconnecting until Unsubscribe or Close.
func (r *RedisPubSub) Subscribe(_ context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errRedisPubSubClosed
	}

	base, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &redisSubscription{Subscription: base, stop: cancel, done: make(chan struct{})}
	r.subs[rs.ID] = rs

	go r.listenLoop(ctx, rs)

	log.Debug().Str("subscription_id", rs.ID).Str("topic", topic).Msg("new redis subscription created")
	return rs.ID, nil
}

// Unsubscribe stops the listener and the handler workers of a subscription.
func (r *RedisPubSub) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	rs, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil // Already unsubscribed
	}

	rs.shutdown()
	log.Debug().Str("subscription_id", id).Str("topic", rs.Topic).Msg("redis subscription removed")
	return nil
}

// Close stops every subscription. It does not close the Redis client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for _, rs := range r.subs {
		subs = append(subs, rs)
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	for _, rs := range subs {
		rs.shutdown()
	}
	log.Info().Int("subscriptions", len(subs)).Msg("redis pubsub closed")
	return nil
}

// Attached reports whether every subscription currently holds a confirmed
// SUBSCRIBE on a live connection.
func (r *RedisPubSub) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rs := range r.subs {
		if !rs.isAttached() {
			return false
		}
	}
	return true
}

func (rs *redisSubscription) shutdown() {
	rs.stop()
	<-rs.done
	_ = rs.Subscription.Close()
}

func (rs *redisSubscription) setAttached(v bool) {
	rs.mu.Lock()
	rs.attached = v
	rs.mu.Unlock()
}

func (rs *redisSubscription) isAttached() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.attached
}

// listenLoop keeps a SUBSCRIBE connection alive for rs until ctx is canceled.
// There is no retry limit: the loop backs off exponentially up to reconnectMax
// and starts over from reconnectInitial after every successful subscribe.
func (r *RedisPubSub) listenLoop(ctx context.Context, rs *redisSubscription) {
	defer close(rs.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.reconnectInitial
	bo.MaxInterval = r.reconnectMax
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()

	for {
		err := r.listenOnce(ctx, rs, bo)
		rs.setAttached(false)
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		log.Warn().Err(err).Str("subscription_id", rs.ID).Str("topic", rs.Topic).Dur("retry_in", wait).Msg("redis subscription lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// listenOnce subscribes on a fresh connection and delivers messages until the
// connection fails or ctx is canceled.
func (r *RedisPubSub) listenOnce(ctx context.Context, rs *redisSubscription, bo backoff.BackOff) error {
	ps := r.client.Subscribe(ctx, rs.Topic)
	defer ps.Close()

	// Receive waits for the subscribe confirmation, surfacing connection errors
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", rs.Topic, err)
	}
	rs.setAttached(true)
	bo.Reset()
	log.Info().Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("redis subscription established")

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		m := &Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}
		if err := rs.deliver(ctx, m); err != nil {
			if errors.Is(err, errSubscriptionClosed) || ctx.Err() != nil {
				return err
			}
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("failed to deliver message from redis")
		}
	}
}

// Ensure RedisPubSub implements PubSub interface
var _ PubSub = (*RedisPubSub)(nil)
