package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errBrokerClosed = errors.New("broker not initialized")

// Broker acts as a wrapper around a PubSub implementation.
// It allows easy switching between different PubSub backends (memory, redis)
// and adds JSON encoding on top of the raw byte channels.
type Broker struct {
	impl PubSub
	mu   sync.RWMutex // Protects impl, which Close clears
}

// BrokerOption defines an option for configuring the Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient      redis.UniversalClient // Optional Redis client for Redis backend
	memory           *MemoryPubSub         // Optional shared memory backend
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

// WithRedisClient selects the Redis PUBLISH/SUBSCRIBE backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// WithMemoryPubSub shares an existing in-memory backend between brokers.
// Closing any of those brokers closes the shared backend.
func WithMemoryPubSub(m *MemoryPubSub) BrokerOption {
	return func(o *brokerOptions) {
		o.memory = m
	}
}

// WithReconnectBackoff bounds the Redis subscriber's reconnect delays.
func WithReconnectBackoff(initial, max time.Duration) BrokerOption {
	return func(o *brokerOptions) {
		if initial > 0 {
			o.reconnectInitial = initial
		}
		if max > 0 {
			o.reconnectMax = max
		}
	}
}

// New creates a new Broker instance.
// By default, it uses a private MemoryPubSub.
// Use options like WithRedisClient to select the Redis backend.
func New(opts ...BrokerOption) *Broker {
	options := &brokerOptions{
		reconnectInitial: DefaultReconnectInitial,
		reconnectMax:     DefaultReconnectMax,
	}
	for _, opt := range opts {
		opt(options)
	}

	var ps PubSub
	switch {
	case options.redisClient != nil:
		log.Info().Msg("initializing broker with redis pubsub backend")
		r := NewRedisPubSub(options.redisClient)
		r.reconnectInitial = options.reconnectInitial
		r.reconnectMax = options.reconnectMax
		ps = r
	case options.memory != nil:
		log.Info().Msg("initializing broker with shared memory pubsub backend")
		ps = options.memory
	default:
		log.Info().Msg("initializing broker with memory pubsub backend")
		ps = NewMemoryPubSub()
	}

	return &Broker{impl: ps}
}

// Publish delegates the call to the underlying PubSub implementation.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Publish(ctx, topic, payload)
}

// PublishJSON encodes v as JSON and publishes it on topic.
func (b *Broker) PublishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// Subscribe delegates the call to the underlying PubSub implementation.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return "", errBrokerClosed
	}
	return b.impl.Subscribe(ctx, topic, handler, opts...)
}

// Unsubscribe delegates the call to the underlying PubSub implementation.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Unsubscribe(ctx, id)
}

// Close closes the underlying PubSub implementation.
func (b *Broker) Close() error {
	b.mu.Lock() // Use Lock for closing
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil // Already closed or never initialized
	}
	err := b.impl.Close()
	b.impl = nil // Set impl to nil after closing
	return err
}

// Attached reports whether the backend's subscriptions are live. The memory
// backend is always attached.
func (b *Broker) Attached() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.impl.(*RedisPubSub); ok {
		return r.Attached()
	}
	return b.impl != nil
}

// SubscribeJSON registers a handler receiving payloads decoded into T.
// Messages that fail to decode are logged and dropped.
func SubscribeJSON[T any](ctx context.Context, b *Broker, topic string, handler func(context.Context, T), opts ...Option) (string, error) {
	return b.Subscribe(ctx, topic, func(ctx context.Context, msg *Message) {
		var v T
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping undecodable message")
			return
		}
		handler(ctx, v)
	}, opts...)
}
