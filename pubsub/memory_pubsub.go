package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var errMemoryPubSubClosed = errors.New("pubsub: memory pubsub is closed")

// MemoryPubSub implements PubSub in process memory. Every Broker sharing one
// MemoryPubSub sees the others' messages, which is how a single process (or a
// test) stands in for several gateway instances.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*Subscription // topic -> subID -> Subscription
	subs   map[string]*Subscription            // subID -> Subscription (for fast unsubscribe)
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*Subscription),
		subs:   make(map[string]*Subscription),
	}
}

// Publish queues payload for every subscriber of topic.
// It blocks while a subscriber's queue is full, until ctx is done.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errMemoryPubSubClosed
	}
	subs := m.getSubscriptionsForTopicLocked(topic)
	m.mu.RUnlock() // Release read lock before potentially blocking delivery

	var errs []error
	for _, sub := range subs {
		// each subscriber gets its own copy so handlers cannot interfere
		msg := &Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		if err := sub.deliver(ctx, msg); err != nil {
			if errors.Is(err, errSubscriptionClosed) {
				continue
			}
			log.Error().Err(err).Str("subscription_id", sub.ID).Str("topic", topic).Msg("failed to deliver message")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe creates a new subscription.
func (m *MemoryPubSub) Subscribe(_ context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", errMemoryPubSubClosed
	}

	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[string]*Subscription)
	}
	m.topics[topic][sub.ID] = sub
	m.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (m *MemoryPubSub) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil // Subscription already gone
	}
	delete(m.subs, id)
	if topicSubs, ok := m.topics[sub.Topic]; ok {
		delete(topicSubs, id)
		if len(topicSubs) == 0 {
			delete(m.topics, sub.Topic) // Clean up empty topic map
		}
	}
	m.mu.Unlock() // Unlock before closing subscription

	_ = sub.Close()
	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("subscription removed")
	return nil
}

// Close shuts down the MemoryPubSub instance.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil // Already closed
	}
	m.closed = true

	subsToClose := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subsToClose = append(subsToClose, sub)
	}
	m.topics = make(map[string]map[string]*Subscription)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(subsToClose))
	for _, sub := range subsToClose {
		go func(s *Subscription) {
			defer wg.Done()
			_ = s.Close()
		}(sub)
	}
	wg.Wait()

	log.Info().Int("subscriptions", len(subsToClose)).Msg("memory pubsub closed")
	return nil
}

// getSubscriptionsForTopicLocked returns a copy of the topic's subscriptions.
// Requires RLock to be held.
func (m *MemoryPubSub) getSubscriptionsForTopicLocked(topic string) []*Subscription {
	topicSubs, ok := m.topics[topic]
	if !ok {
		return nil
	}
	subs := make([]*Subscription, 0, len(topicSubs))
	for _, sub := range topicSubs {
		subs = append(subs, sub)
	}
	return subs
}

// Ensure MemoryPubSub implements PubSub interface
var _ PubSub = (*MemoryPubSub)(nil)
