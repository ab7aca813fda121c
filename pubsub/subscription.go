package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errNilHandler         = errors.New("pubsub: handler must not be nil")
	errSubscriptionClosed = errors.New("pubsub: subscription is closed")
)

// Subscription represents a single subscription to a topic.
type Subscription struct {
	ID      string
	Topic   string
	options *SubscriptionOptions

	handler Handler
	queue   chan *Message

	ctx       context.Context // canceled on Close, stops the workers
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newSubscription creates a subscription and starts its handler workers.
func newSubscription(topic string, handler Handler, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, errNilHandler
	}
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		options: options,
		handler: handler,
		queue:   make(chan *Message, options.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(options.Concurrency)
	for i := 0; i < options.Concurrency; i++ {
		go s.runWorker()
	}
	return s, nil
}

// runWorker feeds queued messages to the handler until the subscription closes.
func (s *Subscription) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.invoke(msg)
		}
	}
}

func (s *Subscription) invoke(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscription handler panicked")
		}
	}()
	s.handler(s.ctx, msg)
}

// deliver queues msg for the handler, blocking while the queue is full.
func (s *Subscription) deliver(ctx context.Context, msg *Message) error {
	select {
	case <-s.ctx.Done():
		return errSubscriptionClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	case <-s.ctx.Done():
		return errSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers and waits for an in-flight handler call to return.
// Queued but unhandled messages are dropped. Must not be called from the handler.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
