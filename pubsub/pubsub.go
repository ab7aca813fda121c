// Package pubsub carries cross-instance notifications over named channels.
// Delivery is at-most-once and fire-and-forget: a subscriber that is not
// connected when a message is published never sees it.
package pubsub

import (
	"context"
)

// Message is a single payload received on a channel.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one message. It runs on the subscription's worker
// goroutines, never concurrently with itself unless WithConcurrency > 1.
type Handler func(ctx context.Context, msg *Message)

// PubSub defines the interface for a publish/subscribe system.
type PubSub interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns a unique subscription ID.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID. Unknown IDs are ignored.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts down the pub/sub system, stopping every subscription.
	Close() error
}
