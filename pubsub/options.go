package pubsub

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency specifies the number of goroutines invoking the handler.
	// Defaults to 1, which preserves per-subscription message order.
	Concurrency int
	// QueueSize bounds the messages buffered ahead of the handler.
	// Defaults to 64.
	QueueSize int
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		Concurrency: 1,
		QueueSize:   64,
	}
}

// WithConcurrency sets the number of handler goroutines.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithQueueSize sets the delivery buffer size.
func WithQueueSize(size int) Option {
	return func(o *SubscriptionOptions) {
		if size > 0 {
			o.QueueSize = size
		}
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
