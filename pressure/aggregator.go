package pressure

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const (
	DefaultPublishInterval = time.Second
	DefaultRefreshInterval = 500 * time.Millisecond
)

// LocalSource provides this instance's pressure.
type LocalSource interface {
	Pressure() float64
}

// Aggregator computes the cluster-wide pressure as the mean of every live
// instance sample, falling back to local pressure when the store is unreachable
// or holds no samples.
type Aggregator struct {
	local           LocalSource
	registry        *Registry
	clock           clockwork.Clock
	publishInterval time.Duration
	refreshInterval time.Duration

	global    atomic.Float64
	instances atomic.Int64
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock sets the clock driving the publish and refresh loops.
func WithAggregatorClock(c clockwork.Clock) AggregatorOption {
	return func(a *Aggregator) { a.clock = c }
}

// WithIntervals overrides the publish and refresh periods.
func WithIntervals(publish, refresh time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if publish > 0 {
			a.publishInterval = publish
		}
		if refresh > 0 {
			a.refreshInterval = refresh
		}
	}
}

// NewAggregator creates an Aggregator publishing local through registry.
func NewAggregator(local LocalSource, registry *Registry, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		local:           local,
		registry:        registry,
		clock:           clockwork.NewRealClock(),
		publishInterval: DefaultPublishInterval,
		refreshInterval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Local returns this instance's pressure.
func (a *Aggregator) Local() float64 { return a.local.Pressure() }

// Global returns the latest cluster-wide pressure.
func (a *Aggregator) Global() float64 { return a.global.Load() }

// Instances returns how many samples the latest successful refresh averaged.
func (a *Aggregator) Instances() int { return int(a.instances.Load()) }

// Publish writes this instance's pressure to the registry.
func (a *Aggregator) Publish(ctx context.Context) error {
	return a.registry.Publish(ctx, a.local.Pressure())
}

// Refresh recomputes and caches the global pressure, returning it.
func (a *Aggregator) Refresh(ctx context.Context) float64 {
	samples, err := a.registry.Samples(ctx)
	if err != nil {
		local := a.local.Pressure()
		log.Warn().Err(err).Float64("local_pressure", local).Msg("global pressure unavailable, using local")
		a.global.Store(local)
		a.instances.Store(0)
		return local
	}
	if len(samples) == 0 {
		local := a.local.Pressure()
		a.global.Store(local)
		a.instances.Store(0)
		return local
	}

	var sum float64
	for _, v := range samples {
		sum += clamp01(v)
	}
	g := sum / float64(len(samples))
	a.global.Store(g)
	a.instances.Store(int64(len(samples)))
	return g
}

// Run publishes and refreshes on their own intervals until ctx is done. Each
// store round-trip is bounded by its loop interval.
func (a *Aggregator) Run(ctx context.Context) error {
	a.Refresh(ctx)

	pub := a.clock.NewTicker(a.publishInterval)
	defer pub.Stop()
	ref := a.clock.NewTicker(a.refreshInterval)
	defer ref.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pub.Chan():
			pctx, cancel := context.WithTimeout(ctx, a.publishInterval)
			if err := a.Publish(pctx); err != nil {
				log.Warn().Err(err).Str("pod_id", a.registry.PodID()).Msg("failed to publish local pressure")
			}
			cancel()
		case <-ref.Chan():
			rctx, cancel := context.WithTimeout(ctx, a.refreshInterval)
			a.Refresh(rctx)
			cancel()
		}
	}
}
