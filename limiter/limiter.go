package limiter

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// KeyPrefix prefixes every tenant window key in the shared store.
	KeyPrefix = "rate:"

	DefaultWindow    = 60 * time.Second
	DefaultBaseLimit = 100
)

// DistributedLimiter enforces a per-tenant request count over a sliding window
// shared by every gateway instance.
type DistributedLimiter struct {
	store     WindowStore
	clock     clockwork.Clock
	window    time.Duration
	baseLimit int
	observe   func(time.Duration) // store round-trip latency, optional
}

// Option configures a DistributedLimiter.
type Option func(*DistributedLimiter)

// WithWindow sets the sliding window length.
func WithWindow(window time.Duration) Option {
	return func(l *DistributedLimiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithBaseLimit sets the per-window limit before plan and pressure adjustment.
func WithBaseLimit(base int) Option {
	return func(l *DistributedLimiter) {
		if base > 0 {
			l.baseLimit = base
		}
	}
}

// WithClock sets the clock used to score window markers.
func WithClock(clock clockwork.Clock) Option {
	return func(l *DistributedLimiter) {
		l.clock = clock
	}
}

// WithLatencyObserver registers a callback invoked with every store round-trip duration.
func WithLatencyObserver(fn func(time.Duration)) Option {
	return func(l *DistributedLimiter) {
		l.observe = fn
	}
}

// NewDistributedLimiter creates a DistributedLimiter backed by store.
func NewDistributedLimiter(store WindowStore, opts ...Option) *DistributedLimiter {
	l := &DistributedLimiter{
		store:     store,
		clock:     clockwork.NewRealClock(),
		window:    DefaultWindow,
		baseLimit: DefaultBaseLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured sliding window length.
func (l *DistributedLimiter) Window() time.Duration { return l.window }

// CheckDistributedLimit records requestID in tenantID's window and reports whether
// the window count, including this request, is within limit.
// Any store failure denies the request (fail closed).
func (l *DistributedLimiter) CheckDistributedLimit(ctx context.Context, tenantID, requestID string, limit int) bool {
	key := KeyPrefix + tenantID

	start := l.clock.Now()
	res, err := l.store.Hit(ctx, key, requestID, start, l.window, limit)
	if l.observe != nil {
		l.observe(l.clock.Since(start))
	}
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("key", key).Msg("distributed rate limit check failed, denying request")
		return false
	}

	if !res.Allowed {
		log.Debug().Str("tenant_id", tenantID).Int64("count", res.Count).Int("limit", limit).Msg("distributed window exhausted")
	}
	return res.Allowed
}

// GetAdaptiveLimit returns the window limit for a tenant given the current
// global pressure and the tenant's plan multiplier.
func (l *DistributedLimiter) GetAdaptiveLimit(globalPressure float64, planMultiplier int) int {
	return AdaptiveLimit(l.baseLimit, globalPressure, planMultiplier)
}

// AdaptiveLimit computes floor(base * multiplier * (1 - pressure)), never less than 1.
// Pressure is clamped to [0,1].
func AdaptiveLimit(base int, pressure float64, multiplier int) int {
	pressure = math.Max(0, math.Min(1, pressure))
	// the epsilon absorbs binary rounding, e.g. 300*(1-0.9) = 29.999999999999993
	limit := int(math.Floor(float64(base)*float64(multiplier)*(1-pressure) + 1e-9))
	if limit < 1 {
		return 1
	}
	return limit
}
