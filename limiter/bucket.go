package limiter

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	DefaultBurstCapacity = 20
	DefaultRefillRate    = 10 // tokens per second
	DefaultIdleTTL       = 15 * time.Minute
)

// TokenBucket is a per-tenant, process-local burst limiter. Each tenant gets a
// bucket that starts full and refills continuously at the configured rate.
type TokenBucket struct {
	capacity int
	refill   rate.Limit
	idleTTL  time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BucketOption configures a TokenBucket.
type BucketOption func(*TokenBucket)

// WithIdleTTL sets how long an unused tenant bucket survives a Sweep.
func WithIdleTTL(ttl time.Duration) BucketOption {
	return func(b *TokenBucket) {
		if ttl > 0 {
			b.idleTTL = ttl
		}
	}
}

// WithBucketClock sets the clock that drives refill.
func WithBucketClock(clock clockwork.Clock) BucketOption {
	return func(b *TokenBucket) {
		b.clock = clock
	}
}

// NewTokenBucket creates a TokenBucket holding at most capacity tokens per tenant,
// refilled at refillPerSecond.
func NewTokenBucket(capacity int, refillPerSecond float64, opts ...BucketOption) *TokenBucket {
	b := &TokenBucket{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		idleTTL:  DefaultIdleTTL,
		clock:    clockwork.NewRealClock(),
		buckets:  make(map[string]*bucketEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow takes one token from tenantID's bucket, reporting false if fewer than one
// token is available.
func (b *TokenBucket) Allow(tenantID string) bool {
	now := b.clock.Now()
	return b.entry(tenantID, now).limiter.AllowN(now, 1)
}

// Tokens returns the tokens currently available to tenantID, capacity for an unseen tenant.
func (b *TokenBucket) Tokens(tenantID string) float64 {
	b.mu.Lock()
	e, ok := b.buckets[tenantID]
	b.mu.Unlock()
	if !ok {
		return float64(b.capacity)
	}
	return e.limiter.TokensAt(b.clock.Now())
}

// Len returns the number of tracked tenants.
func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Sweep evicts buckets idle for longer than the idle TTL and returns how many were removed.
// An evicted tenant starts over with a full bucket, which is what it would have
// refilled to anyway once the idle TTL exceeds capacity/refill.
func (b *TokenBucket) Sweep() int {
	cutoff := b.clock.Now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, e := range b.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(b.buckets, id)
			removed++
		}
	}
	return removed
}

func (b *TokenBucket) entry(tenantID string, now time.Time) *bucketEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.buckets[tenantID]
	if !ok {
		e = &bucketEntry{limiter: rate.NewLimiter(b.refill, b.capacity)}
		b.buckets[tenantID] = e
	}
	e.lastSeen = now
	return e
}
