// Package breaker implements per-service circuit breakers whose transitions are
// shared with peer instances.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/sentinel/kv"
	"github.com/toolink/sentinel/pubsub"
)

const (
	DefaultChannel             = "sentinel:breaker"
	DefaultSnapshotPrefix      = "breaker:"
	DefaultFailureThreshold    = 10
	DefaultCooldown            = 30 * time.Second
	DefaultHalfOpenMaxRequests = 5
	DefaultCloseRate           = 0.8
	DefaultPublishTimeout      = 2 * time.Second
)

// Config holds the state machine thresholds.
type Config struct {
	FailureThreshold    int           // consecutive failures that open a closed breaker
	Cooldown            time.Duration // time an open breaker waits before trial requests
	HalfOpenMaxRequests int           // trial requests evaluated before deciding
	CloseRate           float64       // trial success rate needed to close
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    DefaultFailureThreshold,
		Cooldown:            DefaultCooldown,
		HalfOpenMaxRequests: DefaultHalfOpenMaxRequests,
		CloseRate:           DefaultCloseRate,
	}
}

// TransitionHook observes every state change. remote is true when the change
// was adopted from a peer rather than caused locally.
type TransitionHook func(service string, from, to State, remote bool)

type record struct {
	state          State
	lastTransition time.Time
	lastActivity   time.Time
	failures       int
	successes      int
}

// Breaker tracks one state machine per service name.
type Breaker struct {
	cfg            Config
	clock          clockwork.Clock
	broker         *pubsub.Broker
	store          kv.Store
	channel        string
	snapshotPrefix string
	publishTimeout time.Duration
	hook           TransitionHook

	mu      sync.Mutex
	records map[string]*record

	pubMu     sync.Mutex       // serialises outbound updates
	published map[string]int64 // service -> newest timestamp sent
	pending   sync.WaitGroup
	subID     string
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the clock used for cooldowns and transition stamps.
func WithClock(c clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithBroker enables broadcasting and receiving transitions.
func WithBroker(broker *pubsub.Broker) Option {
	return func(b *Breaker) { b.broker = broker }
}

// WithSnapshotStore enables persisting the latest state per service.
func WithSnapshotStore(store kv.Store) Option {
	return func(b *Breaker) { b.store = store }
}

// WithChannel overrides the broadcast channel name.
func WithChannel(name string) Option {
	return func(b *Breaker) {
		if name != "" {
			b.channel = name
		}
	}
}

// WithTransitionHook registers a callback for every transition.
func WithTransitionHook(h TransitionHook) Option {
	return func(b *Breaker) { b.hook = h }
}

// New creates a Breaker. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.CloseRate <= 0 {
		cfg.CloseRate = def.CloseRate
	}

	b := &Breaker{
		cfg:            cfg,
		clock:          clockwork.NewRealClock(),
		channel:        DefaultChannel,
		snapshotPrefix: DefaultSnapshotPrefix,
		publishTimeout: DefaultPublishTimeout,
		records:        make(map[string]*record),
		published:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective thresholds.
func (b *Breaker) Config() Config { return b.cfg }

// transition describes a committed state change awaiting side effects.
type transition struct {
	service  string
	from, to State
	at       time.Time
}

// recordLocked returns the service's record, creating a closed one if needed.
func (b *Breaker) recordLocked(service string, now time.Time) *record {
	r, ok := b.records[service]
	if !ok {
		r = &record{state: StateClosed}
		b.records[service] = r
	}
	r.lastActivity = now
	return r
}

func (b *Breaker) transitionLocked(service string, r *record, to State, now time.Time) *transition {
	// peers compare millisecond stamps, so two transitions inside one
	// millisecond would make the second look stale
	if !r.lastTransition.IsZero() && now.UnixMilli() <= r.lastTransition.UnixMilli() {
		now = r.lastTransition.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	t := &transition{service: service, from: r.state, to: to, at: now}
	r.state = to
	r.lastTransition = now
	r.failures = 0
	r.successes = 0
	return t
}

// Check reports whether a request to service may proceed.
func (b *Breaker) Check(service string) bool {
	now := b.clock.Now()

	b.mu.Lock()
	r := b.recordLocked(service, now)
	var (
		allowed bool
		t       *transition
	)
	switch r.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(r.lastTransition) > b.cfg.Cooldown {
			t = b.transitionLocked(service, r, StateHalfOpen, now)
			allowed = true
		}
	case StateHalfOpen:
		allowed = r.successes+r.failures < b.cfg.HalfOpenMaxRequests
	}
	b.mu.Unlock()

	b.after(t)
	return allowed
}

// RecordSuccess reports a successful call to service.
func (b *Breaker) RecordSuccess(service string) {
	now := b.clock.Now()

	b.mu.Lock()
	r := b.recordLocked(service, now)
	var t *transition
	switch r.state {
	case StateClosed:
		r.failures = 0
	case StateHalfOpen:
		r.successes++
		t = b.evaluateHalfOpenLocked(service, r, now)
	}
	b.mu.Unlock()

	b.after(t)
}

// RecordFailure reports a failed call to service.
func (b *Breaker) RecordFailure(service string) {
	now := b.clock.Now()

	b.mu.Lock()
	r := b.recordLocked(service, now)
	var t *transition
	switch r.state {
	case StateClosed:
		r.failures++
		if r.failures >= b.cfg.FailureThreshold {
			t = b.transitionLocked(service, r, StateOpen, now)
		}
	case StateHalfOpen:
		// any trial failure re-opens at once
		r.failures++
		t = b.transitionLocked(service, r, StateOpen, now)
	}
	b.mu.Unlock()

	b.after(t)
}

func (b *Breaker) evaluateHalfOpenLocked(service string, r *record, now time.Time) *transition {
	attempts := r.successes + r.failures
	if attempts < b.cfg.HalfOpenMaxRequests {
		return nil
	}
	rate := float64(r.successes) / float64(attempts)
	if rate >= b.cfg.CloseRate {
		return b.transitionLocked(service, r, StateClosed, now)
	}
	return b.transitionLocked(service, r, StateOpen, now)
}

// State returns the current state of service; unseen services are CLOSED.
func (b *Breaker) State(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.records[service]; ok {
		return r.state
	}
	return StateClosed
}

// Len returns the number of tracked services.
func (b *Breaker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Sweep forgets closed, failure-free services idle for longer than idle and
// returns how many were removed. Open and half-open records are always kept.
func (b *Breaker) Sweep(idle time.Duration) int {
	cutoff := b.clock.Now().Add(-idle)

	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for svc, r := range b.records {
		if r.state == StateClosed && r.failures == 0 && r.lastActivity.Before(cutoff) {
			delete(b.records, svc)
			removed++
		}
	}
	return removed
}

// after runs the side effects of a local transition outside the lock.
func (b *Breaker) after(t *transition) {
	if t == nil {
		return
	}

	var ev *zerolog.Event
	if t.to == StateOpen {
		ev = log.Warn().Str("event", "circuit_breaker_open")
	} else {
		ev = log.Info().Str("event", "breaker_transition")
	}
	ev.Str("service", t.service).Str("from", t.from.String()).Str("to", t.to.String()).Msg("circuit breaker transition")

	if b.hook != nil {
		b.hook(t.service, t.from, t.to, false)
	}
	if b.broker == nil && b.store == nil {
		return
	}

	u := Update{Service: t.service, State: t.to.String(), Timestamp: t.at.UnixMilli()}
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		b.publish(u)
	}()
}

// publish broadcasts u and writes its snapshot. Failures are logged and
// swallowed: the local state machine stays authoritative for this instance.
func (b *Breaker) publish(u Update) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	// a later transition for the same service may already be out
	if u.Timestamp < b.published[u.Service] {
		return
	}
	b.published[u.Service] = u.Timestamp

	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()

	if b.broker != nil {
		if err := b.broker.PublishJSON(ctx, b.channel, u); err != nil {
			log.Warn().Err(err).Str("service", u.Service).Str("state", u.State).Msg("failed to broadcast breaker state")
		}
	}
	if b.store != nil {
		payload, err := json.Marshal(u)
		if err != nil {
			log.Error().Err(err).Str("service", u.Service).Msg("failed to encode breaker update")
			return
		}
		if err := b.store.Set(ctx, b.snapshotPrefix+u.Service, string(payload), 0); err != nil {
			log.Warn().Err(err).Str("service", u.Service).Str("state", u.State).Msg("failed to persist breaker snapshot")
		}
	}
}

// Apply adopts a peer's transition if it is strictly newer than the local one.
// Adopted updates are not re-broadcast. It reports whether u was adopted.
func (b *Breaker) Apply(u Update) bool {
	to, err := ParseState(u.State)
	if err != nil || u.Service == "" {
		log.Warn().Err(err).Str("service", u.Service).Str("state", u.State).Msg("ignoring malformed breaker update")
		return false
	}

	b.mu.Lock()
	r := b.recordLocked(u.Service, b.clock.Now())
	if u.Timestamp <= r.lastTransition.UnixMilli() {
		b.mu.Unlock()
		return false
	}
	from := r.state
	r.state = to
	r.lastTransition = time.UnixMilli(u.Timestamp)
	r.failures = 0
	r.successes = 0
	b.mu.Unlock()

	log.Info().Str("event", "breaker_sync").Str("service", u.Service).Str("from", from.String()).Str("to", to.String()).Int64("timestamp", u.Timestamp).Msg("adopted remote breaker state")
	if b.hook != nil {
		b.hook(u.Service, from, to, true)
	}
	return true
}

// Bootstrap adopts every persisted snapshot, so a fresh instance starts from
// the cluster's view without waiting for the next broadcast.
func (b *Breaker) Bootstrap(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	vals, err := b.store.Values(ctx, b.snapshotPrefix)
	if err != nil {
		return err
	}
	adopted := 0
	for key, raw := range vals {
		var u Update
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping malformed breaker snapshot")
			continue
		}
		if b.Apply(u) {
			adopted++
		}
	}
	log.Info().Int("snapshots", len(vals)).Int("adopted", adopted).Msg("breaker state bootstrapped")
	return nil
}

// Start subscribes to peer transitions and bootstraps from snapshots. A failed
// bootstrap is logged; broadcasts will converge the state.
func (b *Breaker) Start(ctx context.Context) error {
	if b.broker != nil {
		id, err := pubsub.SubscribeJSON(ctx, b.broker, b.channel, func(_ context.Context, u Update) {
			b.Apply(u)
		})
		if err != nil {
			return err
		}
		b.subID = id
	}
	if err := b.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("breaker bootstrap failed, waiting for broadcasts")
	}
	return nil
}

// Stop unsubscribes and waits for outstanding publications.
func (b *Breaker) Stop(ctx context.Context) error {
	var err error
	if b.broker != nil && b.subID != "" {
		err = b.broker.Unsubscribe(ctx, b.subID)
		b.subID = ""
	}

	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Name identifies the breaker as a lifecycle component.
func (b *Breaker) Name() string { return "breaker" }

// Flush waits for outstanding publications.
func (b *Breaker) Flush() { b.pending.Wait() }
