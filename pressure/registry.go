package pressure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/sentinel/kv"
)

const (
	DefaultKeyPrefix = "pressure:"
	DefaultTTL       = 5 * time.Second
)

// Registry publishes instance-scoped pressure samples under expiring keys, so a
// dead instance's contribution disappears on its own once the TTL lapses.
type Registry struct {
	store  kv.Store
	podID  string
	prefix string
	ttl    time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPodID sets the instance id used in this instance's key.
func WithPodID(id string) RegistryOption {
	return func(r *Registry) {
		if id != "" {
			r.podID = id
		}
	}
}

// WithKeyPrefix sets the key prefix shared by every instance.
func WithKeyPrefix(prefix string) RegistryOption {
	return func(r *Registry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL sets the expiry of a published sample.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		} else {
			log.Warn().Dur("invalid_ttl", ttl).Msg("ignoring non-positive ttl option")
		}
	}
}

// NewRegistry creates a Registry over store. Without WithPodID a random id is generated.
func NewRegistry(store kv.Store, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("pressure registry requires a store")
	}
	r := &Registry{
		store:  store,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.podID == "" {
		r.podID = uuid.NewString()
		log.Debug().Str("generated_id", r.podID).Msg("generated pod id")
	}
	return r, nil
}

// PodID returns this instance's id.
func (r *Registry) PodID() string { return r.podID }

// TTL returns the sample expiry.
func (r *Registry) TTL() time.Duration { return r.ttl }

func (r *Registry) key() string { return r.prefix + r.podID }

// Publish stores this instance's pressure with the registry TTL.
func (r *Registry) Publish(ctx context.Context, value float64) error {
	v := strconv.FormatFloat(value, 'f', -1, 64)
	if err := r.store.Set(ctx, r.key(), v, r.ttl); err != nil {
		return fmt.Errorf("publish pressure for %s: %w", r.podID, err)
	}
	return nil
}

// Samples returns the live pressure of every instance keyed by pod id.
// Unparsable values are skipped.
func (r *Registry) Samples(ctx context.Context) (map[string]float64, error) {
	vals, err := r.store.Values(ctx, r.prefix)
	if err != nil {
		return nil, fmt.Errorf("list pressure samples: %w", err)
	}
	out := make(map[string]float64, len(vals))
	for k, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Err(err).Str("key", k).Str("value", v).Msg("skipping malformed pressure sample")
			continue
		}
		out[strings.TrimPrefix(k, r.prefix)] = f
	}
	return out, nil
}

// Deregister removes this instance's sample ahead of its expiry.
func (r *Registry) Deregister(ctx context.Context) error {
	if err := r.store.Delete(ctx, r.key()); err != nil {
		return fmt.Errorf("deregister pressure for %s: %w", r.podID, err)
	}
	log.Info().Str("pod_id", r.podID).Msg("pressure sample deregistered")
	return nil
}
