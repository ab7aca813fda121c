// Package meta carries request-scoped admission metadata through a context.Context,
// so the access log can report what the admission pipeline decided.
package meta

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// metadataKey is the private key type used for context.WithValue.
// Using a private type prevents collisions with other context keys.
type metadataKey struct{}

// Fields is a point-in-time copy of a request's admission metadata.
type Fields struct {
	RequestID     string // server-generated, unique per request
	CorrelationID string // x-request-id from the client, or RequestID
	Tenant        string
	Plan          string
	Mode          string // protection mode seen by the priority gate
	Reason        string // denial reason, empty when admitted
	Degraded      bool
}

// MarshalZerologObject lets Fields be embedded in a log event.
func (f Fields) MarshalZerologObject(e *zerolog.Event) {
	e.Str("request_id", f.RequestID)
	if f.CorrelationID != "" && f.CorrelationID != f.RequestID {
		e.Str("correlation_id", f.CorrelationID)
	}
	if f.Tenant != "" {
		e.Str("tenant_id", f.Tenant).Str("plan", f.Plan)
	}
	if f.Mode != "" {
		e.Str("mode", f.Mode)
	}
	if f.Reason != "" {
		e.Str("reason", f.Reason)
	}
	if f.Degraded {
		e.Bool("degraded", true)
	}
}

// Metadata holds the mutable metadata of one request. Handlers running on the
// request goroutine and the proxy's response hooks may both write it.
type Metadata struct {
	mu     sync.RWMutex
	fields Fields
}

// New creates Metadata for a request.
func New(requestID, correlationID string) *Metadata {
	if correlationID == "" {
		correlationID = requestID
	}
	return &Metadata{fields: Fields{RequestID: requestID, CorrelationID: correlationID}}
}

// SetTenant records the resolved tenant and plan.
func (m *Metadata) SetTenant(tenant, plan string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.Tenant = tenant
	m.fields.Plan = plan
}

// SetMode records the protection mode in force for the request.
func (m *Metadata) SetMode(mode string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.Mode = mode
}

// SetReason records why the request was denied or failed.
func (m *Metadata) SetReason(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.Reason = reason
}

// MarkDegraded records that a degraded payload was served.
func (m *Metadata) MarkDegraded() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.Degraded = true
}

// Fields returns a copy of the current metadata.
func (m *Metadata) Fields() Fields {
	if m == nil {
		return Fields{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields
}

// WithContext returns a new context derived from ctx that carries the metadata 'm'.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		log.Error().Msg("attempted to attach metadata to a nil context, using background context")
		ctx = context.Background()
	}
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext extracts the *Metadata from ctx. It returns nil when absent;
// every Metadata method is safe on a nil receiver.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(metadataKey{}).(*Metadata)
	return md
}
