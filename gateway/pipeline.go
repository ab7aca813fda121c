// Package gateway chains the admission gates in front of the backend and
// forwards the requests they admit.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/sentinel/meta"
	"github.com/toolink/sentinel/metrics"
	"github.com/toolink/sentinel/pressure"
	"github.com/toolink/sentinel/priority"
)

const (
	DefaultTenant       = "anonymous"
	DefaultTenantHeader = "x-tenant-id"
	DefaultPlanHeader   = "x-tenant-plan"
	DefaultService      = "backend-service"
	DefaultTimeout      = 30 * time.Second

	// premium requests admitted above this global pressure are counted as preserved
	premiumPreservedPressure = 0.7
)

var DefaultHeavyEndpoints = []string{"/analytics", "/reports", "/export"}

// Bucket is the local burst gate.
type Bucket interface {
	Allow(tenantID string) bool
}

// Limiter is the cross-instance sliding-window gate.
type Limiter interface {
	GetAdaptiveLimit(globalPressure float64, planMultiplier int) int
	CheckDistributedLimit(ctx context.Context, tenantID, requestID string, limit int) bool
}

// Scheduler is the plan-aware shedding gate.
type Scheduler interface {
	ShouldAllow(tenantID string, plan priority.Plan) (bool, pressure.Mode)
}

// Breaker guards the backend service.
type Breaker interface {
	Check(service string) bool
	RecordSuccess(service string)
	RecordFailure(service string)
}

// LoadReporter receives request and error events for the local pressure score.
type LoadReporter interface {
	ReportRequest()
	ReportError()
}

// GlobalPressure returns the cluster-wide pressure.
type GlobalPressure interface {
	Global() float64
}

// ModeSource returns the protection mode in force.
type ModeSource interface {
	Mode() pressure.Mode
}

// Options configures a Pipeline.
type Options struct {
	Downstream     *url.URL
	Timeout        time.Duration
	TenantHeader   string
	PlanHeader     string
	Service        string
	HeavyEndpoints []string
}

// Deps are the components the Pipeline consults. All are required except
// Transport, which defaults to http.DefaultTransport.
type Deps struct {
	Bucket    Bucket
	Limiter   Limiter
	Scheduler Scheduler
	Breaker   Breaker
	Load      LoadReporter
	Global    GlobalPressure
	Modes     ModeSource
	Metrics   *metrics.Metrics
	Transport http.RoundTripper
}

// Admission identifies the request being admitted.
type Admission struct {
	RequestID string
	TenantID  string
	Plan      priority.Plan
	URL       string // request URI, matched against heavy endpoints
}

// Pipeline runs the admission gates and forwards admitted requests.
type Pipeline struct {
	opts  Options
	deps  Deps
	proxy http.Handler
}

// New creates a Pipeline.
func New(opts Options, deps Deps) (*Pipeline, error) {
	if opts.Downstream == nil || opts.Downstream.Host == "" {
		return nil, errors.New("gateway: downstream url is required")
	}
	if deps.Bucket == nil || deps.Limiter == nil || deps.Scheduler == nil || deps.Breaker == nil ||
		deps.Load == nil || deps.Global == nil || deps.Modes == nil || deps.Metrics == nil {
		return nil, errors.New("gateway: missing dependency")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = DefaultTenantHeader
	}
	if opts.PlanHeader == "" {
		opts.PlanHeader = DefaultPlanHeader
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.HeavyEndpoints == nil {
		opts.HeavyEndpoints = DefaultHeavyEndpoints
	}
	if deps.Transport == nil {
		deps.Transport = http.DefaultTransport
	}

	p := &Pipeline{opts: opts, deps: deps}
	p.proxy = p.newProxy()
	return p, nil
}

// Admit runs the gates in order and stops at the first denial.
func (p *Pipeline) Admit(ctx context.Context, a Admission) Decision {
	m := p.deps.Metrics
	md := meta.FromContext(ctx)
	plan := a.Plan.String()

	m.TenantRequests.WithLabelValues(plan).Inc()

	d := Decision{Outcome: Forward, Status: http.StatusOK, Plan: a.Plan, Service: p.opts.Service}
	reject := func(status int, reason string) Decision {
		d.Outcome, d.Status, d.Reason = Reject, status, reason
		md.SetReason(reason)
		return d
	}

	if !p.deps.Bucket.Allow(a.TenantID) {
		log.Warn().Str("event", "local_rate_limit").Str("tenant_id", a.TenantID).Str("request_id", a.RequestID).
			Msg("rate limit exceeded (local)")
		m.LocalBucketRejected.WithLabelValues(a.TenantID).Inc()
		return reject(http.StatusTooManyRequests, ReasonLocalBurst)
	}
	m.LocalBucketAllowed.WithLabelValues(a.TenantID).Inc()

	d.Pressure = p.deps.Global.Global()
	d.Limit = p.deps.Limiter.GetAdaptiveLimit(d.Pressure, a.Plan.Multiplier())
	if !p.deps.Limiter.CheckDistributedLimit(ctx, a.TenantID, a.RequestID, d.Limit) {
		log.Warn().Str("event", "distributed_rate_limit").Str("tenant_id", a.TenantID).Str("request_id", a.RequestID).
			Int("limit", d.Limit).Float64("pressure", d.Pressure).Str("plan", plan).
			Msg("rate limit exceeded (distributed)")
		m.DistributedRejected.WithLabelValues(a.TenantID).Inc()
		return reject(http.StatusTooManyRequests, ReasonDistributedLimit)
	}
	m.DistributedAllowed.WithLabelValues(a.TenantID).Inc()

	allowed, mode := p.deps.Scheduler.ShouldAllow(a.TenantID, a.Plan)
	d.Mode = mode
	md.SetMode(mode.String())
	if !allowed {
		log.Warn().Str("event", "priority_throttle").Str("tenant_id", a.TenantID).Str("request_id", a.RequestID).
			Str("plan", plan).Stringer("mode", mode).Msg("request shed by priority scheduler")
		m.PriorityDrops.WithLabelValues(plan, mode.String()).Inc()
		return reject(http.StatusServiceUnavailable, ReasonPriority)
	}

	if !p.deps.Breaker.Check(p.opts.Service) {
		log.Warn().Str("event", "circuit_breaker_open").Str("service", p.opts.Service).Str("request_id", a.RequestID).
			Msg("circuit breaker open, blocking request")
		return reject(http.StatusServiceUnavailable, ReasonCircuitOpen)
	}

	mode = p.deps.Modes.Mode()
	if mode >= pressure.ModeAggressive && isHeavy(a.URL, p.opts.HeavyEndpoints) {
		log.Info().Str("event", "degraded_response").Str("request_id", a.RequestID).Str("url", a.URL).
			Stringer("mode", mode).Msg("returning degraded response")
		m.DegradedResponses.Inc()
		md.MarkDegraded()
		d.Outcome, d.Mode = Degrade, mode
		return d
	}

	if a.Plan == priority.PlanPremium && d.Pressure > premiumPreservedPressure {
		m.PremiumPreserved.WithLabelValues(a.TenantID).Inc()
		log.Debug().Str("event", "premium_preserved").Str("tenant_id", a.TenantID).Float64("pressure", d.Pressure).
			Msg("premium request preserved under pressure")
	}
	return d
}

// ServeHTTP resolves the tenant, admits the request and then rejects,
// degrades or forwards it.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.deps.Load.ReportRequest()

	md := meta.FromContext(r.Context())
	if md == nil {
		md = meta.New(uuid.NewString(), r.Header.Get(requestIDHeader))
		r = r.WithContext(md.WithContext(r.Context()))
	}

	tenant := r.Header.Get(p.opts.TenantHeader)
	if tenant == "" {
		tenant = DefaultTenant
	}
	plan := priority.ParsePlan(r.Header.Get(p.opts.PlanHeader))
	md.SetTenant(tenant, plan.String())

	d := p.Admit(r.Context(), Admission{
		RequestID: md.Fields().RequestID,
		TenantID:  tenant,
		Plan:      plan,
		URL:       r.URL.RequestURI(),
	})

	switch d.Outcome {
	case Reject:
		writeJSON(w, d.Status, d.Body())
	case Degrade:
		w.Header().Set(DegradedHeader, "true")
		writeJSON(w, http.StatusOK, newDegradedPayload(r.URL.RequestURI()))
	default:
		p.forward(w, r)
	}
}
