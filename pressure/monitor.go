// Package pressure scores instance load, shares it across instances and
// derives the protection mode from the cluster-wide figure.
package pressure

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Factor weights; they sum to 1.
const (
	WeightCPU         = 0.35
	WeightMemory      = 0.25
	WeightLag         = 0.15
	WeightRequestRate = 0.15
	WeightErrorRate   = 0.10
)

const (
	DefaultInterval           = time.Second
	DefaultLagInterval        = 500 * time.Millisecond
	DefaultLagHistory         = 20
	DefaultLagCeiling         = 100 * time.Millisecond
	DefaultMemoryCeiling      = 512 << 20
	DefaultRequestRateCeiling = 1000
)

// Factors are the normalized inputs of one pressure calculation.
type Factors struct {
	CPU         float64
	Memory      float64
	Lag         float64
	RequestRate float64
	ErrorRate   float64
}

// Score combines the factors with their weights.
func (f Factors) Score() float64 {
	return clamp01(f.CPU*WeightCPU +
		f.Memory*WeightMemory +
		f.Lag*WeightLag +
		f.RequestRate*WeightRequestRate +
		f.ErrorRate*WeightErrorRate)
}

// Monitor maintains this instance's composite pressure score.
type Monitor struct {
	sampler     Sampler
	clock       clockwork.Clock
	interval    time.Duration
	lagInterval time.Duration
	lagCeiling  time.Duration
	memCeiling  uint64
	rateCeiling float64

	requests atomic.Int64
	errors   atomic.Int64
	pressure atomic.Float64

	mu      sync.Mutex
	lags    []time.Duration // rolling scheduler-lag history
	lagSize int
	factors Factors
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSampler replaces the process sampler.
func WithSampler(s Sampler) MonitorOption {
	return func(m *Monitor) { m.sampler = s }
}

// WithMonitorClock sets the clock driving the monitor's timers.
func WithMonitorClock(c clockwork.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithMemoryCeiling sets the heap size treated as full memory utilization.
func WithMemoryCeiling(bytes uint64) MonitorOption {
	return func(m *Monitor) {
		if bytes > 0 {
			m.memCeiling = bytes
		}
	}
}

// WithRequestRateCeiling sets the requests per interval treated as a full request-rate factor.
func WithRequestRateCeiling(n float64) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.rateCeiling = n
		}
	}
}

// NewMonitor creates a Monitor. Without WithSampler it samples the current process.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		clock:       clockwork.NewRealClock(),
		interval:    DefaultInterval,
		lagInterval: DefaultLagInterval,
		lagCeiling:  DefaultLagCeiling,
		memCeiling:  DefaultMemoryCeiling,
		rateCeiling: DefaultRequestRateCeiling,
		lagSize:     DefaultLagHistory,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = NewProcessSampler(m.clock)
	}
	return m
}

// ReportRequest counts one request toward the current interval.
func (m *Monitor) ReportRequest() { m.requests.Inc() }

// ReportError counts one failed request toward the current interval.
func (m *Monitor) ReportError() { m.errors.Inc() }

// Pressure returns the latest local score in [0,1].
func (m *Monitor) Pressure() float64 { return m.pressure.Load() }

// Factors returns the inputs of the latest calculation.
func (m *Monitor) Factors() Factors {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factors
}

// ObserveLag records how late a periodic tick fired.
func (m *Monitor) ObserveLag(drift time.Duration) {
	if drift < 0 {
		drift = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lags = append(m.lags, drift)
	if len(m.lags) > m.lagSize {
		m.lags = m.lags[len(m.lags)-m.lagSize:]
	}
}

func (m *Monitor) lagScoreLocked() float64 {
	if len(m.lags) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.lags {
		sum += d
	}
	avg := sum / time.Duration(len(m.lags))
	return clamp01(float64(avg) / float64(m.lagCeiling))
}

// Recalculate consumes the interval's counters, samples the process and stores
// the new score, which it also returns.
func (m *Monitor) Recalculate() float64 {
	reqs := m.requests.Swap(0)
	errs := m.errors.Swap(0)

	f := Factors{
		CPU:         clamp01(m.sampler.CPU()),
		Memory:      clamp01(float64(m.sampler.HeapUsed()) / float64(m.memCeiling)),
		RequestRate: clamp01(float64(reqs) / m.rateCeiling),
	}
	if reqs > 0 {
		f.ErrorRate = clamp01(float64(errs) / float64(reqs))
	}

	m.mu.Lock()
	f.Lag = m.lagScoreLocked()
	m.factors = f
	m.mu.Unlock()

	p := f.Score()
	m.pressure.Store(p)

	log.Trace().
		Float64("pressure", p).
		Float64("cpu", f.CPU).
		Float64("memory", f.Memory).
		Float64("lag", f.Lag).
		Float64("request_rate", f.RequestRate).
		Float64("error_rate", f.ErrorRate).
		Msg("local pressure recalculated")
	return p
}

// Run drives the lag sampler and the periodic recalculation until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	calc := m.clock.NewTicker(m.interval)
	defer calc.Stop()
	lag := m.clock.NewTicker(m.lagInterval)
	defer lag.Stop()

	last := m.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lag.Chan():
			now := m.clock.Now()
			m.ObserveLag(now.Sub(last) - m.lagInterval)
			last = now
		case <-calc.Chan():
			m.Recalculate()
		}
	}
}
