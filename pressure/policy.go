package pressure

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Mode is the protection severity. Higher values are more severe.
type Mode int

const (
	ModeNormal Mode = iota
	ModeModerate
	ModeAggressive
	ModeCritical
)

// String returns the canonical upper-case name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeModerate:
		return "MODERATE"
	case ModeAggressive:
		return "AGGRESSIVE"
	case ModeCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Mode thresholds on global pressure.
const (
	ThresholdModerate   = 0.5
	ThresholdAggressive = 0.75
	ThresholdCritical   = 0.9

	DefaultHysteresis = 5 * time.Second
)

// ModeFor maps a pressure value to the mode its thresholds imply.
func ModeFor(p float64) Mode {
	switch {
	case p >= ThresholdCritical:
		return ModeCritical
	case p >= ThresholdAggressive:
		return ModeAggressive
	case p >= ThresholdModerate:
		return ModeModerate
	default:
		return ModeNormal
	}
}

// GlobalSource provides cluster-wide pressure.
type GlobalSource interface {
	Global() float64
}

// Policy derives the protection mode from global pressure. Escalation is
// immediate; de-escalation waits until the current mode has held for the
// hysteresis period and then jumps straight to the mode pressure implies.
type Policy struct {
	source     GlobalSource
	clock      clockwork.Clock
	hysteresis time.Duration

	mu         sync.Mutex
	mode       Mode
	lastChange time.Time
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyClock sets the clock measuring the hysteresis period.
func WithPolicyClock(c clockwork.Clock) PolicyOption {
	return func(p *Policy) { p.clock = c }
}

// WithHysteresis sets the minimum dwell time before a downgrade.
func WithHysteresis(d time.Duration) PolicyOption {
	return func(p *Policy) {
		if d >= 0 {
			p.hysteresis = d
		}
	}
}

// NewPolicy creates a Policy starting in NORMAL.
func NewPolicy(source GlobalSource, opts ...PolicyOption) *Policy {
	p := &Policy{
		source:     source,
		clock:      clockwork.NewRealClock(),
		hysteresis: DefaultHysteresis,
		mode:       ModeNormal,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastChange = p.clock.Now()
	return p
}

// Mode evaluates the latest global pressure and returns the resulting mode.
func (p *Policy) Mode() Mode {
	pressure := p.source.Global()
	target := ModeFor(pressure)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	switch {
	case target > p.mode:
		p.transitionLocked(target, pressure, now)
	case target < p.mode && now.Sub(p.lastChange) >= p.hysteresis:
		p.transitionLocked(target, pressure, now)
	}
	return p.mode
}

// Current returns the mode as of the last evaluation without re-evaluating.
func (p *Policy) Current() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Policy) transitionLocked(to Mode, pressure float64, now time.Time) {
	from := p.mode
	p.mode = to
	p.lastChange = now

	ev := log.Info()
	if to > from {
		ev = log.Warn()
	}
	ev.Str("event", "mode_change").
		Str("from", from.String()).
		Str("to", to.String()).
		Float64("global_pressure", pressure).
		Msg("protection mode changed")
}
