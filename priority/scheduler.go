package priority

import (
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolink/sentinel/pressure"
)

// ReducedWeight is the admission probability of a plan whose weight is reduced.
const ReducedWeight = 0.7

// ModeSource provides the current protection mode.
type ModeSource interface {
	Mode() pressure.Mode
}

// Random is a source of uniform floats in [0,1).
type Random interface {
	Float64() float64
}

type verdict int

const (
	admit verdict = iota
	reduce
	deny
)

// table[mode][plan]
var table = [4][3]verdict{
	pressure.ModeNormal:     {admit, admit, admit},
	pressure.ModeModerate:   {reduce, admit, admit},
	pressure.ModeAggressive: {deny, reduce, admit},
	pressure.ModeCritical:   {deny, deny, admit},
}

// Scheduler sheds requests by plan according to the protection mode. A reduced
// plan is admitted by an independent Bernoulli draw per request, which matches a
// 30% weight reduction only in expectation.
type Scheduler struct {
	modes ModeSource
	rand  Random
}

// NewScheduler creates a Scheduler. A nil rnd uses a randomly seeded PCG.
func NewScheduler(modes ModeSource, rnd Random) *Scheduler {
	if rnd == nil {
		rnd = NewLockedRand(rand.Uint64(), rand.Uint64())
	}
	return &Scheduler{modes: modes, rand: rnd}
}

// ShouldAllow reports whether tenantID's request on plan may proceed under the
// current mode. It also returns the mode it evaluated.
func (s *Scheduler) ShouldAllow(tenantID string, plan Plan) (bool, pressure.Mode) {
	mode := s.modes.Mode()
	ok := s.decide(mode, plan)
	if !ok {
		log.Debug().Str("tenant_id", tenantID).Str("plan", plan.String()).Str("mode", mode.String()).Msg("request shed by priority")
	}
	return ok, mode
}

func (s *Scheduler) decide(mode pressure.Mode, plan Plan) bool {
	if mode < pressure.ModeNormal || int(mode) >= len(table) || plan < PlanFree || int(plan) >= len(table[0]) {
		return true
	}
	switch table[mode][plan] {
	case deny:
		return false
	case reduce:
		return s.rand.Float64() < ReducedWeight
	default:
		return true
	}
}

// LockedRand is a seedable Random safe for concurrent use.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand creates a PCG-backed Random from a fixed seed.
func NewLockedRand(seed1, seed2 uint64) *LockedRand {
	return &LockedRand{r: rand.New(rand.NewPCG(seed1, seed2))}
}

// Float64 implements Random.
func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
