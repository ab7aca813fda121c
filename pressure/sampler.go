package pressure

import (
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// Sampler reads raw process resource usage.
type Sampler interface {
	// CPU returns the fraction of available CPU used since the previous call, in [0,1].
	CPU() float64
	// HeapUsed returns the bytes of heap currently in use.
	HeapUsed() uint64
}

// ProcessSampler samples this process through procfs and the Go runtime.
// Where procfs is unavailable CPU reads as 0.
type ProcessSampler struct {
	clock clockwork.Clock

	mu       sync.Mutex
	proc     *procfs.Proc
	lastCPU  float64 // cumulative CPU seconds at the previous call
	lastWall time.Time
	warned   bool
}

// NewProcessSampler creates a sampler for the current process.
func NewProcessSampler(clock clockwork.Clock) *ProcessSampler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &ProcessSampler{clock: clock}
	if p, err := procfs.Self(); err == nil {
		s.proc = &p
		s.lastCPU, _ = s.cpuSeconds()
	} else {
		log.Debug().Err(err).Msg("procfs unavailable, cpu pressure disabled")
	}
	s.lastWall = clock.Now()
	return s
}

func (s *ProcessSampler) cpuSeconds() (float64, error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return 0, err
	}
	return stat.CPUTime(), nil
}

// CPU implements Sampler.
func (s *ProcessSampler) CPU() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return 0
	}
	now := s.clock.Now()
	total, err := s.cpuSeconds()
	if err != nil {
		if !s.warned {
			log.Warn().Err(err).Msg("failed to read process cpu time")
			s.warned = true
		}
		return 0
	}

	wall := now.Sub(s.lastWall).Seconds() * float64(runtime.GOMAXPROCS(0))
	used := total - s.lastCPU
	s.lastCPU, s.lastWall = total, now
	if wall <= 0 {
		return 0
	}
	return clamp01(used / wall)
}

// HeapUsed implements Sampler.
func (s *ProcessSampler) HeapUsed() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
