package pressure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	mu   sync.Mutex
	cpu  float64
	heap uint64
}

func (f *fakeSampler) CPU() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu
}

func (f *fakeSampler) HeapUsed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap
}

func TestWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, WeightCPU+WeightMemory+WeightLag+WeightRequestRate+WeightErrorRate, 1e-12)
	assert.InDelta(t, 1.0, Factors{1, 1, 1, 1, 1}.Score(), 1e-12)
	assert.Zero(t, Factors{}.Score())
}

func TestMonitorRecalculate(t *testing.T) {
	s := &fakeSampler{cpu: 0.2, heap: 256 << 20}
	m := NewMonitor(WithSampler(s), WithMonitorClock(clockwork.NewFakeClock()))

	for i := 0; i < 500; i++ {
		m.ReportRequest()
	}
	for i := 0; i < 50; i++ {
		m.ReportError()
	}
	m.ObserveLag(50 * time.Millisecond)
	m.ObserveLag(150 * time.Millisecond)

	p := m.Recalculate()

	f := m.Factors()
	assert.InDelta(t, 0.2, f.CPU, 1e-9)
	assert.InDelta(t, 0.5, f.Memory, 1e-9)
	assert.InDelta(t, 1.0, f.Lag, 1e-9) // average 100ms hits the ceiling
	assert.InDelta(t, 0.5, f.RequestRate, 1e-9)
	assert.InDelta(t, 0.1, f.ErrorRate, 1e-9)

	want := 0.2*0.35 + 0.5*0.25 + 1.0*0.15 + 0.5*0.15 + 0.1*0.10
	assert.InDelta(t, want, p, 1e-9)
	assert.InDelta(t, want, m.Pressure(), 1e-9)
}

func TestMonitorCountersResetEachInterval(t *testing.T) {
	s := &fakeSampler{}
	m := NewMonitor(WithSampler(s), WithRequestRateCeiling(10))

	for i := 0; i < 20; i++ {
		m.ReportRequest()
		m.ReportError()
	}
	first := m.Recalculate()
	assert.InDelta(t, WeightRequestRate+WeightErrorRate, first, 1e-9)

	assert.Zero(t, m.Recalculate())
	assert.Zero(t, m.Factors().ErrorRate, "no requests means no error rate")
}

func TestMonitorClampsMemoryAndLagHistory(t *testing.T) {
	s := &fakeSampler{heap: 4 << 30}
	m := NewMonitor(WithSampler(s), WithMemoryCeiling(1<<30))

	for i := 0; i < 25; i++ {
		m.ObserveLag(time.Second)
	}
	for i := 0; i < DefaultLagHistory; i++ {
		m.ObserveLag(-time.Second) // a tick can't fire early, treated as 0
	}
	m.Recalculate()

	f := m.Factors()
	assert.Equal(t, 1.0, f.Memory)
	assert.Zero(t, f.Lag, "old samples rolled out of the history")
}

func TestMonitorRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := &fakeSampler{cpu: 1}
	m := NewMonitor(WithSampler(s), WithMonitorClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(DefaultInterval)
	assert.Eventually(t, func() bool { return m.Pressure() > 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, m.Pressure(), WeightCPU)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestProcessSampler(t *testing.T) {
	s := NewProcessSampler(nil)
	cpu := s.CPU()
	assert.GreaterOrEqual(t, cpu, 0.0)
	assert.LessOrEqual(t, cpu, 1.0)
	assert.Positive(t, s.HeapUsed())
}
