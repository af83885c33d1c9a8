package monitor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	name    string
	sample  Sample
	err     error
	ignore  bool // ignore cancellation
	release chan struct{}

	started atomic.Int32
	mu      sync.Mutex
	cur     Sample
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Run(ctx context.Context) error {
	p.started.Add(1)
	p.mu.Lock()
	p.cur = p.sample
	p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.ignore {
		<-p.release
		return nil
	}
	<-ctx.Done()
	return nil
}

func (p *fakeProbe) Snapshot() Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

func factoryOf(p Probe) ProbeFactory {
	return func(time.Duration) Probe { return p }
}

// waitStarted blocks until the probe goroutine entered Run.
func waitStarted(t *testing.T, p *fakeProbe) {
	t.Helper()
	require.Eventually(t, func() bool { return p.started.Load() > 0 }, time.Second, time.Millisecond)
}

func TestBeginEndCombinesProbes(t *testing.T) {
	cpu := &fakeProbe{name: "cpu", sample: Sample{CPUPercent: 150}}
	io := &fakeProbe{name: "io", sample: Sample{ReadBytes: 4 << 20, WriteBytes: 1 << 20}}
	m := NewManager(WithProbe(factoryOf(cpu)), WithProbe(factoryOf(io)))

	h := m.Begin(context.Background(), time.Second)
	waitStarted(t, cpu)
	waitStarted(t, io)
	time.Sleep(10 * time.Millisecond)
	r := h.End()

	assert.Equal(t, 150.0, r.CPUPercent)
	assert.InDelta(t, 4.0, r.ReadMB, 1e-9)
	assert.InDelta(t, 1.0, r.WriteMB, 1e-9)
	assert.Positive(t, r.BandwidthMB)
	assert.InDelta(t, 5.0/r.Elapsed.Seconds(), r.BandwidthMB, 1e-6)
}

func TestEndIdempotent(t *testing.T) {
	cpu := &fakeProbe{name: "cpu", sample: Sample{CPUPercent: 42}}
	h := NewManager(WithProbe(factoryOf(cpu))).Begin(context.Background(), time.Second)
	waitStarted(t, cpu)

	first := h.End()
	second := h.End()
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), cpu.started.Load())
}

func TestProbeFailureDegradesToZero(t *testing.T) {
	bad := &fakeProbe{name: "bad", err: errors.New("no docker")}
	h := NewManager(WithProbe(factoryOf(bad))).Begin(context.Background(), time.Second)

	r := h.End()
	assert.Zero(t, r.CPUPercent)
	assert.Zero(t, r.ReadMB)
}

type panicProbe struct{}

func (panicProbe) Name() string                  { return "panic" }
func (panicProbe) Run(ctx context.Context) error { panic("boom") }
func (panicProbe) Snapshot() Sample              { return Sample{} }

func TestProbePanicIsContained(t *testing.T) {
	h := NewManager(WithProbe(factoryOf(panicProbe{}))).Begin(context.Background(), time.Second)
	assert.NotPanics(t, func() { h.End() })
}

func TestStuckProbeHonoursJoinTimeout(t *testing.T) {
	stuck := &fakeProbe{
		name:    "stuck",
		sample:  Sample{CPUPercent: 7},
		ignore:  true,
		release: make(chan struct{}),
	}
	defer close(stuck.release)

	h := NewManager(WithProbe(factoryOf(stuck)), WithJoinTimeout(50*time.Millisecond)).
		Begin(context.Background(), time.Second)
	waitStarted(t, stuck)

	start := time.Now()
	r := h.End()
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 7.0, r.CPUPercent, "partial reading of stuck probe")
}

func TestDisabledManager(t *testing.T) {
	probe := &fakeProbe{name: "cpu", sample: Sample{CPUPercent: 10}}
	h := NewManager(WithProbe(factoryOf(probe)), Disabled()).Begin(context.Background(), time.Second)
	assert.Equal(t, Reading{}, zeroElapsed(h.End()))
	assert.Zero(t, probe.started.Load())

	var nilManager *Manager
	assert.Equal(t, Reading{}, zeroElapsed(nilManager.Begin(context.Background(), 0).End()))

	var nilHandle *Handle
	assert.Equal(t, Reading{}, nilHandle.End())
}

func zeroElapsed(r Reading) Reading {
	r.Elapsed = 0
	return r
}

func TestNoGoroutineLeak(t *testing.T) {
	before := runtime.NumGoroutine()
	m := NewManager(
		WithProbe(factoryOf(&fakeProbe{name: "a"})),
		WithProbe(factoryOf(&fakeProbe{name: "b"})),
	)
	for range 20 {
		m.Begin(context.Background(), time.Second).End()
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, time.Second, 10*time.Millisecond)
}

func TestBeginIgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := &fakeProbe{name: "cpu", sample: Sample{CPUPercent: 3}}
	h := NewManager(WithProbe(factoryOf(probe))).Begin(ctx, time.Second)
	waitStarted(t, probe)
	cancel()
	assert.Equal(t, 3.0, h.End().CPUPercent)
}
