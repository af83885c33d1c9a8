// Package monitor starts and stops resource probes around a benchmark trial.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultJoinTimeout = 2 * time.Second

// Sample is the reading of a probe. Probes that do not measure a quantity
// leave it zero.
type Sample struct {
	CPUPercent float64
	ReadBytes  uint64
	WriteBytes uint64
}

// Probe collects a Sample until its context is cancelled. Snapshot must be
// safe to call concurrently with Run and returns the best reading so far.
type Probe interface {
	Name() string
	Run(ctx context.Context) error
	Snapshot() Sample
}

// ProbeFactory creates a fresh probe per trial. The duration is a hint of the
// expected trial length.
type ProbeFactory func(trialDuration time.Duration) Probe

// Reading is the combined result of all probes of a trial.
type Reading struct {
	CPUPercent  float64
	ReadMB      float64
	WriteMB     float64
	BandwidthMB float64
	Elapsed     time.Duration
}

type Manager struct {
	factories   []ProbeFactory
	joinTimeout time.Duration
	disabled    bool
}

type Option func(*Manager)

func WithProbe(f ProbeFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factories = append(m.factories, f)
		}
	}
}

func WithJoinTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.joinTimeout = d
		}
	}
}

func Disabled() Option {
	return func(m *Manager) {
		m.disabled = true
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{joinTimeout: DefaultJoinTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type probeRun struct {
	probe Probe
	done  chan struct{}
}

// Handle tracks the probes of one trial.
type Handle struct {
	cancel      context.CancelFunc
	start       time.Time
	joinTimeout time.Duration
	runs        []probeRun

	once    sync.Once
	reading Reading
}

// Begin starts all probes in the background and returns immediately. Probe
// failures are logged and degrade to zero readings.
func (m *Manager) Begin(ctx context.Context, trialDuration time.Duration) *Handle {
	h := &Handle{
		start:       time.Now(),
		joinTimeout: DefaultJoinTimeout,
		cancel:      func() {},
	}
	if m == nil || m.disabled || len(m.factories) == 0 {
		return h
	}
	h.joinTimeout = m.joinTimeout

	ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, factory := range m.factories {
		probe := factory(trialDuration)
		if probe == nil {
			continue
		}
		run := probeRun{probe: probe, done: make(chan struct{})}
		h.runs = append(h.runs, run)

		go func() {
			defer close(run.done)
			if err := runProbe(ctx, probe); err != nil {
				log.WithError(err).WithField("probe", probe.Name()).Warn("probe failed, reporting partial readings")
			}
		}()
	}
	return h
}

func runProbe(ctx context.Context, p Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("probe", p.Name()).Errorf("probe panicked: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return p.Run(ctx)
}

// End stops the probes, joins each with the bounded join timeout and
// returns the combined reading. Probes that miss the timeout contribute
// their last snapshot and are left to exit on their own. End is idempotent.
func (h *Handle) End() Reading {
	if h == nil {
		return Reading{}
	}

	h.once.Do(func() {
		stopped := time.Now()
		h.cancel()

		deadline := time.NewTimer(h.joinTimeout)
		defer deadline.Stop()

		var sample Sample
		expired := false
		for _, run := range h.runs {
			if !expired {
				select {
				case <-run.done:
				case <-deadline.C:
					expired = true
				}
			}
			if expired {
				select {
				case <-run.done:
				default:
					log.WithField("probe", run.probe.Name()).Warn("probe did not stop in time")
				}
			}
			s := run.probe.Snapshot()
			sample.CPUPercent += s.CPUPercent
			sample.ReadBytes += s.ReadBytes
			sample.WriteBytes += s.WriteBytes
		}

		h.reading = readingOf(sample, stopped.Sub(h.start))
	})
	return h.reading
}

const mib = 1 << 20

func readingOf(s Sample, elapsed time.Duration) Reading {
	r := Reading{
		CPUPercent: s.CPUPercent,
		ReadMB:     float64(s.ReadBytes) / mib,
		WriteMB:    float64(s.WriteBytes) / mib,
		Elapsed:    elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		r.BandwidthMB = (r.ReadMB + r.WriteMB) / secs
	}
	return r
}
