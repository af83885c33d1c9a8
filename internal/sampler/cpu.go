package sampler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"annbench/internal/monitor"
	"annbench/pkg/timeutil"

	log "github.com/sirupsen/logrus"
)

const DefaultSamplePeriod = 200 * time.Millisecond

// NewCPUFactory returns container CPU probes when a container is given and
// host CPU probes otherwise.
func NewCPUFactory(container string, period time.Duration) monitor.ProbeFactory {
	return func(time.Duration) monitor.Probe {
		host := &HostCPU{Period: period}
		if container == "" {
			return host
		}
		return &DockerCPU{Container: container, Period: period, Fallback: host}
	}
}

// DockerCPU samples `docker stats` of one container and reports the mean of
// the positive samples.
type DockerCPU struct {
	Container string
	Period    time.Duration
	Fallback  monitor.Probe

	mu       sync.Mutex
	sum      float64
	count    int
	fallback bool
}

func (p *DockerCPU) Name() string { return "docker-cpu" }

func (p *DockerCPU) Run(ctx context.Context) error {
	if !available("docker") {
		return p.runFallback(ctx, errors.New("docker not found"))
	}

	if err := p.sample(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.runFallback(ctx, err)
	}

	for range timeutil.IterTick(ctx, periodOrDefault(p.Period)) {
		if err := p.sample(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("container", p.Container).Debug("docker stats sample failed")
		}
	}
	return nil
}

func (p *DockerCPU) runFallback(ctx context.Context, cause error) error {
	if p.Fallback == nil {
		return cause
	}
	log.WithError(cause).WithField("container", p.Container).Warn("container CPU unavailable, sampling host CPU")

	p.mu.Lock()
	p.fallback = true
	p.mu.Unlock()
	return p.Fallback.Run(ctx)
}

func (p *DockerCPU) sample(ctx context.Context) error {
	out, err := runOutput(ctx, "docker", "stats", "--no-stream", "--format", "{{json .}}", p.Container)
	if err != nil {
		return err
	}
	pct, err := ParseDockerStats(out)
	if err != nil {
		return err
	}
	if pct > 0 {
		p.mu.Lock()
		p.sum += pct
		p.count++
		p.mu.Unlock()
	}
	return nil
}

func (p *DockerCPU) Snapshot() monitor.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fallback {
		return p.Fallback.Snapshot()
	}
	if p.count == 0 {
		return monitor.Sample{}
	}
	return monitor.Sample{CPUPercent: p.sum / float64(p.count)}
}

type dockerStatsLine struct {
	Name    string `json:"Name"`
	CPUPerc string `json:"CPUPerc"`
}

// ParseDockerStats extracts the CPU percentage from `docker stats --format
// {{json .}}` output. Multiple lines are summed.
func ParseDockerStats(out []byte) (float64, error) {
	var total float64
	found := false

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var stats dockerStatsLine
		if err := json.Unmarshal([]byte(line), &stats); err != nil {
			return 0, fmt.Errorf("parse docker stats: %w", err)
		}
		raw := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stats.CPUPerc), "%"))
		if raw == "" || raw == "--" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("parse CPUPerc %q: %w", stats.CPUPerc, err)
		}
		total += v
		found = true
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.New("no CPU reading in docker stats output")
	}
	return total, nil
}

// HostCPU differences the aggregate /proc/stat counters. 100% is one fully
// busy core.
type HostCPU struct {
	Period time.Duration
	Path   string

	mu      sync.Mutex
	percent float64
}

func (p *HostCPU) Name() string { return "host-cpu" }

func (p *HostCPU) Run(ctx context.Context) error {
	start, err := p.read()
	if err != nil {
		return err
	}

	for range timeutil.IterTick(ctx, periodOrDefault(p.Period)) {
		cur, err := p.read()
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.percent = cur.percentSince(start)
		p.mu.Unlock()
	}

	if cur, err := p.read(); err == nil {
		p.mu.Lock()
		p.percent = cur.percentSince(start)
		p.mu.Unlock()
	}
	return nil
}

func (p *HostCPU) Snapshot() monitor.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return monitor.Sample{CPUPercent: p.percent}
}

func (p *HostCPU) read() (CPUTimes, error) {
	path := p.Path
	if path == "" {
		path = "/proc/stat"
	}
	f, err := os.Open(path)
	if err != nil {
		return CPUTimes{}, err
	}
	defer f.Close()
	return ParseProcStat(f)
}

// CPUTimes is the aggregate CPU line of /proc/stat in clock ticks.
type CPUTimes struct {
	Busy  uint64
	Total uint64
	Cores int
}

func (t CPUTimes) percentSince(start CPUTimes) float64 {
	if t.Total <= start.Total || t.Busy < start.Busy {
		return 0
	}
	busy := float64(t.Busy - start.Busy)
	total := float64(t.Total - start.Total)
	return busy / total * 100 * float64(max(t.Cores, 1))
}

func ParseProcStat(r io.Reader) (CPUTimes, error) {
	var times CPUTimes
	found := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		if fields[0] != "cpu" {
			times.Cores++
			continue
		}
		if len(fields) < 5 {
			return times, fmt.Errorf("short cpu line: %q", scanner.Text())
		}

		// user nice system idle iowait irq softirq steal; guest is already
		// accounted in user.
		for i, field := range fields[1:min(len(fields), 9)] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return times, fmt.Errorf("parse cpu field %d: %w", i, err)
			}
			times.Total += v
			if i != 3 && i != 4 {
				times.Busy += v
			}
		}
		found = true
	}
	if err := scanner.Err(); err != nil {
		return times, err
	}
	if !found {
		return times, errors.New("no aggregate cpu line")
	}
	return times, nil
}

func periodOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultSamplePeriod
	}
	return d
}
