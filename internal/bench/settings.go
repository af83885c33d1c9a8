package bench

import (
	"time"

	"annbench/api/benchapi"
	"annbench/internal/grid"
	"annbench/internal/monitor"
	"annbench/internal/sampler"
)

const (
	DefaultRepeats       = 1
	DefaultTrialDuration = 10 * time.Second
	DefaultTopK          = 10
	DefaultBudget        = 300 * time.Second
	DefaultGTQueries     = 128
	DefaultRecallQueries = 64
	DefaultQuality       = 64
	DefaultTargetRecall  = 0.9
	DefaultTuningFloor   = 16
	DefaultTuningCeiling = 512
)

var DefaultSensitivityValues = []int{64, 128, 192, 256}

func optDuration(d *benchapi.Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return d.Duration
}

// BudgetOf is the wall clock budget of cfg.
func BudgetOf(cfg *benchapi.BenchmarkConfig) time.Duration {
	return optDuration(cfg.WallClockBudget, DefaultBudget)
}

func gridConfig(cfg *benchapi.BenchmarkConfig, quality int) grid.Config {
	return grid.Config{
		Levels:        cfg.ConcurrencyGrid,
		Repeats:       benchapi.GetOptValue(cfg.Repeats, DefaultRepeats),
		Duration:      optDuration(cfg.TrialDuration, DefaultTrialDuration),
		TopK:          benchapi.GetOptValue(cfg.TopK, DefaultTopK),
		Overhead:      optDuration(cfg.TrialOverhead, grid.DefaultOverhead),
		WarmupQueries: benchapi.GetOptValue(cfg.WarmupQueries, grid.DefaultWarmupQueries),
		WarmupPause:   optDuration(cfg.WarmupPause, grid.DefaultWarmupPause),
		BatchSize:     benchapi.GetOptValue(cfg.BatchSize, 1),
		CallTimeout:   optDuration(cfg.CallTimeout, 0),
		Quality:       quality,
	}
}

// NewMonitor builds the probe manager described by cfg.
func NewMonitor(cfg benchapi.MonitorConfig) *monitor.Manager {
	if benchapi.GetOptValue(cfg.Disabled, false) {
		return monitor.NewManager(monitor.Disabled())
	}
	period := optDuration(cfg.SamplePeriod, sampler.DefaultSamplePeriod)
	return monitor.NewManager(
		monitor.WithProbe(sampler.NewCPUFactory(cfg.Container, period)),
		monitor.WithProbe(sampler.NewIOFactory(sampler.DefaultIOStages...)),
		monitor.WithJoinTimeout(optDuration(cfg.JoinTimeout, monitor.DefaultJoinTimeout)),
	)
}

func sensitivityValues(cfg *benchapi.BenchmarkConfig) []int {
	if len(cfg.Sensitivity.Values) > 0 {
		return cfg.Sensitivity.Values
	}
	return DefaultSensitivityValues
}
