package bench

import (
	"annbench/internal/grid"
	"annbench/internal/metrics"
	"annbench/internal/tuner"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the metric groups of all runs of a process. Collectors can
// only be registered once per registry.
type Metrics struct {
	grid  *metrics.LazyMetrics[*grid.Metrics]
	tuner *metrics.LazyMetrics[*tuner.Metrics]
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		grid:  metrics.NewLazyMetrics(&grid.Metrics{}, reg),
		tuner: metrics.NewLazyMetrics(&tuner.Metrics{}, reg),
	}
}

func (m *Metrics) Grid() *grid.Metrics {
	if m == nil {
		return nil
	}
	return m.grid.Register()
}

func (m *Metrics) Tuner() *tuner.Metrics {
	if m == nil {
		return nil
	}
	return m.tuner.Register()
}
