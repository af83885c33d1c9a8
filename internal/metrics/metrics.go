// Package metrics provides lazily registered Prometheus metric groups.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type MetricsGroup interface {
	RegisterMetrics(reg prometheus.Registerer)
}

// LazyMetrics builds and registers its group on first use. With a nil
// registrar the collectors are built but not registered.
type LazyMetrics[T MetricsGroup] struct {
	init             sync.Once
	singleton        T
	metricsRegistrar prometheus.Registerer
}

func NewLazyMetrics[T MetricsGroup](
	group T,
	metricsRegistrar prometheus.Registerer,
) *LazyMetrics[T] {
	return &LazyMetrics[T]{
		singleton:        group,
		metricsRegistrar: metricsRegistrar,
	}
}

func (m *LazyMetrics[T]) WithRegistrar(r prometheus.Registerer) *LazyMetrics[T] {
	m.metricsRegistrar = r
	return m
}

func (m *LazyMetrics[T]) Register() T {
	m.init.Do(func() {
		m.singleton.RegisterMetrics(Registerer(m.metricsRegistrar))
	})
	return m.singleton
}

// registerer ignores registrations when no registrar is configured.
type registerer struct {
	prometheus.Registerer
}

func Registerer(r prometheus.Registerer) prometheus.Registerer {
	return registerer{r}
}

func (r registerer) MustRegister(cs ...prometheus.Collector) {
	if r.Registerer != nil {
		r.Registerer.MustRegister(cs...)
	}
}
