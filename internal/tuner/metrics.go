package tuner

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Recall prometheus.Gauge
	Value  prometheus.Gauge
	Steps  *prometheus.CounterVec
}

func (m *Metrics) RegisterMetrics(r prometheus.Registerer) {
	name := func(n string) string { return "annbench_tuner_" + n }

	m.Recall = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name("recall"),
		Help: "Recall of the last tuning step",
	})
	r.MustRegister(m.Recall)

	m.Value = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name("value"),
		Help: "Search quality value of the last tuning step",
	})
	r.MustRegister(m.Value)

	m.Steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name("steps_total"),
		Help: "Number of tuning steps by outcome",
	}, []string{"outcome"})
	r.MustRegister(m.Steps)
}

func (m *Metrics) observe(step Step) {
	if m == nil {
		return
	}
	m.Recall.Set(step.Recall)
	m.Value.Set(float64(step.Value))

	outcome := "fail"
	switch {
	case step.Err != nil:
		outcome = "error"
	case step.Passed:
		outcome = "pass"
	}
	m.Steps.WithLabelValues(outcome).Inc()
}
