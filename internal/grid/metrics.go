package grid

import (
	"strconv"
	"time"

	"annbench/api/benchapi"
	"annbench/pkg/stats"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Latency   *prometheus.HistogramVec
	Completed *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Trials    prometheus.Counter
	QPS       *prometheus.GaugeVec
	CPU       *prometheus.GaugeVec
	Bandwidth *prometheus.GaugeVec
}

func (m *Metrics) RegisterMetrics(r prometheus.Registerer) {
	name := func(n string) string { return "annbench_" + n }
	labels := []string{"concurrency"}

	m.Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name("search_latency_seconds"),
		Help:    "Latency of search calls during trials",
		Buckets: stats.ExpBuckets(0.0001, 1.5, 30),
	}, labels)
	r.MustRegister(m.Latency)

	m.Completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name("search_calls_completed_total"),
		Help: "Number of completed search calls",
	}, labels)
	r.MustRegister(m.Completed)

	m.Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name("search_calls_dropped_total"),
		Help: "Number of failed search calls",
	}, labels)
	r.MustRegister(m.Dropped)

	m.Trials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: name("trials_total"),
		Help: "Number of executed trials",
	})
	r.MustRegister(m.Trials)

	m.QPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name("level_qps"),
		Help: "Mean throughput of a concurrency level",
	}, labels)
	r.MustRegister(m.QPS)

	m.CPU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name("level_cpu_percent"),
		Help: "Mean CPU usage of a concurrency level",
	}, labels)
	r.MustRegister(m.CPU)

	m.Bandwidth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name("level_io_bandwidth_mb_s"),
		Help: "Mean I/O bandwidth of a concurrency level",
	}, labels)
	r.MustRegister(m.Bandwidth)
}

func (m *Metrics) observeTrial(t *Trial) {
	if m == nil {
		return
	}
	conc := strconv.Itoa(t.Concurrency)
	hist := m.Latency.WithLabelValues(conc)
	for _, lat := range t.Latencies {
		hist.Observe(lat.Seconds())
	}
	m.Completed.WithLabelValues(conc).Add(float64(t.Completed))
	m.Dropped.WithLabelValues(conc).Add(float64(t.Dropped))
	m.Trials.Inc()
}

func (m *Metrics) observeLevel(agg *benchapi.TrialAggregate) {
	if m == nil {
		return
	}
	conc := strconv.Itoa(agg.Concurrency)
	m.QPS.WithLabelValues(conc).Set(agg.QPS)
	m.CPU.WithLabelValues(conc).Set(agg.CPU)
	m.Bandwidth.WithLabelValues(conc).Set(agg.Bandwidth)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
