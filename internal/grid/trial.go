package grid

import (
	"time"

	"annbench/api/benchapi"
	"annbench/internal/monitor"
	"annbench/pkg/stats"
)

// Trial is one timed run at a fixed concurrency. It is sealed once the
// workers and monitors have joined.
type Trial struct {
	Concurrency int
	Repeat      int
	Duration    time.Duration
	Elapsed     time.Duration

	// Latencies holds one entry per completed call, in worker order.
	Latencies []time.Duration
	Completed int
	Dropped   int
	BatchSize int

	Reading monitor.Reading
}

// QPS is the number of answered queries per second of actual elapsed time.
func (t *Trial) QPS() float64 {
	secs := t.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(t.Completed*max(t.BatchSize, 1)) / secs
}

func (t *Trial) Stats() benchapi.TrialStats {
	return benchapi.TrialStats{
		Repeat:    t.Repeat,
		Elapsed:   t.Elapsed.Seconds(),
		Completed: t.Completed,
		Dropped:   t.Dropped,
		QPS:       t.QPS(),
		CPU:       t.Reading.CPUPercent,
		ReadMB:    t.Reading.ReadMB,
		WriteMB:   t.Reading.WriteMB,
		Bandwidth: t.Reading.BandwidthMB,
		Latency:   latencyStatsOf(t.Latencies),
	}
}

// Level holds the trials of one concurrency level.
type Level struct {
	Concurrency int
	Trials      []*Trial
	Recall      *float64
	Quality     *int
}

// Aggregate averages the level's trials. Latency percentiles are taken over
// the merged latency samples of all trials.
func (l *Level) Aggregate() benchapi.TrialAggregate {
	agg := benchapi.TrialAggregate{
		Concurrency: l.Concurrency,
		Repeats:     len(l.Trials),
		Recall:      l.Recall,
		Quality:     l.Quality,
		Trials:      make([]benchapi.TrialStats, 0, len(l.Trials)),
	}
	if len(l.Trials) == 0 {
		return agg
	}

	var latencies []time.Duration
	for _, t := range l.Trials {
		agg.Trials = append(agg.Trials, t.Stats())
		agg.Completed += t.Completed
		agg.Dropped += t.Dropped
		latencies = append(latencies, t.Latencies...)
	}

	mean := func(fn func(benchapi.TrialStats) float64) float64 {
		return stats.SliceAverageFunc(agg.Trials, fn)
	}
	qps := func(s benchapi.TrialStats) float64 { return s.QPS }
	agg.QPS = mean(qps)
	agg.QPSStddev = stats.SliceStddevFunc(agg.Trials, qps)
	agg.CPU = mean(func(s benchapi.TrialStats) float64 { return s.CPU })
	agg.Bandwidth = mean(func(s benchapi.TrialStats) float64 { return s.Bandwidth })
	agg.ReadMB = mean(func(s benchapi.TrialStats) float64 { return s.ReadMB })
	agg.WriteMB = mean(func(s benchapi.TrialStats) float64 { return s.WriteMB })
	agg.Elapsed = mean(func(s benchapi.TrialStats) float64 { return s.Elapsed })

	agg.LatencyStats = latencyStatsOf(latencies)
	return agg
}

func latencyStatsOf(latencies []time.Duration) *benchapi.LatencyStats {
	ms := make([]float64, len(latencies))
	for i, lat := range latencies {
		ms[i] = millis(lat)
	}
	dist, ok := stats.DistributionOf(ms)
	if !ok {
		return nil
	}
	return &benchapi.LatencyStats{
		Min:  dist.Min,
		Mean: dist.Mean,
		P50:  dist.P50,
		P95:  dist.P95,
		P99:  dist.P99,
		Max:  dist.Max,
	}
}
