package grid

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/budget"
	"annbench/internal/monitor"
	"annbench/pkg/timeutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueries(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(i)}
	}
	return out
}

func sleepSearch(d time.Duration) SearchFunc {
	return func(ctx context.Context, _ [][]float32) error {
		time.Sleep(d)
		return nil
	}
}

func baseConfig() Config {
	return Config{
		Levels:   []int{1},
		Repeats:  1,
		Duration: 100 * time.Millisecond,
		TopK:     10,
	}
}

func TestGridScenario(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 2, 4}
	cfg.Repeats = 2
	cfg.Duration = 300 * time.Millisecond

	r := &Runner{Config: cfg, Queries: testQueries(100)}
	res, err := r.Run(context.Background(), sleepSearch(10*time.Millisecond))
	require.NoError(t, err)

	aggs := res.Aggregates()
	require.Len(t, aggs, 3)
	assert.Equal(t, 6, res.Executed)
	assert.False(t, res.BudgetExhausted)

	for i, conc := range []int{1, 2, 4} {
		assert.Equal(t, conc, aggs[i].Concurrency)
		assert.Equal(t, 2, aggs[i].Repeats)
		require.NotNil(t, aggs[i].LatencyStats)
		assert.GreaterOrEqual(t, aggs[i].Min, 10.0)
	}

	// ~100 QPS per worker
	assert.InDelta(t, 100, aggs[0].QPS, 30)
	ratio := aggs[2].QPS / aggs[0].QPS
	assert.InDelta(t, 4.0, ratio, 0.8, "QPS@4 / QPS@1 = %v", ratio)
}

func TestLatencyCountMatchesCompleted(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{3}
	cfg.Duration = 150 * time.Millisecond

	var calls atomic.Int64
	search := func(ctx context.Context, _ [][]float32) error {
		n := calls.Add(1)
		time.Sleep(2 * time.Millisecond)
		if n%3 == 0 {
			return errors.New("flaky")
		}
		return nil
	}

	r := &Runner{Config: cfg, Queries: testQueries(10)}
	res, err := r.Run(context.Background(), search)
	require.NoError(t, err)

	trial := res.Levels[0].Trials[0]
	assert.Equal(t, trial.Completed, len(trial.Latencies))
	assert.Positive(t, trial.Dropped)
	assert.Equal(t, int(calls.Load()), trial.Completed+trial.Dropped)
	for _, lat := range trial.Latencies {
		assert.GreaterOrEqual(t, lat, 2*time.Millisecond)
	}
}

func TestInFlightCallsFinish(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{2}
	cfg.Duration = 30 * time.Millisecond

	r := &Runner{Config: cfg, Queries: testQueries(4)}
	res, err := r.Run(context.Background(), sleepSearch(100*time.Millisecond))
	require.NoError(t, err)

	trial := res.Levels[0].Trials[0]
	assert.Equal(t, 2, trial.Completed, "one call per worker started before the deadline")
	assert.GreaterOrEqual(t, trial.Elapsed, 100*time.Millisecond)
	for _, lat := range trial.Latencies {
		assert.GreaterOrEqual(t, lat, 100*time.Millisecond)
	}
}

func TestBudgetTruncatesGrid(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.Levels = []int{1, 2}
	cfg.Repeats = 2
	cfg.Duration = 50 * time.Millisecond
	cfg.Overhead = DefaultOverhead

	r := &Runner{
		Config:  cfg,
		Budget:  budget.New(10*time.Second, budget.WithClock(clock)),
		Queries: testQueries(10),
		// every trial costs 3s of budget
		BeforeTrial: func(context.Context) { clock.Advance(3 * time.Second) },
	}
	res, err := r.Run(context.Background(), sleepSearch(time.Millisecond))
	require.NoError(t, err)

	assert.True(t, res.BudgetExhausted)
	assert.Equal(t, 3, res.Executed)
	aggs := res.Aggregates()
	require.Len(t, aggs, 2)
	assert.Equal(t, 2, aggs[0].Repeats)
	assert.Equal(t, 1, aggs[1].Repeats)
}

func TestBudgetExhaustedBeforeStart(t *testing.T) {
	calls := 0
	r := &Runner{
		Config:  baseConfig(),
		Budget:  budget.New(time.Millisecond),
		Queries: testQueries(1),
	}
	r.Config.Overhead = time.Second
	res, err := r.Run(context.Background(), func(context.Context, [][]float32) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.BudgetExhausted)
	assert.Empty(t, res.Levels)
	assert.Zero(t, calls)
}

func TestConfigErrors(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty grid": func(c *Config) { c.Levels = nil },
		"zero level": func(c *Config) { c.Levels = []int{1, 0} },
		"repeats":    func(c *Config) { c.Repeats = 0 },
		"duration":   func(c *Config) { c.Duration = 0 },
		"top k":      func(c *Config) { c.TopK = 0 },
		"neg batch":  func(c *Config) { c.BatchSize = -1 },
	} {
		cfg := baseConfig()
		mutate(&cfg)
		r := &Runner{Config: cfg, Queries: testQueries(1)}
		_, err := r.Run(context.Background(), func(context.Context, [][]float32) error {
			t.Fatalf("%v: search must not be called", name)
			return nil
		})
		require.Error(t, err, name)
		assert.True(t, benchapi.IsConfigError(err), name)
	}

	_, err := (&Runner{Config: baseConfig()}).Run(context.Background(), sleepSearch(0))
	assert.True(t, benchapi.IsConfigError(err))
}

func TestPanicsAreDropped(t *testing.T) {
	cfg := baseConfig()
	cfg.Duration = 20 * time.Millisecond

	r := &Runner{Config: cfg, Queries: testQueries(1)}
	res, err := r.Run(context.Background(), func(context.Context, [][]float32) error {
		time.Sleep(time.Millisecond)
		panic("backend exploded")
	})
	require.NoError(t, err)

	agg := res.Aggregates()[0]
	assert.Zero(t, agg.Completed)
	assert.Positive(t, agg.Dropped)
	assert.Nil(t, agg.LatencyStats)
	assert.Zero(t, agg.QPS)
}

func TestCallTimeoutDrops(t *testing.T) {
	cfg := baseConfig()
	cfg.Duration = 50 * time.Millisecond
	cfg.CallTimeout = 5 * time.Millisecond

	r := &Runner{Config: cfg, Queries: testQueries(1)}
	res, err := r.Run(context.Background(), sleepSearch(15*time.Millisecond))
	require.NoError(t, err)

	trial := res.Levels[0].Trials[0]
	assert.Zero(t, trial.Completed)
	assert.Positive(t, trial.Dropped)
}

func TestWarmupAndBatching(t *testing.T) {
	cfg := baseConfig()
	cfg.Duration = 30 * time.Millisecond
	cfg.WarmupQueries = DefaultWarmupQueries
	cfg.BatchSize = 4

	var sizes []int
	r := &Runner{Config: cfg, Queries: testQueries(10)}
	res, err := r.Run(context.Background(), func(_ context.Context, q [][]float32) error {
		sizes = append(sizes, len(q))
		time.Sleep(time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, sizes)
	assert.Equal(t, 10, sizes[0], "warm-up uses min(64, n) queries")
	for _, s := range sizes[1:] {
		assert.Equal(t, 4, s)
	}
	trial := res.Levels[0].Trials[0]
	assert.InDelta(t, float64(trial.Completed*4)/trial.Elapsed.Seconds(), trial.QPS(), 1e-9)
}

func TestContextCancelKeepsCollectedLevels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := baseConfig()
	cfg.Levels = []int{1, 2, 4}
	cfg.Duration = 20 * time.Millisecond

	r := &Runner{
		Config:  cfg,
		Queries: testQueries(5),
		Progress: func(p Progress) {
			if p.Level == 1 {
				cancel()
			}
		},
	}
	res, err := r.Run(ctx, sleepSearch(time.Millisecond))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Levels, 1)
	assert.Equal(t, 1, res.Levels[0].Concurrency)
}

func TestRecallHookAndQuality(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{1, 2}
	cfg.Duration = 20 * time.Millisecond
	cfg.Quality = 128

	calls := 0
	r := &Runner{
		Config:  cfg,
		Queries: testQueries(5),
		Recall: func(context.Context) (float64, error) {
			calls++
			if calls == 2 {
				return 0, errors.New("backend gone")
			}
			return 0.93, nil
		},
	}
	res, err := r.Run(context.Background(), sleepSearch(time.Millisecond))
	require.NoError(t, err)

	aggs := res.Aggregates()
	require.Len(t, aggs, 2)
	require.NotNil(t, aggs[0].Recall)
	assert.Equal(t, 0.93, *aggs[0].Recall)
	assert.Nil(t, aggs[1].Recall)
	assert.Equal(t, 128, *aggs[1].Quality)
	assert.Equal(t, 2, calls)
}

type constProbe struct{ sample monitor.Sample }

func (p constProbe) Name() string { return "const" }
func (p constProbe) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (p constProbe) Snapshot() monitor.Sample { return p.sample }

func TestMonitorReadingsAndMetrics(t *testing.T) {
	cfg := baseConfig()
	cfg.Levels = []int{2}
	cfg.Repeats = 2
	cfg.Duration = 20 * time.Millisecond

	reg := prometheus.NewRegistry()
	m := &Metrics{}
	m.RegisterMetrics(reg)

	mon := monitor.NewManager(monitor.WithProbe(func(time.Duration) monitor.Probe {
		return constProbe{monitor.Sample{CPUPercent: 50, ReadBytes: 1 << 20}}
	}))
	r := &Runner{Config: cfg, Queries: testQueries(5), Monitor: mon, Metrics: m}
	res, err := r.Run(context.Background(), sleepSearch(time.Millisecond))
	require.NoError(t, err)

	agg := res.Aggregates()[0]
	assert.Equal(t, 50.0, agg.CPU)
	assert.Equal(t, 1.0, agg.ReadMB)
	assert.Positive(t, agg.Bandwidth)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Trials))
	assert.Equal(t, float64(agg.Completed), testutil.ToFloat64(m.Completed.WithLabelValues("2")))
	assert.InDelta(t, agg.QPS, testutil.ToFloat64(m.QPS.WithLabelValues("2")), 1e-9)
}

func TestLevelAggregate(t *testing.T) {
	level := &Level{
		Concurrency: 2,
		Trials: []*Trial{
			{
				Concurrency: 2, Repeat: 1, Elapsed: time.Second, BatchSize: 1,
				Latencies: []time.Duration{1 * time.Millisecond, 2 * time.Millisecond},
				Completed: 2,
				Reading:   monitor.Reading{CPUPercent: 10, BandwidthMB: 1},
			},
			{
				Concurrency: 2, Repeat: 2, Elapsed: 2 * time.Second, BatchSize: 1,
				Latencies: []time.Duration{3 * time.Millisecond, 4 * time.Millisecond},
				Completed: 2,
				Dropped:   1,
				Reading:   monitor.Reading{CPUPercent: 30, BandwidthMB: 3},
			},
		},
	}

	agg := level.Aggregate()
	assert.Equal(t, 2, agg.Repeats)
	assert.Equal(t, 4, agg.Completed)
	assert.Equal(t, 1, agg.Dropped)
	assert.InDelta(t, 1.5, agg.QPS, 1e-9) // mean of 2 and 1
	assert.InDelta(t, 20, agg.CPU, 1e-9)
	assert.InDelta(t, 2, agg.Bandwidth, 1e-9)
	assert.InDelta(t, 1.5, agg.Elapsed, 1e-9)
	require.NotNil(t, agg.LatencyStats)
	assert.InDelta(t, 1, agg.Min, 1e-9)
	assert.InDelta(t, 2.5, agg.Mean, 1e-9)
	assert.InDelta(t, 2.5, agg.P50, 1e-9)
	assert.InDelta(t, 4, agg.Max, 1e-9)
	assert.LessOrEqual(t, agg.P95, agg.P99)
	assert.InDelta(t, 0.7071068, agg.QPSStddev, 1e-6)

	require.Len(t, agg.Trials, 2)
	first, second := agg.Trials[0].Latency, agg.Trials[1].Latency
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.InDelta(t, 1, first.Min, 1e-9)
	assert.InDelta(t, 1.5, first.Mean, 1e-9)
	assert.InDelta(t, 2, first.Max, 1e-9)
	assert.InDelta(t, 3, second.Min, 1e-9)
	assert.InDelta(t, 3.5, second.P50, 1e-9)
	assert.InDelta(t, 4, second.Max, 1e-9)
}

func TestTrialStatsWithoutLatencies(t *testing.T) {
	trial := &Trial{Concurrency: 1, Repeat: 1, Elapsed: time.Second, Dropped: 3}
	s := trial.Stats()
	assert.Nil(t, s.Latency)
	assert.Equal(t, 3, s.Dropped)

	agg := (&Level{Concurrency: 1, Trials: []*Trial{trial}}).Aggregate()
	assert.Nil(t, agg.LatencyStats)
	assert.Equal(t, 0.0, agg.QPSStddev)
}
