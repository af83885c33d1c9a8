package bench

import (
	"context"
	"testing"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/budget"
	"annbench/internal/dataset"
	"annbench/internal/grid"
	"annbench/pkg/timeutil"

	_ "annbench/internal/backend/flat"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset() *dataset.Dataset {
	vectors, queries := dataset.Generate(2000, 16, 100, 3)
	return &dataset.Dataset{Name: "test", Vectors: vectors, Queries: queries}
}

func testConfig() *benchapi.BenchmarkConfig {
	return &benchapi.BenchmarkConfig{
		ConcurrencyGrid: []int{1, 2},
		Repeats:         benchapi.Ptr(2),
		TrialDuration:   &benchapi.Duration{Duration: 50 * time.Millisecond},
		TrialOverhead:   &benchapi.Duration{Duration: 10 * time.Millisecond},
		WarmupQueries:   benchapi.Ptr(4),
		WarmupPause:     &benchapi.Duration{},
		TopK:            benchapi.Ptr(5),
		GTQueries:       benchapi.Ptr(40),
		RecallQueries:   benchapi.Ptr(20),
		TargetRecall:    benchapi.Ptr(0.9),
		Tuning: benchapi.TuningConfig{
			Floor:   benchapi.Ptr(4),
			Ceiling: benchapi.Ptr(256),
		},
		Monitor: benchapi.MonitorConfig{Disabled: benchapi.Ptr(true)},
		Backend: benchapi.BackendConfig{Kind: "flat", Metric: "l2", ScanFactor: benchapi.Ptr(8)},
	}
}

func TestRunTuned(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	var progress []grid.Progress

	res, err := Run(context.Background(), testConfig(), Options{
		Name:     "unit",
		Dataset:  testDataset(),
		Metrics:  m,
		Progress: func(p grid.Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "unit", res.Name)
	assert.Equal(t, "flat", res.Backend)
	assert.Equal(t, "l2", res.Metric)
	assert.Equal(t, 2, res.ConfiguredLevels)
	assert.False(t, res.BudgetExhausted)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	require.NotNil(t, res.Tuning)
	assert.True(t, res.Tuning.Converged)
	assert.GreaterOrEqual(t, res.Tuning.Recall, 0.9)
	assert.LessOrEqual(t, res.Tuning.Iterations, 7)

	require.Len(t, res.Results, 2)
	for i, level := range res.Results {
		assert.Equal(t, []int{1, 2}[i], level.Concurrency)
		assert.Equal(t, 2, level.Repeats)
		assert.Positive(t, level.QPS)
		require.NotNil(t, level.Quality)
		assert.Equal(t, res.Tuning.Value, *level.Quality)
		require.NotNil(t, level.Recall)
		assert.Equal(t, res.Tuning.Recall, *level.Recall)
	}
	assert.Len(t, progress, 4)
	require.NotNil(t, res.Summary)
	assert.NotEmpty(t, res.Summary.Bottleneck)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.Grid().Trials))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tuner().Recall))
}

func TestRunFixedQuality(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.Disabled = benchapi.Ptr(true)
	cfg.Quality = benchapi.Ptr(8)
	cfg.ConcurrencyGrid = []int{1}
	cfg.Repeats = benchapi.Ptr(1)

	res, err := Run(context.Background(), cfg, Options{Dataset: testDataset()})
	require.NoError(t, err)
	assert.Nil(t, res.Tuning)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 8, *res.Results[0].Quality)
	// 64 of 2000 vectors are scanned
	assert.Less(t, *res.Results[0].Recall, 0.5)
}

func TestRunSensitivity(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrencyGrid = []int{1}
	cfg.Repeats = benchapi.Ptr(1)
	cfg.Sensitivity = benchapi.SensitivityConfig{Enabled: benchapi.Ptr(true), Values: []int{8, 64, 500}}

	res, err := Run(context.Background(), cfg, Options{Dataset: testDataset()})
	require.NoError(t, err)
	assert.Nil(t, res.Tuning)
	assert.Equal(t, 3, res.ConfiguredLevels)
	require.Len(t, res.Results, 3)

	prev := -1.0
	for i, level := range res.Results {
		assert.Equal(t, []int{8, 64, 500}[i], *level.Quality)
		assert.GreaterOrEqual(t, *level.Recall, prev)
		prev = *level.Recall
	}
	assert.Equal(t, 1.0, prev)
}

func TestRunBudgetExhausted(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	sched := budget.New(time.Second, budget.WithClock(clock))

	cfg := testConfig()
	cfg.TrialOverhead = &benchapi.Duration{Duration: 2 * time.Second}

	res, err := Run(context.Background(), cfg, Options{Dataset: testDataset(), Budget: sched})
	require.NoError(t, err)
	assert.True(t, res.BudgetExhausted)
	assert.Empty(t, res.Results)
	assert.NotNil(t, res.Tuning)
}

func TestRunConfigErrors(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrencyGrid = nil
	_, err := Run(context.Background(), cfg, Options{Dataset: testDataset()})
	assert.True(t, benchapi.IsConfigError(err))

	cfg = testConfig()
	cfg.Backend.Kind = "unknown"
	_, err = Run(context.Background(), cfg, Options{Dataset: testDataset()})
	assert.True(t, benchapi.IsConfigError(err))

	cfg = testConfig()
	cfg.Backend.Metric = "manhattan"
	_, err = Run(context.Background(), cfg, Options{Dataset: testDataset()})
	assert.True(t, benchapi.IsConfigError(err))

	cfg = testConfig()
	_, err = Run(context.Background(), cfg, Options{Dataset: &dataset.Dataset{}})
	assert.True(t, benchapi.IsConfigError(err))
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.Tuning.Disabled = benchapi.Ptr(true)
	cfg.ConcurrencyGrid = []int{1, 1, 1, 1}
	cfg.TrialDuration = &benchapi.Duration{Duration: time.Second}

	res, err := Run(ctx, cfg, Options{
		Dataset:  testDataset(),
		Progress: func(grid.Progress) { cancel() },
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Len(t, res.Results, 1)
}

func TestGridConfigDefaults(t *testing.T) {
	cfg := gridConfig(&benchapi.BenchmarkConfig{ConcurrencyGrid: []int{1}}, 32)
	assert.Equal(t, grid.Config{
		Levels:        []int{1},
		Repeats:       1,
		Duration:      10 * time.Second,
		TopK:          10,
		Overhead:      grid.DefaultOverhead,
		WarmupQueries: grid.DefaultWarmupQueries,
		WarmupPause:   grid.DefaultWarmupPause,
		BatchSize:     1,
		Quality:       32,
	}, cfg)
	assert.Equal(t, DefaultSensitivityValues, sensitivityValues(&benchapi.BenchmarkConfig{}))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.Nil(t, m.Grid())
	assert.Nil(t, m.Tuner())

	m = NewMetrics(nil)
	assert.NotNil(t, m.Grid())
	assert.Same(t, m.Grid(), m.Grid())
}
