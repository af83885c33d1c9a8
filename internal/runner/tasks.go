package runner

import (
	"context"
	"os"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/bench"
	"annbench/internal/sampler"
)

// Factory builds the tasks served by the runner.
type Factory struct {
	Metrics *bench.Metrics

	// BaselineDir is where fio creates its test file.
	BaselineDir     string
	BaselineRuntime time.Duration
}

func (f *Factory) Run(cfg benchapi.BenchmarkConfig) (Task, error) {
	if err := cfg.Validate(); err != nil {
		return Task{}, err
	}
	return Task{
		Name: benchapi.TaskRun,
		Task: func(ctx context.Context) (any, error) {
			return bench.Run(ctx, &cfg, bench.Options{Metrics: f.Metrics})
		},
	}, nil
}

func (f *Factory) Baseline() (Task, error) {
	dir := f.BaselineDir
	if dir == "" {
		dir = os.TempDir()
	}
	runtime := f.BaselineRuntime
	if runtime <= 0 {
		runtime = 10 * time.Second
	}
	return Task{
		Name: benchapi.TaskBaseline,
		Task: func(ctx context.Context) (any, error) {
			return sampler.RunFIOBaseline(ctx, dir, runtime)
		},
	}, nil
}
