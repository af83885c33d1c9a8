// Package bench runs a complete benchmark: dataset, backend, ground truth,
// tuning and the concurrency grid.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/backend"
	"annbench/internal/budget"
	"annbench/internal/dataset"
	"annbench/internal/grid"
	"annbench/internal/monitor"
	"annbench/internal/recall"
	"annbench/internal/report"
	"annbench/internal/sampler"
	"annbench/internal/tuner"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

type Options struct {
	// Name of the benchmark profile, recorded in the result.
	Name string

	// Budget shared by the whole invocation. Created from the config if nil.
	Budget *budget.Scheduler

	Metrics *Metrics

	// Monitor overrides the probes built from the config.
	Monitor *monitor.Manager

	// Dataset overrides the dataset described by the config.
	Dataset *dataset.Dataset

	Progress func(grid.Progress)
}

// Run executes cfg. A non-nil result is returned whenever a trial could have
// run, including on cancellation, so partial results can be stored.
func Run(ctx context.Context, cfg *benchapi.BenchmarkConfig, opts Options) (*benchapi.RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sched := opts.Budget
	if sched == nil {
		sched = budget.New(BudgetOf(cfg))
	}

	ds := opts.Dataset
	if ds == nil {
		var err error
		ds, err = dataset.MakeOrLoad(dataset.OptionsFromAPI(cfg.Dataset))
		if err != nil {
			return nil, fmt.Errorf("load dataset: %w", err)
		}
	}
	if len(ds.Vectors) == 0 || len(ds.Queries) == 0 {
		return nil, benchapi.ConfigErrorOf(errors.New("dataset must contain vectors and queries"))
	}

	bcfg, err := backend.ConfigFromAPI(cfg.Backend, ds.Dim())
	if err != nil {
		return nil, err
	}
	searcher, err := backend.Open(ctx, bcfg)
	if err != nil {
		return nil, fmt.Errorf("open %v backend: %w", bcfg.Kind, err)
	}
	defer func() {
		if err := searcher.Close(); err != nil {
			log.WithError(err).Warn("closing backend failed")
		}
	}()

	if loader, ok := searcher.(backend.Loader); ok && benchapi.GetOptValue(cfg.Backend.Load, true) {
		start := time.Now()
		if err := loader.Load(ctx, ds.Vectors); err != nil {
			return nil, fmt.Errorf("load %v backend: %w", bcfg.Kind, err)
		}
		log.WithFields(log.Fields{
			"backend": bcfg.Kind,
			"vectors": len(ds.Vectors),
			"took":    time.Since(start).Round(time.Millisecond),
		}).Info("corpus loaded")
	}

	r := &run{
		cfg:      cfg,
		opts:     opts,
		budget:   sched,
		ds:       ds,
		searcher: searcher,
		topK:     benchapi.GetOptValue(cfg.TopK, DefaultTopK),
		monitor:  opts.Monitor,
	}
	if r.monitor == nil {
		r.monitor = NewMonitor(cfg.Monitor)
	}

	res := &benchapi.RunResult{
		RunID:     xid.New().String(),
		Name:      opts.Name,
		Backend:   bcfg.Kind,
		Dataset:   ds.Name,
		Metric:    bcfg.Metric.String(),
		TopK:      r.topK,
		StartedAt: time.Now().UTC(),

		ConfiguredRepeats: benchapi.GetOptValue(cfg.Repeats, DefaultRepeats),
		Results:           []benchapi.TrialAggregate{},
	}
	err = r.execute(ctx, bcfg.Metric, res)
	res.FinishedAt = time.Now().UTC()
	res.Summary = report.Summarize(res.Results)
	return res, err
}

type run struct {
	cfg      *benchapi.BenchmarkConfig
	opts     Options
	budget   *budget.Scheduler
	ds       *dataset.Dataset
	searcher backend.Searcher
	topK     int
	monitor  *monitor.Manager

	// tuning and per level recall checks share this subset
	queries [][]float32
	gt      *recall.GroundTruth
}

func (r *run) execute(ctx context.Context, metric recall.Metric, res *benchapi.RunResult) error {
	gtN := min(benchapi.GetOptValue(r.cfg.GTQueries, DefaultGTQueries), len(r.ds.Queries))
	start := time.Now()
	gt, err := recall.ComputeGroundTruth(ctx, r.ds.Vectors, r.ds.Queries[:gtN], r.topK, metric)
	if err != nil {
		return fmt.Errorf("compute ground truth: %w", err)
	}
	log.WithFields(log.Fields{
		"queries": gtN,
		"k":       r.topK,
		"took":    time.Since(start).Round(time.Millisecond),
	}).Info("ground truth computed")

	rn := min(benchapi.GetOptValue(r.cfg.RecallQueries, DefaultRecallQueries), gtN)
	r.gt = gt.Subset(rn)
	r.queries = r.ds.Queries[:r.gt.Len()]

	if benchapi.GetOptValue(r.cfg.Sensitivity.Enabled, false) {
		return r.sensitivity(ctx, res)
	}

	quality := benchapi.GetOptValue(r.cfg.Quality, DefaultQuality)
	if !benchapi.GetOptValue(r.cfg.Tuning.Disabled, false) {
		t := &tuner.Tuner{
			Floor:         benchapi.GetOptValue(r.cfg.Tuning.Floor, DefaultTuningFloor),
			Ceiling:       benchapi.GetOptValue(r.cfg.Tuning.Ceiling, DefaultTuningCeiling),
			Target:        benchapi.GetOptValue(r.cfg.TargetRecall, DefaultTargetRecall),
			MaxIterations: benchapi.GetOptValue(r.cfg.Tuning.MaxIterations, tuner.DefaultMaxIterations),
			Queries:       r.queries,
			GroundTruth:   r.gt,
			K:             r.topK,
			Metrics:       r.opts.Metrics.Tuner(),
		}
		tuned, err := t.Tune(ctx, r.searcher.Search)
		res.Tuning = tuned.Report()
		if err != nil {
			return fmt.Errorf("tuning: %w", err)
		}
		quality = tuned.Value
		log.WithFields(log.Fields{
			"value":      tuned.Value,
			"recall":     tuned.Recall,
			"converged":  tuned.Converged,
			"iterations": tuned.Iterations,
		}).Info("tuning finished")
	}

	res.ConfiguredLevels = len(r.cfg.ConcurrencyGrid)
	out, err := r.grid(ctx, quality)
	if out != nil {
		res.Results = append(res.Results, out.Aggregates()...)
		res.BudgetExhausted = out.BudgetExhausted
	}
	return err
}

// sensitivity runs one grid per knob value. The sweep stops early once the
// budget is exhausted.
func (r *run) sensitivity(ctx context.Context, res *benchapi.RunResult) error {
	values := sensitivityValues(r.cfg)
	res.ConfiguredLevels = len(values) * len(r.cfg.ConcurrencyGrid)

	for _, value := range values {
		log.WithField("value", value).Info("sensitivity sweep value")
		out, err := r.grid(ctx, value)
		if out != nil {
			res.Results = append(res.Results, out.Aggregates()...)
			if out.BudgetExhausted {
				res.BudgetExhausted = true
			}
		}
		if err != nil {
			return err
		}
		if res.BudgetExhausted {
			break
		}
	}
	return nil
}

func (r *run) grid(ctx context.Context, quality int) (*grid.Result, error) {
	runner := &grid.Runner{
		Config:   gridConfig(r.cfg, quality),
		Budget:   r.budget,
		Monitor:  r.monitor,
		Queries:  r.ds.Queries,
		Metrics:  r.opts.Metrics.Grid(),
		Progress: r.opts.Progress,
		Recall: func(ctx context.Context) (float64, error) {
			ids, err := r.searcher.Search(ctx, r.queries, r.topK, quality)
			if err != nil {
				return 0, err
			}
			return recall.RecallAtK(r.gt, ids), nil
		},
	}
	if benchapi.GetOptValue(r.cfg.Monitor.FlushCache, false) {
		runner.BeforeTrial = sampler.FlushPageCache
	}

	return runner.Run(ctx, func(ctx context.Context, queries [][]float32) error {
		_, err := r.searcher.Search(ctx, queries, r.topK, quality)
		return err
	})
}
