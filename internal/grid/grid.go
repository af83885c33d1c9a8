// Package grid applies timed search load at each level of a concurrency grid.
package grid

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/budget"
	"annbench/internal/monitor"
	"annbench/pkg/timeutil"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOverhead      = 2 * time.Second
	DefaultWarmupQueries = 64
	DefaultWarmupPause   = 300 * time.Millisecond
)

// SearchFunc answers a batch of queries. Results are not inspected.
type SearchFunc func(ctx context.Context, queries [][]float32) error

// RecallFunc measures recall once per concurrency level.
type RecallFunc func(ctx context.Context) (float64, error)

// Config of a grid run. Zero values disable the optional features.
type Config struct {
	Levels   []int
	Repeats  int
	Duration time.Duration
	TopK     int

	// Safety margin on top of Duration required by the budget gate.
	Overhead time.Duration

	// Size of the warm-up call before each trial and the pause after it.
	WarmupQueries int
	WarmupPause   time.Duration

	// Queries per search call. Default 1.
	BatchSize int

	// Hard timeout per call. Calls exceeding it are dropped.
	CallTimeout time.Duration

	// Quality is recorded on every level if set.
	Quality int
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Levels) == 0 {
		errs = append(errs, errors.New("concurrency grid must not be empty"))
	}
	for _, conc := range c.Levels {
		if conc <= 0 {
			errs = append(errs, fmt.Errorf("concurrency level %d must be positive", conc))
		}
	}
	if c.Repeats <= 0 {
		errs = append(errs, fmt.Errorf("repeats must be positive, got %d", c.Repeats))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("trial duration must be positive, got %v", c.Duration))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top k must be positive, got %d", c.TopK))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", c.BatchSize))
	}
	return benchapi.ConfigErrorOf(errs...)
}

type Progress struct {
	Level   int
	Levels  int
	Repeat  int
	Repeats int
	Trial   *Trial
}

type Runner struct {
	Config  Config
	Budget  *budget.Scheduler
	Monitor *monitor.Manager
	Queries [][]float32
	Metrics *Metrics

	Recall      RecallFunc
	BeforeTrial func(ctx context.Context)
	Progress    func(Progress)
}

type Result struct {
	Levels          []*Level
	Executed        int
	BudgetExhausted bool
}

func (r *Result) Aggregates() []benchapi.TrialAggregate {
	out := make([]benchapi.TrialAggregate, 0, len(r.Levels))
	for _, l := range r.Levels {
		out = append(out, l.Aggregate())
	}
	return out
}

// Run executes the grid. Only configuration errors and context cancellation
// are returned. Levels collected before the budget ran out or the context
// was cancelled are kept in the result.
func (r *Runner) Run(ctx context.Context, search SearchFunc) (*Result, error) {
	cfg := r.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(r.Queries) == 0 {
		return nil, benchapi.ConfigErrorOf(errors.New("query set must not be empty"))
	}
	cfg.BatchSize = max(cfg.BatchSize, 1)

	sched := r.Budget
	if sched == nil {
		sched = budget.New(time.Duration(1<<63 - 1))
	}

	res := &Result{}
	need := cfg.Duration + cfg.Overhead

grid:
	for li, conc := range cfg.Levels {
		level := &Level{Concurrency: conc}
		if cfg.Quality > 0 {
			level.Quality = benchapi.Ptr(cfg.Quality)
		}

		for repeat := range cfg.Repeats {
			if err := ctx.Err(); err != nil {
				r.keepLevel(res, level)
				return res, err
			}
			if !sched.HasEnough(need) {
				log.WithFields(log.Fields{
					"concurrency": conc,
					"repeat":      repeat + 1,
					"remaining":   sched.Remaining(),
					"need":        need,
					"executed":    res.Executed,
				}).Warn("wall clock budget exhausted, stopping grid")
				res.BudgetExhausted = true
				r.keepLevel(res, level)
				break grid
			}

			trial := r.runTrial(ctx, search, cfg, conc, repeat+1)
			level.Trials = append(level.Trials, trial)
			res.Executed++
			r.Metrics.observeTrial(trial)

			if r.Progress != nil {
				r.Progress(Progress{
					Level:   li + 1,
					Levels:  len(cfg.Levels),
					Repeat:  repeat + 1,
					Repeats: cfg.Repeats,
					Trial:   trial,
				})
			}
		}

		if r.Recall != nil && len(level.Trials) > 0 && ctx.Err() == nil {
			v, err := r.Recall(ctx)
			if err != nil {
				log.WithError(err).WithField("concurrency", conc).Warn("recall check failed")
			} else {
				level.Recall = &v
			}
		}
		r.keepLevel(res, level)
	}

	return res, ctx.Err()
}

// keepLevel appends the level unless no trial of it was executed.
func (r *Runner) keepLevel(res *Result, level *Level) {
	if len(level.Trials) == 0 {
		return
	}
	if n := len(res.Levels); n > 0 && res.Levels[n-1] == level {
		return
	}
	res.Levels = append(res.Levels, level)

	agg := level.Aggregate()
	r.Metrics.observeLevel(&agg)
	fields := log.Fields{
		"concurrency": agg.Concurrency,
		"repeats":     agg.Repeats,
		"qps":         fmt.Sprintf("%.1f", agg.QPS),
		"cpu":         fmt.Sprintf("%.1f", agg.CPU),
		"dropped":     agg.Dropped,
	}
	if agg.LatencyStats != nil {
		fields["p99_ms"] = fmt.Sprintf("%.2f", agg.P99)
	}
	if agg.Recall != nil {
		fields["recall"] = fmt.Sprintf("%.3f", *agg.Recall)
	}
	log.WithFields(fields).Info("concurrency level finished")
}

func (r *Runner) warmup(ctx context.Context, search SearchFunc, cfg Config) {
	if cfg.WarmupQueries <= 0 {
		return
	}
	n := min(cfg.WarmupQueries, len(r.Queries))
	if err := callSearch(ctx, search, r.Queries[:n], cfg.CallTimeout); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("warm-up call failed")
	}
	_ = timeutil.Sleep(ctx, cfg.WarmupPause)
}

func (r *Runner) runTrial(ctx context.Context, search SearchFunc, cfg Config, conc, repeat int) *Trial {
	if r.BeforeTrial != nil {
		r.BeforeTrial(ctx)
	}
	r.warmup(ctx, search, cfg)

	trial := &Trial{
		Concurrency: conc,
		Repeat:      repeat,
		Duration:    cfg.Duration,
		BatchSize:   cfg.BatchSize,
	}

	handle := r.Monitor.Begin(ctx, cfg.Duration)
	defer handle.End()

	buffers := make([]workerBuffer, conc)
	n := len(r.Queries)

	start := time.Now()
	deadline := start.Add(cfg.Duration)

	var eg errgroup.Group
	for i := range conc {
		w := &buffers[i]
		w.offset = i * n / conc
		eg.Go(func() error {
			r.work(ctx, search, cfg, w, deadline)
			return nil
		})
	}
	_ = eg.Wait()

	trial.Elapsed = time.Since(start)
	trial.Reading = handle.End()

	for i := range buffers {
		w := &buffers[i]
		trial.Latencies = append(trial.Latencies, w.latencies...)
		trial.Dropped += w.dropped
		if w.firstErr != nil {
			log.WithError(w.firstErr).WithFields(log.Fields{
				"concurrency": conc,
				"repeat":      repeat,
				"worker":      i,
				"dropped":     w.dropped,
			}).Warn("search calls failed")
		}
	}
	trial.Completed = len(trial.Latencies)

	log.WithFields(log.Fields{
		"concurrency": conc,
		"repeat":      repeat,
		"completed":   trial.Completed,
		"dropped":     trial.Dropped,
		"elapsed":     trial.Elapsed.Round(time.Millisecond),
		"qps":         fmt.Sprintf("%.1f", trial.QPS()),
	}).Debug("trial finished")
	return trial
}

// workerBuffer is owned by exactly one worker until the trial's workers have
// joined.
type workerBuffer struct {
	offset    int
	latencies []time.Duration
	dropped   int
	firstErr  error
}

// work issues calls back to back until the deadline passes. The deadline is
// only checked before a call starts, in-flight calls are never interrupted.
func (r *Runner) work(ctx context.Context, search SearchFunc, cfg Config, w *workerBuffer, deadline time.Time) {
	n := len(r.Queries)
	idx := w.offset
	batch := make([][]float32, cfg.BatchSize)
	w.latencies = make([]time.Duration, 0, 256)

	for ctx.Err() == nil && time.Now().Before(deadline) {
		for j := range batch {
			batch[j] = r.Queries[(idx+j)%n]
		}
		idx = (idx + cfg.BatchSize) % n

		t0 := time.Now()
		err := callSearch(ctx, search, batch, cfg.CallTimeout)
		latency := time.Since(t0)

		if err != nil {
			w.dropped++
			if w.firstErr == nil {
				w.firstErr = err
			}
			continue
		}
		w.latencies = append(w.latencies, latency)
	}
}

// callSearch runs one call, turning panics and timeout overruns into errors.
func callSearch(ctx context.Context, search SearchFunc, queries [][]float32, timeout time.Duration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Debugf("search panicked: %v\n%s", rec, debug.Stack())
			err = fmt.Errorf("search panicked: %v", rec)
		}
	}()

	if timeout <= 0 {
		return search(ctx, queries)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := search(callCtx, queries); err != nil {
		return err
	}
	if elapsed := time.Since(start); elapsed > timeout {
		return fmt.Errorf("call took %v, exceeding timeout %v: %w", elapsed, timeout, context.DeadlineExceeded)
	}
	return nil
}
