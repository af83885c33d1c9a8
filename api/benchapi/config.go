package benchapi

import (
	"errors"
	"fmt"
	"time"
)

// BenchmarkConfig describes one benchmark profile. All optional fields fall
// back to the defaults documented per field.
type BenchmarkConfig struct {
	// Concurrency levels to benchmark, in order. Required.
	ConcurrencyGrid []int `json:"concurrency_grid" yaml:"concurrency_grid"`

	// Number of trials per concurrency level. Default: 1.
	Repeats *int `json:"repeats" yaml:"repeats"`

	// Duration of a single trial. Default: 10s.
	TrialDuration *Duration `json:"trial_duration" yaml:"trial_duration"`

	// Number of neighbours requested per query. Default: 10.
	TopK *int `json:"top_k" yaml:"top_k"`

	// Wall clock budget of the whole invocation. Default: 300s.
	WallClockBudget *Duration `json:"wall_clock_budget" yaml:"wall_clock_budget"`

	// Safety margin added to the trial duration when checking the budget. Default: 2s.
	TrialOverhead *Duration `json:"trial_overhead" yaml:"trial_overhead"`

	// Number of queries used to compute ground truth. Default: 128.
	GTQueries *int `json:"gt_queries" yaml:"gt_queries"`

	// Number of queries used for tuning and per level recall checks. Default: 64.
	RecallQueries *int `json:"recall_queries" yaml:"recall_queries"`

	// Number of queries used by the warm-up call. Default: 64.
	WarmupQueries *int `json:"warmup_queries" yaml:"warmup_queries"`

	// Pause after the warm-up call. Default: 300ms.
	WarmupPause *Duration `json:"warmup_pause" yaml:"warmup_pause"`

	// Hard timeout per search call. A call exceeding it is dropped. Default: 0 (unbounded).
	CallTimeout *Duration `json:"call_timeout" yaml:"call_timeout"`

	// Queries sent per search call. Default: 1.
	BatchSize *int `json:"batch_size" yaml:"batch_size"`

	// Search quality knob used when tuning is disabled. Default: 64.
	Quality *int `json:"quality" yaml:"quality"`

	// Minimum recall required by the tuner. Default: 0.9.
	TargetRecall *float64 `json:"target_recall" yaml:"target_recall"`

	Tuning      TuningConfig      `json:"tuning" yaml:"tuning"`
	Sensitivity SensitivityConfig `json:"sensitivity" yaml:"sensitivity"`
	Monitor     MonitorConfig     `json:"monitor" yaml:"monitor"`
	Backend     BackendConfig     `json:"backend" yaml:"backend"`
	Dataset     DatasetConfig     `json:"dataset" yaml:"dataset"`
}

type TuningConfig struct {
	// Disable auto tuning and use `quality` as is. Default: false.
	Disabled *bool `json:"disabled" yaml:"disabled"`

	// Lowest knob value tried. Default: 16.
	Floor *int `json:"floor" yaml:"floor"`

	// Highest knob value tried. Default: 512.
	Ceiling *int `json:"ceiling" yaml:"ceiling"`

	// Maximum number of tuning steps. Default: 10.
	MaxIterations *int `json:"max_iterations" yaml:"max_iterations"`
}

type SensitivityConfig struct {
	// Run one grid per knob value instead of tuning. Default: false.
	Enabled *bool `json:"enabled" yaml:"enabled"`

	// Knob values of the sweep. Default: [64, 128, 192, 256].
	Values []int `json:"values" yaml:"values"`
}

type MonitorConfig struct {
	// Disable CPU and I/O probes. Default: false.
	Disabled *bool `json:"disabled" yaml:"disabled"`

	// Container to sample CPU usage from. Host CPU is sampled if empty.
	Container string `json:"container" yaml:"container"`

	// Bounded join timeout when stopping probes. Default: 2s.
	JoinTimeout *Duration `json:"join_timeout" yaml:"join_timeout"`

	// Sampling period of the CPU probe. Default: 200ms.
	SamplePeriod *Duration `json:"sample_period" yaml:"sample_period"`

	// Drop the page cache before each trial. Default: false.
	FlushCache *bool `json:"flush_cache" yaml:"flush_cache"`
}

type BackendConfig struct {
	// Backend kind: flat, qdrant, weaviate or pgvector. Default: flat.
	Kind string `json:"kind" yaml:"kind"`

	// Address of the backend (host:port, URL or connection string).
	Address string `json:"address" yaml:"address"`

	// Collection, class or table name. Default: bench.
	Collection string `json:"collection" yaml:"collection"`

	// Similarity metric: cosine, ip or l2. Default: cosine.
	Metric string `json:"metric" yaml:"metric"`

	// Recreate the collection and insert the corpus before benchmarking. Default: true.
	Load *bool `json:"load" yaml:"load"`

	// Number of vectors per insert request. Default: 1000.
	InsertBatch *int `json:"insert_batch" yaml:"insert_batch"`

	// HNSW graph degree used when creating an index. Default: 16.
	M *int `json:"m" yaml:"m"`

	// HNSW construction breadth used when creating an index. Default: 200.
	EFConstruction *int `json:"ef_construction" yaml:"ef_construction"`

	// Maximum number of connection attempts. Default: 5.
	ConnectRetries *int `json:"connect_retries" yaml:"connect_retries"`

	// Number of corpus vectors scanned per unit of quality by the flat backend. Default: 8.
	ScanFactor *int `json:"scan_factor" yaml:"scan_factor"`

	// Fixed latency added to each call of the flat backend. Default: 0.
	SimulatedLatency *Duration `json:"simulated_latency" yaml:"simulated_latency"`
}

type DatasetConfig struct {
	// Dataset root directory. Default: ./datasets.
	Root string `json:"root" yaml:"root"`

	// Dataset name, used as sub directory of root. Default: synthetic.
	Name string `json:"name" yaml:"name"`

	// Number of corpus vectors generated if the dataset does not exist. Default: 10000.
	NVectors *int `json:"n_vectors" yaml:"n_vectors"`

	// Vector dimension. Default: 128.
	Dim *int `json:"dim" yaml:"dim"`

	// Number of query vectors generated if the dataset does not exist. Default: 1000.
	NQueries *int `json:"n_queries" yaml:"n_queries"`

	// Seed of the synthetic generator. Default: 42.
	Seed *int64 `json:"seed" yaml:"seed"`

	// Use only the first N corpus vectors. Default: 0 (all).
	LimitN *int `json:"limit_n" yaml:"limit_n"`
}

// Quick applies the reduced profile used for runs that must finish within a
// few minutes.
func (c *BenchmarkConfig) Quick() {
	c.ConcurrencyGrid = []int{1}
	c.Repeats = Ptr(min(GetOptValue(c.Repeats, 5), 3))
	c.TrialDuration = &Duration{min(GetOptValue(c.TrialDuration, Seconds(10)).Duration, 8*time.Second)}
	c.Tuning.Floor = Ptr(64)
	c.Tuning.Ceiling = Ptr(128)
}

// Validate checks the options that cannot be defaulted.
func (c *BenchmarkConfig) Validate() error {
	var errs []error
	if len(c.ConcurrencyGrid) == 0 {
		errs = append(errs, errors.New("concurrency_grid must not be empty"))
	}
	for _, conc := range c.ConcurrencyGrid {
		if conc <= 0 {
			errs = append(errs, fmt.Errorf("concurrency level %d must be positive", conc))
		}
	}
	if v := GetOptValue(c.Repeats, 1); v <= 0 {
		errs = append(errs, fmt.Errorf("repeats must be positive, got %d", v))
	}
	if v := GetOptValue(c.TrialDuration, Seconds(10)); v.Duration <= 0 {
		errs = append(errs, fmt.Errorf("trial_duration must be positive, got %v", v))
	}
	if v := GetOptValue(c.TopK, 10); v <= 0 {
		errs = append(errs, fmt.Errorf("top_k must be positive, got %d", v))
	}
	if v := GetOptValue(c.WallClockBudget, Seconds(300)); v.Duration <= 0 {
		errs = append(errs, fmt.Errorf("wall_clock_budget must be positive, got %v", v))
	}
	if v := GetOptValue(c.TargetRecall, 0.9); v <= 0 || v > 1 {
		errs = append(errs, fmt.Errorf("target_recall must be in (0,1], got %v", v))
	}
	floor := GetOptValue(c.Tuning.Floor, 16)
	ceiling := GetOptValue(c.Tuning.Ceiling, 512)
	if floor <= 0 {
		errs = append(errs, fmt.Errorf("tuning.floor must be positive, got %d", floor))
	}
	if ceiling < floor {
		errs = append(errs, fmt.Errorf("tuning.ceiling %d must not be smaller than tuning.floor %d", ceiling, floor))
	}
	if v := GetOptValue(c.Monitor.JoinTimeout, Seconds(2)); v.Duration < time.Second || v.Duration > 5*time.Second {
		errs = append(errs, fmt.Errorf("monitor.join_timeout must be between 1s and 5s, got %v", v))
	}
	return ConfigErrorOf(errs...)
}
