package benchapi

import "time"

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	Min  float64 `json:"min_latency_ms"`
	Mean float64 `json:"mean_latency_ms"`
	P50  float64 `json:"p50_latency_ms"`
	P95  float64 `json:"p95_latency_ms"`
	P99  float64 `json:"p99_latency_ms"`
	Max  float64 `json:"max_latency_ms"`
}

// TrialStats is the sealed, serializable view of one trial.
type TrialStats struct {
	Repeat    int     `json:"repeat"`
	Elapsed   float64 `json:"elapsed"`
	Completed int     `json:"completed"`
	Dropped   int     `json:"dropped"`
	QPS       float64 `json:"qps"`
	CPU       float64 `json:"cpu"`
	ReadMB    float64 `json:"read_mb"`
	WriteMB   float64 `json:"write_mb"`
	Bandwidth float64 `json:"avg_bandwidth_mb_s"`

	// nil if no query completed.
	Latency *LatencyStats `json:"latency,omitempty"`
}

// TrialAggregate is the repeat averaged result of one concurrency level.
type TrialAggregate struct {
	Concurrency int     `json:"conc"`
	Repeats     int     `json:"repeats"`
	QPS         float64 `json:"qps"`
	QPSStddev   float64 `json:"qps_stddev"`
	CPU         float64 `json:"cpu"`
	Bandwidth   float64 `json:"avg_bandwidth_mb_s"`
	ReadMB      float64 `json:"read_mb"`
	WriteMB     float64 `json:"write_mb"`
	Elapsed     float64 `json:"elapsed"`
	Completed   int     `json:"completed"`
	Dropped     int     `json:"dropped"`

	// nil if no query completed.
	*LatencyStats

	Recall  *float64 `json:"recall,omitempty"`
	Quality *int     `json:"ef,omitempty"`

	Trials []TrialStats `json:"trials,omitempty"`
}

type TuningStep struct {
	Iteration int     `json:"iteration"`
	Value     int     `json:"value"`
	Recall    float64 `json:"recall"`
	Passed    bool    `json:"passed"`
	Error     string  `json:"error,omitempty"`
}

type TuningReport struct {
	Value      int          `json:"value"`
	Recall     float64      `json:"recall"`
	Target     float64      `json:"target"`
	Converged  bool         `json:"converged"`
	Iterations int          `json:"iterations"`
	Steps      []TuningStep `json:"steps"`
}

// RunResult is the output artifact of one benchmark invocation.
type RunResult struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name,omitempty"`
	Backend    string    `json:"backend"`
	Dataset    string    `json:"dataset"`
	Metric     string    `json:"metric"`
	TopK       int       `json:"top_k"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	ConfiguredLevels  int  `json:"configured_levels"`
	ConfiguredRepeats int  `json:"configured_repeats"`
	BudgetExhausted   bool `json:"budget_exhausted"`

	Tuning  *TuningReport    `json:"tuning,omitempty"`
	Results []TrialAggregate `json:"results"`
	Summary *Summary         `json:"summary,omitempty"`
}

type Summary struct {
	MaxQPS         *float64 `json:"max_qps"`
	MinP99         *float64 `json:"min_p99"`
	AvgCPU         *float64 `json:"avg_cpu"`
	AvgIOBandwidth float64  `json:"avg_io_bandwidth_mb_s"`
	Bottleneck     string   `json:"bottleneck_analysis"`
}

// FIOResult is the outcome of one fio baseline job.
type FIOResult struct {
	ReadIOPS       float64 `json:"read_iops"`
	ReadBWMB       float64 `json:"read_bw_mb"`
	ReadLatencyUS  float64 `json:"read_latency_us"`
	WriteIOPS      float64 `json:"write_iops"`
	WriteBWMB      float64 `json:"write_bw_mb"`
	WriteLatencyUS float64 `json:"write_latency_us"`
	Error          string  `json:"error,omitempty"`
}
