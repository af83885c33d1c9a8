package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"annbench/api/benchapi"
	"annbench/pkg/stats"
)

const (
	HighCPUPercent  = 80
	HighIOBandwidth = 100 // MB/s, NVMe class

	// QPS at the last level below this fraction of the first counts as a
	// decline.
	DeclineRatio = 0.5
)

const (
	CPUBoundDeclining = "CPU-bound (high CPU usage + declining QPS)"
	IOBoundDeclining  = "I/O-bound (high I/O bandwidth + declining QPS)"
	CPUBound          = "CPU-bound (high CPU usage)"
	IOBound           = "I/O-bound (high I/O bandwidth)"
	WellBalanced      = "Well-balanced (no clear bottleneck detected)"
)

// Summarize computes the headline numbers of a run and a bottleneck guess
// from levels in grid order.
func Summarize(levels []benchapi.TrialAggregate) *benchapi.Summary {
	s := &benchapi.Summary{}
	if len(levels) == 0 {
		s.Bottleneck = WellBalanced
		return s
	}

	maxQPS := levels[0].QPS
	for _, l := range levels[1:] {
		maxQPS = max(maxQPS, l.QPS)
	}
	s.MaxQPS = &maxQPS

	for _, l := range levels {
		if l.LatencyStats == nil {
			continue
		}
		if s.MinP99 == nil || l.P99 < *s.MinP99 {
			p99 := l.P99
			s.MinP99 = &p99
		}
	}

	avgCPU := stats.SliceAverageFunc(levels, func(l benchapi.TrialAggregate) float64 { return l.CPU })
	s.AvgCPU = &avgCPU
	s.AvgIOBandwidth = stats.SliceAverageFunc(levels, func(l benchapi.TrialAggregate) float64 { return l.Bandwidth })

	declining := len(levels) > 1 && levels[len(levels)-1].QPS < levels[0].QPS*DeclineRatio
	highCPU := avgCPU > HighCPUPercent
	highIO := s.AvgIOBandwidth > HighIOBandwidth

	switch {
	case declining && highCPU:
		s.Bottleneck = CPUBoundDeclining
	case declining && highIO:
		s.Bottleneck = IOBoundDeclining
	case highCPU:
		s.Bottleneck = CPUBound
	case highIO:
		s.Bottleneck = IOBound
	default:
		s.Bottleneck = WellBalanced
	}
	return s
}

func PrintTable(w io.Writer, res *benchapi.RunResult) error {
	fmt.Fprintf(w, "run %v  backend=%v dataset=%v metric=%v k=%d\n",
		res.RunID, res.Backend, res.Dataset, res.Metric, res.TopK)
	if res.Tuning != nil {
		fmt.Fprintf(w, "tuned ef=%d recall=%.4f target=%.2f converged=%v\n",
			res.Tuning.Value, res.Tuning.Recall, res.Tuning.Target, res.Tuning.Converged)
	}
	if res.BudgetExhausted {
		fmt.Fprintln(w, "budget exhausted, results are partial")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "conc\trepeats\tqps\tp50 ms\tp95 ms\tp99 ms\tcpu %\tio MB/s\trecall\tef\tdropped\t")
	for _, l := range res.Results {
		p50, p95, p99 := "-", "-", "-"
		if l.LatencyStats != nil {
			p50 = fmt.Sprintf("%.2f", l.P50)
			p95 = fmt.Sprintf("%.2f", l.P95)
			p99 = fmt.Sprintf("%.2f", l.P99)
		}
		recall, ef := "-", "-"
		if l.Recall != nil {
			recall = fmt.Sprintf("%.4f", *l.Recall)
		}
		if l.Quality != nil {
			ef = fmt.Sprintf("%d", *l.Quality)
		}
		fmt.Fprintf(tw, "%d\t%d\t%.1f\t%s\t%s\t%s\t%.1f\t%.1f\t%s\t%s\t%d\t\n",
			l.Concurrency, l.Repeats, l.QPS, p50, p95, p99, l.CPU, l.Bandwidth, recall, ef, l.Dropped)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if s := res.Summary; s != nil {
		fmt.Fprintf(w, "bottleneck: %v\n", s.Bottleneck)
	}
	return nil
}
