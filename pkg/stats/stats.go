package stats

import (
	"iter"
	"math"
	"slices"
)

// Distribution summarizes a sample of values.
type Distribution struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// DistributionOf computes min, mean, max and the p50/p95/p99 percentiles of
// values. The input is not modified. ok is false for an empty sample.
func DistributionOf(values []float64) (dist Distribution, ok bool) {
	if len(values) == 0 {
		return dist, false
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	return Distribution{
		Count: len(sorted),
		Min:   sorted[0],
		Mean:  clamp(SliceAverage(sorted), sorted[0], sorted[len(sorted)-1]),
		P50:   PercentileSorted(sorted, 0.50),
		P95:   PercentileSorted(sorted, 0.95),
		P99:   PercentileSorted(sorted, 0.99),
		Max:   sorted[len(sorted)-1],
	}, true
}

// Percentile returns the p-th percentile (p in [0,1]) of values using linear
// interpolation between the closest ranks. It returns NaN for an empty
// sample.
func Percentile(values []float64, p float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return PercentileSorted(sorted, p)
}

// PercentileSorted is Percentile for already sorted input.
func PercentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	p = clamp(p, 0, 1)

	rank := float64(n-1) * p
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func identity[T any](v T) T {
	return v
}

func SliceAverage(values []float64) float64 {
	return SlicesSum(values) / float64(len(values))
}

func SliceAverageFunc[T any](items []T, fn func(T) float64) float64 {
	return SlicesSumOfFunc(items, fn) / float64(len(items))
}

func SliceStddevFunc[T any](items []T, fn func(T) float64) float64 {
	if len(items) <= 1 {
		return 0
	}

	avg := SliceAverageFunc(items, fn)
	sum := SlicesSumOfFunc(items, func(item T) float64 {
		v := fn(item) - avg
		return v * v
	})
	return math.Sqrt(sum / float64(len(items)-1))
}

func SlicesSum(values []float64) float64 {
	return SumOfFunc(slices.Values(values), identity)
}

func SlicesSumOfFunc[T any](items []T, fn func(T) float64) float64 {
	return SumOfFunc(slices.Values(items), fn)
}

// SumOfFunc sums fn over the sequence with Kahan compensation.
func SumOfFunc[T any](in iter.Seq[T], fn func(T) float64) float64 {
	sum := 0.0
	correction := 0.0

	for item := range in {
		y := fn(item) - correction
		t := sum + y
		correction = (t - sum) - y
		sum = t
	}

	return sum
}

func ExpBuckets(start float64, factor float64, max float64) []float64 {
	var buckets []float64
	current := start
	for current <= max {
		buckets = append(buckets, current)
		current *= factor
	}
	return buckets
}
