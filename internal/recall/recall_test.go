package recall

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(rnd *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rnd.NormFloat64())
		}
		out[i] = v
	}
	return out
}

// sortedBruteForce ranks all candidates with a full sort.
func sortedBruteForce(corpus [][]float32, q []float32, k int, metric Metric) []int64 {
	s := NewScorer(corpus, metric)
	q = s.Prepare(q)
	ids := make([]int64, len(corpus))
	for i := range ids {
		ids[i] = int64(i)
	}
	slices.SortFunc(ids, func(a, b int64) int {
		sa, sb := s.Score(q, int(a)), s.Score(q, int(b))
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})
	return ids[:k]
}

func TestRecallScenario(t *testing.T) {
	gt := NewGroundTruth(3, [][]int64{{1, 2, 3}})
	assert.InDelta(t, 1.0/3.0, RecallAtK(gt, [][]int64{{3, 4, 5}}), 1e-12)
}

func TestRecallIdentity(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 7))
	corpus := randomVectors(rnd, 300, 16)
	queries := randomVectors(rnd, 20, 16)

	for _, metric := range []Metric{Cosine, InnerProduct, L2} {
		gt, err := ComputeGroundTruth(context.Background(), corpus, queries, 10, metric)
		require.NoError(t, err)
		assert.Equal(t, 20, gt.Len())
		assert.Equal(t, 1.0, RecallAtK(gt, gt.Rows()), metric)
	}
}

func TestRecallMonotonic(t *testing.T) {
	gt := NewGroundTruth(4, [][]int64{{1, 2, 3, 4}})

	prev := -1.0
	predicted := []int64{10, 11, 12, 13}
	for i := range 5 {
		if i > 0 {
			predicted[i-1] = int64(i)
		}
		r := RecallAtK(gt, [][]int64{predicted})
		assert.Greater(t, r, prev)
		prev = r
	}
	assert.Equal(t, 1.0, prev)
}

func TestRecallEdgeCases(t *testing.T) {
	gt := NewGroundTruth(2, [][]int64{{1, 2}, {3, 4}})

	assert.Equal(t, 0.25, RecallAtK(gt, [][]int64{{1}}), "missing rows count as zero")
	assert.Equal(t, 0.25, RecallAtK(gt, [][]int64{{1, 1, 1}, {}}), "duplicates count once")
	assert.Equal(t, 0.0, RecallAtK(NewGroundTruth(2, nil), [][]int64{{1}}))
	assert.Equal(t, 0.0, RecallAtK(nil, nil))
}

func TestRecallFixedDivisor(t *testing.T) {
	// fewer true neighbours than k still divide by k
	gt := NewGroundTruth(4, [][]int64{{1, 2}})
	assert.Equal(t, 0.5, RecallAtK(gt, [][]int64{{1, 2}}))
}

func TestGroundTruthMatchesFullSort(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 99))
	corpus := randomVectors(rnd, 500, 8)
	queries := randomVectors(rnd, 10, 8)

	for _, metric := range []Metric{Cosine, InnerProduct, L2} {
		gt, err := ComputeGroundTruth(context.Background(), corpus, queries, 5, metric)
		require.NoError(t, err)
		for i, q := range queries {
			want := sortedBruteForce(corpus, q, 5, metric)
			assert.ElementsMatch(t, want, gt.Rows()[i], "metric %v query %d", metric, i)
		}
	}
}

func TestGroundTruthL2(t *testing.T) {
	corpus := [][]float32{{0, 0}, {10, 10}, {1, 1}, {5, 5}}
	queries := [][]float32{{0.9, 0.9}}

	gt, err := ComputeGroundTruth(context.Background(), corpus, queries, 2, L2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 0}, gt.Rows()[0])
}

func TestGroundTruthKLargerThanCorpus(t *testing.T) {
	corpus := [][]float32{{1, 0}, {0, 1}}
	gt, err := ComputeGroundTruth(context.Background(), corpus, [][]float32{{1, 1}}, 5, InnerProduct)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{0, 1}, gt.Rows()[0])
	assert.Equal(t, 5, gt.K())
}

func TestGroundTruthErrors(t *testing.T) {
	ctx := context.Background()
	corpus := [][]float32{{1, 0}, {0, 1}}

	_, err := ComputeGroundTruth(ctx, corpus, [][]float32{{1, 0}}, 0, L2)
	assert.Error(t, err)

	_, err = ComputeGroundTruth(ctx, nil, [][]float32{{1, 0}}, 1, L2)
	assert.Error(t, err)

	_, err = ComputeGroundTruth(ctx, corpus, [][]float32{{1, 0, 0}}, 1, L2)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ComputeGroundTruth(cancelled, corpus, [][]float32{{1, 0}}, 1, L2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubset(t *testing.T) {
	gt := NewGroundTruth(1, [][]int64{{1}, {2}, {3}})
	sub := gt.Subset(2)
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, [][]int64{{1}, {2}}, sub.Rows())
	assert.Equal(t, 1.0, RecallAtK(sub, [][]int64{{1}, {2}}))
	assert.Same(t, gt, gt.Subset(10))
}

func TestParseMetric(t *testing.T) {
	tests := map[string]Metric{
		"":          Cosine,
		"COSINE":    Cosine,
		"ip":        InnerProduct,
		"dot":       InnerProduct,
		"euclidean": L2,
	}
	for in, want := range tests {
		got, err := ParseMetric(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMetric("hamming")
	assert.Error(t, err)
}

func TestTopK(t *testing.T) {
	top := NewTopK(3)
	for i, score := range []float64{0.1, 0.9, 0.5, 0.7, 0.2} {
		top.Offer(int64(i), score)
	}
	assert.Equal(t, []int64{1, 3, 2}, top.IDs())
}
