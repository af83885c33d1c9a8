// Package recall computes exact nearest neighbours and scores approximate
// search results against them.
package recall

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// GroundTruth holds the true top-k neighbour ids per query. It is immutable
// once built and safe to share.
type GroundTruth struct {
	k    int
	rows [][]int64
	sets []map[int64]struct{}
}

// NewGroundTruth builds a GroundTruth from precomputed neighbour rows.
func NewGroundTruth(k int, rows [][]int64) *GroundTruth {
	gt := &GroundTruth{
		k:    k,
		rows: rows,
		sets: make([]map[int64]struct{}, len(rows)),
	}
	for i, row := range rows {
		set := make(map[int64]struct{}, len(row))
		for _, id := range row {
			set[id] = struct{}{}
		}
		gt.sets[i] = set
	}
	return gt
}

func (gt *GroundTruth) K() int {
	if gt == nil {
		return 0
	}
	return gt.k
}

func (gt *GroundTruth) Len() int {
	if gt == nil {
		return 0
	}
	return len(gt.rows)
}

// Rows returns the neighbour ids per query. The slice must not be modified.
func (gt *GroundTruth) Rows() [][]int64 {
	if gt == nil {
		return nil
	}
	return gt.rows
}

// Subset returns the ground truth of the first n queries.
func (gt *GroundTruth) Subset(n int) *GroundTruth {
	if gt == nil || n >= len(gt.rows) {
		return gt
	}
	n = max(n, 0)
	return &GroundTruth{k: gt.k, rows: gt.rows[:n], sets: gt.sets[:n]}
}

// ComputeGroundTruth computes the exact top-k corpus ids for every query by
// brute force. Queries are processed in parallel. The order of ids in a row
// is best first, ties are broken arbitrarily.
func ComputeGroundTruth(
	ctx context.Context,
	corpus, queries [][]float32,
	k int,
	metric Metric,
) (*GroundTruth, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(corpus) == 0 {
		return nil, errors.New("empty corpus")
	}
	dim := len(corpus[0])
	for i, v := range corpus {
		if len(v) != dim {
			return nil, fmt.Errorf("corpus vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	for i, q := range queries {
		if len(q) != dim {
			return nil, fmt.Errorf("query %d has dimension %d, expected %d", i, len(q), dim)
		}
	}

	scorer := NewScorer(corpus, metric)
	rows := make([][]int64, len(queries))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for qi, q := range queries {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows[qi] = exactTopK(scorer, scorer.Prepare(q), k)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return NewGroundTruth(k, rows), nil
}

// SearchExact answers one query exactly over the first limit corpus vectors.
func (s *Scorer) SearchExact(q []float32, k, limit int) []int64 {
	if limit <= 0 || limit > s.Len() {
		limit = s.Len()
	}
	return topKOver(s, s.Prepare(q), k, limit)
}

func exactTopK(s *Scorer, q []float32, k int) []int64 {
	return topKOver(s, q, k, s.Len())
}

func topKOver(s *Scorer, q []float32, k, limit int) []int64 {
	top := NewTopK(min(k, limit))
	for i := range limit {
		top.Offer(int64(i), s.Score(q, i))
	}
	return top.IDs()
}

// RecallAtK returns the mean fraction of true neighbours found per query.
// Each query is divided by the fixed k of the ground truth. Missing result
// rows score zero and duplicate ids are counted once.
func RecallAtK(gt *GroundTruth, results [][]int64) float64 {
	if gt.Len() == 0 || gt.k <= 0 {
		return 0
	}

	hits := 0
	seen := make(map[int64]struct{}, gt.k)
	for i, truth := range gt.sets {
		if i >= len(results) {
			break
		}
		clear(seen)
		for _, id := range results[i] {
			if _, ok := truth[id]; !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			hits++
		}
	}
	return float64(hits) / float64(len(gt.rows)*gt.k)
}
