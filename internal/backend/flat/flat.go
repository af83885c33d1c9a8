// Package flat is an in-process exact scan backend. The quality knob selects
// how much of the corpus is scanned, which trades recall for speed the way
// an approximate index does.
package flat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"annbench/internal/backend"
	"annbench/internal/recall"
	"annbench/pkg/timeutil"
)

func init() {
	backend.Register("flat", New)
}

type Flat struct {
	cfg    backend.Config
	mu     sync.RWMutex
	scorer *recall.Scorer
	closed atomic.Bool
}

func New(_ context.Context, cfg backend.Config) (backend.Searcher, error) {
	if cfg.ScanFactor <= 0 {
		cfg.ScanFactor = 8
	}
	return &Flat{cfg: cfg}, nil
}

func (f *Flat) Load(_ context.Context, corpus [][]float32) error {
	if len(corpus) == 0 {
		return errors.New("empty corpus")
	}
	scorer := recall.NewScorer(corpus, f.cfg.Metric)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.scorer = scorer
	return nil
}

// ScanSize is the number of corpus vectors visited per query.
func (f *Flat) ScanSize(quality int) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.scorer == nil {
		return 0
	}
	return f.scanSize(quality)
}

func (f *Flat) scanSize(quality int) int {
	n := f.scorer.Len()
	if quality <= 0 {
		return n
	}
	if quality > n/f.cfg.ScanFactor {
		return n
	}
	return quality * f.cfg.ScanFactor
}

func (f *Flat) Search(ctx context.Context, queries [][]float32, k, quality int) ([][]int64, error) {
	if f.closed.Load() {
		return nil, backend.ErrClosed
	}

	f.mu.RLock()
	scorer := f.scorer
	f.mu.RUnlock()
	if scorer == nil {
		return nil, errors.New("flat backend has no data loaded")
	}

	if err := timeutil.Sleep(ctx, f.cfg.SimulatedLatency); err != nil {
		return nil, err
	}

	f.mu.RLock()
	limit := f.scanSize(quality)
	f.mu.RUnlock()

	out := make([][]int64, len(queries))
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = scorer.SearchExact(q, k, limit)
	}
	return out, nil
}

func (f *Flat) Close() error {
	f.closed.Store(true)
	return nil
}
