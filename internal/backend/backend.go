// Package backend defines the search backend interface and the registry of
// backend kinds.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/recall"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// Searcher answers nearest neighbour queries. Implementations are safe for
// concurrent use.
type Searcher interface {
	// Search returns up to k ids per query. quality is the backend's search
	// breadth knob (ef for HNSW indexes).
	Search(ctx context.Context, queries [][]float32, k, quality int) ([][]int64, error)
	Close() error
}

// Loader is implemented by backends that can (re)create their collection
// from a corpus. Ids are corpus row indexes.
type Loader interface {
	Load(ctx context.Context, corpus [][]float32) error
}

type Config struct {
	Kind       string
	Address    string
	Collection string
	Metric     recall.Metric
	Dim        int

	InsertBatch    int
	M              int
	EFConstruction int
	ConnectRetries int

	// flat backend only
	ScanFactor       int
	SimulatedLatency time.Duration
}

// ConfigFromAPI applies the defaults of the benchmark configuration.
func ConfigFromAPI(c benchapi.BackendConfig, dim int) (Config, error) {
	metric, err := recall.ParseMetric(c.Metric)
	if err != nil {
		return Config{}, benchapi.ConfigErrorOf(err)
	}
	kind := strings.ToLower(c.Kind)
	if kind == "" {
		kind = "flat"
	}
	collection := c.Collection
	if collection == "" {
		collection = "bench"
	}
	return Config{
		Kind:             kind,
		Address:          c.Address,
		Collection:       collection,
		Metric:           metric,
		Dim:              dim,
		InsertBatch:      benchapi.GetOptValue(c.InsertBatch, 1000),
		M:                benchapi.GetOptValue(c.M, 16),
		EFConstruction:   benchapi.GetOptValue(c.EFConstruction, 200),
		ConnectRetries:   benchapi.GetOptValue(c.ConnectRetries, 5),
		ScanFactor:       benchapi.GetOptValue(c.ScanFactor, 8),
		SimulatedLatency: benchapi.GetOptValue(c.SimulatedLatency, benchapi.Duration{}).Duration,
	}, nil
}

type Factory func(ctx context.Context, cfg Config) (Searcher, error)

type backendRegistry struct {
	lock sync.RWMutex
	reg  map[string]Factory
}

var registry = backendRegistry{
	reg: make(map[string]Factory),
}

func (r *backendRegistry) Find(name string) Factory {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.reg[name]
}

func (r *backendRegistry) Register(name string, factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.reg[name] = factory
}

func (r *backendRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.reg))
	for name := range r.reg {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func Register(name string, factory Factory) {
	registry.Register(strings.ToLower(name), factory)
}

// Kinds lists the registered backend kinds.
func Kinds() []string {
	return registry.Names()
}

func Open(ctx context.Context, cfg Config) (Searcher, error) {
	factory := registry.Find(strings.ToLower(cfg.Kind))
	if factory == nil {
		return nil, benchapi.ConfigErrorOf(fmt.Errorf("unknown backend kind %q, available: %v", cfg.Kind, Kinds()))
	}
	return factory(ctx, cfg)
}

// WaitReady retries check with exponential backoff until it succeeds, the
// tries are used up or ctx is done.
func WaitReady(ctx context.Context, name string, tries int, check func(context.Context) error) error {
	operation := func() (struct{}, error) {
		err := check(ctx)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(max(tries, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("backend", name).Infof("backend not ready, retrying in %v", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("%v not ready: %w", name, err)
	}
	return nil
}

// Batches splits n rows into consecutive [start, end) ranges of at most size
// rows.
func Batches(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

var ErrClosed = errors.New("backend closed")
