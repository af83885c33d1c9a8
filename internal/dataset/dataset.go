// Package dataset provides the corpus and query vectors of a benchmark run.
package dataset

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"annbench/api/benchapi"

	log "github.com/sirupsen/logrus"
)

const (
	VectorsFile = "vectors.fvecs"
	QueriesFile = "queries.fvecs"
)

type Dataset struct {
	Name    string
	Vectors [][]float32
	Queries [][]float32
}

func (d *Dataset) Dim() int {
	if len(d.Vectors) == 0 {
		return 0
	}
	return len(d.Vectors[0])
}

// LimitN keeps the first n corpus vectors. n <= 0 keeps all.
func (d *Dataset) LimitN(n int) {
	if n > 0 && n < len(d.Vectors) {
		d.Vectors = d.Vectors[:n]
	}
}

type Options struct {
	Root     string
	Name     string
	N        int
	Dim      int
	NQueries int
	Seed     int64
	LimitN   int
}

func OptionsFromAPI(c benchapi.DatasetConfig) Options {
	root := c.Root
	if root == "" {
		root = "./datasets"
	}
	name := c.Name
	if name == "" {
		name = "synthetic"
	}
	return Options{
		Root:     root,
		Name:     name,
		N:        benchapi.GetOptValue(c.NVectors, 10000),
		Dim:      benchapi.GetOptValue(c.Dim, 128),
		NQueries: benchapi.GetOptValue(c.NQueries, 1000),
		Seed:     benchapi.GetOptValue(c.Seed, 42),
		LimitN:   benchapi.GetOptValue(c.LimitN, 0),
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.N <= 0 {
		errs = append(errs, fmt.Errorf("dataset.n_vectors must be positive, got %d", o.N))
	}
	if o.Dim <= 0 {
		errs = append(errs, fmt.Errorf("dataset.dim must be positive, got %d", o.Dim))
	}
	if o.NQueries <= 0 {
		errs = append(errs, fmt.Errorf("dataset.n_queries must be positive, got %d", o.NQueries))
	}
	if o.LimitN < 0 {
		errs = append(errs, fmt.Errorf("dataset.limit_n must not be negative, got %d", o.LimitN))
	}
	return benchapi.ConfigErrorOf(errs...)
}

// MakeOrLoad loads the dataset from root/name. Missing datasets are
// generated from the seed and stored for later runs.
func MakeOrLoad(opts Options) (*Dataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(opts.Root, opts.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	vecPath := filepath.Join(dir, VectorsFile)
	qryPath := filepath.Join(dir, QueriesFile)

	ds := &Dataset{Name: opts.Name}
	if exists(vecPath) && exists(qryPath) {
		var err error
		if ds.Vectors, err = ReadFvecsFile(vecPath); err != nil {
			return nil, err
		}
		if ds.Queries, err = ReadFvecsFile(qryPath); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"dataset": opts.Name,
			"vectors": len(ds.Vectors),
			"queries": len(ds.Queries),
		}).Info("dataset loaded")
	} else {
		log.WithField("dataset", opts.Name).Info("generating synthetic dataset")
		ds.Vectors, ds.Queries = Generate(opts.N, opts.Dim, opts.NQueries, opts.Seed)
		if err := WriteFvecsFile(vecPath, ds.Vectors); err != nil {
			return nil, err
		}
		if err := WriteFvecsFile(qryPath, ds.Queries); err != nil {
			return nil, err
		}
	}

	if len(ds.Vectors) == 0 || len(ds.Queries) == 0 {
		return nil, errors.New("dataset is empty")
	}
	if len(ds.Queries[0]) != ds.Dim() {
		return nil, fmt.Errorf("query dimension %d differs from corpus dimension %d", len(ds.Queries[0]), ds.Dim())
	}
	ds.LimitN(opts.LimitN)
	return ds, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Generate returns standard normal corpus and query vectors. The same seed
// always yields the same data.
func Generate(n, dim, nQueries int, seed int64) (vectors, queries [][]float32) {
	rnd := rand.New(rand.NewPCG(uint64(seed), 0))
	normal := func(rows int) [][]float32 {
		out := make([][]float32, rows)
		for i := range out {
			vec := make([]float32, dim)
			for j := range vec {
				vec[j] = float32(rnd.NormFloat64())
			}
			out[i] = vec
		}
		return out
	}
	vectors = normal(n)
	queries = normal(nQueries)
	return vectors, queries
}
