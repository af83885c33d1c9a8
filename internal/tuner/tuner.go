// Package tuner searches the smallest search quality value that reaches a
// recall target.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"annbench/api/benchapi"
	"annbench/internal/recall"

	log "github.com/sirupsen/logrus"
)

const DefaultMaxIterations = 10

// SearchFunc answers every query with k ids using the given quality value.
type SearchFunc func(ctx context.Context, queries [][]float32, k, quality int) ([][]int64, error)

type Tuner struct {
	Floor         int
	Ceiling       int
	Target        float64
	MaxIterations int

	// Queries and GroundTruth are aligned by index. Only the first
	// GroundTruth.Len() queries are used.
	Queries     [][]float32
	GroundTruth *recall.GroundTruth
	K           int

	Metrics *Metrics
}

type Step struct {
	Iteration int
	Value     int
	Recall    float64
	Passed    bool
	Err       error
}

type Result struct {
	Value      int
	Recall     float64
	Target     float64
	Converged  bool
	Iterations int
	Steps      []Step
}

// Report converts the result into its serializable form.
func (r Result) Report() *benchapi.TuningReport {
	rep := &benchapi.TuningReport{
		Value:      r.Value,
		Recall:     r.Recall,
		Target:     r.Target,
		Converged:  r.Converged,
		Iterations: r.Iterations,
		Steps:      make([]benchapi.TuningStep, len(r.Steps)),
	}
	for i, s := range r.Steps {
		rep.Steps[i] = benchapi.TuningStep{
			Iteration: s.Iteration,
			Value:     s.Value,
			Recall:    s.Recall,
			Passed:    s.Passed,
		}
		if s.Err != nil {
			rep.Steps[i].Error = s.Err.Error()
		}
	}
	return rep
}

func (t *Tuner) validate() error {
	var errs []error
	if t.Floor <= 0 {
		errs = append(errs, fmt.Errorf("tuning floor must be positive, got %d", t.Floor))
	}
	if t.Ceiling < t.Floor {
		errs = append(errs, fmt.Errorf("tuning ceiling %d must not be smaller than floor %d", t.Ceiling, t.Floor))
	}
	if t.Target <= 0 || t.Target > 1 || math.IsNaN(t.Target) {
		errs = append(errs, fmt.Errorf("target recall must be in (0,1], got %v", t.Target))
	}
	if t.K <= 0 {
		errs = append(errs, fmt.Errorf("k must be positive, got %d", t.K))
	}
	if t.GroundTruth.Len() == 0 {
		errs = append(errs, errors.New("tuning requires ground truth"))
	}
	if len(t.Queries) < t.GroundTruth.Len() {
		errs = append(errs, fmt.Errorf("have %d tuning queries but ground truth for %d", len(t.Queries), t.GroundTruth.Len()))
	}
	return benchapi.ConfigErrorOf(errs...)
}

// MaxSteps is the number of values the doubling search can try between
// floor and ceiling, the ceiling included.
func MaxSteps(floor, ceiling int) int {
	if floor <= 0 || ceiling < floor {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(ceiling)/float64(floor)))) + 1
}

// Tune doubles the quality value starting at the floor until the recall
// target is met. The ceiling is tried as the final candidate. If the target
// is never met the last attempted value is returned without error. Search
// failures count as failing steps.
func (t *Tuner) Tune(ctx context.Context, search SearchFunc) (Result, error) {
	res := Result{Target: t.Target}
	if err := t.validate(); err != nil {
		return res, err
	}

	maxIter := t.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	gt := t.GroundTruth
	queries := t.Queries[:gt.Len()]
	value := t.Floor

	for iteration := 1; ; iteration++ {
		step := Step{Iteration: iteration, Value: value}
		ids, err := search(ctx, queries, t.K, value)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return t.best(res), ctxErr
		}

		if err != nil {
			step.Err = err
			log.WithError(err).WithField("value", value).Warn("tuning search failed, counting value as failing")
		} else {
			step.Recall = recall.RecallAtK(gt, ids)
			step.Passed = step.Recall >= t.Target
		}
		t.Metrics.observe(step)

		log.WithFields(log.Fields{
			"iteration": iteration,
			"value":     value,
			"recall":    step.Recall,
			"target":    t.Target,
		}).Info("tuning step")

		res.Steps = append(res.Steps, step)
		res.Iterations = iteration
		res.Value = value
		res.Recall = step.Recall

		if step.Passed {
			res.Converged = true
			return res, nil
		}

		if value >= t.Ceiling || iteration >= maxIter {
			log.WithFields(log.Fields{
				"value":  value,
				"recall": step.Recall,
				"target": t.Target,
			}).Warn("recall target not reached, using last attempted value")
			return res, nil
		}

		// doubling must not overflow near math.MaxInt
		if value > t.Ceiling/2 {
			value = t.Ceiling
		} else {
			value *= 2
		}
	}
}

// best replaces the result value by the best scoring step so far.
func (t *Tuner) best(res Result) Result {
	for _, s := range res.Steps {
		if s.Err == nil && (s.Recall > res.Recall || res.Value == 0) {
			res.Value = s.Value
			res.Recall = s.Recall
		}
	}
	return res
}
