package recall

import (
	"fmt"
	"math"
	"strings"
)

type Metric string

const (
	Cosine       Metric = "cosine"
	InnerProduct Metric = "ip"
	L2           Metric = "l2"
)

func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine", "angular":
		return Cosine, nil
	case "ip", "dot", "inner_product":
		return InnerProduct, nil
	case "l2", "euclid", "euclidean":
		return L2, nil
	default:
		return "", fmt.Errorf("unknown metric %q", s)
	}
}

func (m Metric) String() string {
	return string(m)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns a unit length copy of v. Zero vectors are returned as is.
func Normalize(v []float32) []float32 {
	norm := math.Sqrt(dot(v, v))
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Scorer ranks corpus vectors against queries. Larger scores are closer.
type Scorer struct {
	metric Metric
	corpus [][]float32
	norms  []float64
}

func NewScorer(corpus [][]float32, metric Metric) *Scorer {
	s := &Scorer{metric: metric, corpus: corpus}
	switch metric {
	case Cosine:
		s.corpus = make([][]float32, len(corpus))
		for i, v := range corpus {
			s.corpus[i] = Normalize(v)
		}
	case L2:
		s.norms = make([]float64, len(corpus))
		for i, v := range corpus {
			s.norms[i] = dot(v, v)
		}
	}
	return s
}

// Prepare transforms a query into the form expected by Score.
func (s *Scorer) Prepare(q []float32) []float32 {
	if s.metric == Cosine {
		return Normalize(q)
	}
	return q
}

// Score of corpus vector i for a prepared query. For L2 the query norm is
// constant per query and left out.
func (s *Scorer) Score(q []float32, i int) float64 {
	d := dot(q, s.corpus[i])
	if s.metric == L2 {
		return -(s.norms[i] - 2*d)
	}
	return d
}

func (s *Scorer) Len() int {
	return len(s.corpus)
}
