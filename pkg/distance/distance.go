// Package distance implements the distance measures and rank weighting
// used to match feature vectors against codebook entries.
//
// Measures are selected by name through [Measure] and resolved with
// [Measure.New]; there is no reflection or string-to-type lookup beyond
// the fixed registry in this package.
package distance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// Measure names a distance measure.
type Measure string

const (
	MeasureEuclidean                Measure = "euclidean"
	MeasureNormalizedEuclidean      Measure = "normalized_euclidean"
	MeasureMahalanobis              Measure = "mahalanobis"
	MeasureAbsoluteValue            Measure = "absolute_value"
	MeasureInverseHarmonic          Measure = "inverse_harmonic"
	MeasureInverseHarmonicSymmetric Measure = "inverse_harmonic_symmetric"
)

// Measures lists every registered measure.
func Measures() []Measure {
	return []Measure{
		MeasureEuclidean,
		MeasureNormalizedEuclidean,
		MeasureMahalanobis,
		MeasureAbsoluteValue,
		MeasureInverseHarmonic,
		MeasureInverseHarmonicSymmetric,
	}
}

// Valid reports whether m is a registered measure.
func (m Measure) Valid() bool {
	_, ok := registry[m]
	return ok
}

// Scorer returns the distance from a bound query to candidate.
type Scorer func(candidate []float64) float64

// Metric produces scorers for queries. Implementations are safe for
// concurrent use; each Scorer must only be used by one goroutine.
type Metric interface {
	Bind(query []float64) Scorer
}

// Options carries the state some measures need.
type Options struct {
	// MaxFreq is the upper boundary used for LSF weights (Nyquist
	// frequency, or pi for normalised LSFs).
	MaxFreq float64

	// Alpha blends the query's (1) and the candidate's (0) LSF weights for
	// the symmetric inverse harmonic measure.
	Alpha float64

	// Variances are the per-dimension variances for normalized_euclidean.
	Variances []float64

	// Mahalanobis is the precomputed metric for mahalanobis.
	Mahalanobis *MahalanobisMetric
}

type factory func(Options) (Metric, error)

var registry = map[Measure]factory{
	MeasureEuclidean: func(Options) (Metric, error) {
		return pairwise(Euclidean), nil
	},
	MeasureAbsoluteValue: func(Options) (Metric, error) {
		return pairwise(AbsoluteValue), nil
	},
	MeasureNormalizedEuclidean: func(o Options) (Metric, error) {
		if len(o.Variances) == 0 {
			return nil, fmt.Errorf("distance: %w: normalized_euclidean needs variances", codebook.ErrConfig)
		}
		v := o.Variances
		return pairwise(func(a, b []float64) float64 { return NormalizedEuclidean(a, b, v) }), nil
	},
	MeasureMahalanobis: func(o Options) (Metric, error) {
		if o.Mahalanobis == nil {
			return nil, fmt.Errorf("distance: %w: mahalanobis needs a covariance", codebook.ErrConfig)
		}
		return pairwise(o.Mahalanobis.Distance), nil
	},
	MeasureInverseHarmonic: func(o Options) (Metric, error) {
		if o.MaxFreq <= 0 {
			return nil, fmt.Errorf("distance: %w: inverse_harmonic needs max frequency", codebook.ErrConfig)
		}
		return inverseHarmonic{maxFreq: o.MaxFreq}, nil
	},
	MeasureInverseHarmonicSymmetric: func(o Options) (Metric, error) {
		if o.MaxFreq <= 0 {
			return nil, fmt.Errorf("distance: %w: inverse_harmonic_symmetric needs max frequency", codebook.ErrConfig)
		}
		if err := checkAlpha(o.Alpha); err != nil {
			return nil, err
		}
		return inverseHarmonicSymmetric{maxFreq: o.MaxFreq, alpha: o.Alpha}, nil
	},
}

// New returns the metric for m.
func (m Measure) New(o Options) (Metric, error) {
	f, ok := registry[m]
	if !ok {
		return nil, fmt.Errorf("distance: %w: unknown measure %q", codebook.ErrConfig, string(m))
	}
	return f(o)
}

type pairwise func(a, b []float64) float64

func (f pairwise) Bind(query []float64) Scorer {
	return func(c []float64) float64 { return f(query, c) }
}

type inverseHarmonic struct{ maxFreq float64 }

func (m inverseHarmonic) Bind(query []float64) Scorer {
	w := LsfWeights(query, m.maxFreq)
	return func(c []float64) float64 { return InverseHarmonic(query, c, w) }
}

type inverseHarmonicSymmetric struct {
	maxFreq float64
	alpha   float64
}

func (m inverseHarmonicSymmetric) Bind(query []float64) Scorer {
	wq := LsfWeights(query, m.maxFreq)
	wc := make([]float64, len(query))
	return func(c []float64) float64 {
		LsfWeightsTo(wc, c, m.maxFreq)
		d, _ := InverseHarmonicSymmetric(query, c, wq, wc, m.alpha)
		return d
	}
}

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// AbsoluteValue returns the sum of absolute differences between a and b.
func AbsoluteValue(a, b []float64) float64 {
	return floats.Distance(a, b, 1)
}

// minVariance floors variances so near-constant dimensions cannot blow up
// a normalised distance.
const minVariance = 1e-12

// NormalizedEuclidean returns the Euclidean distance with each dimension
// divided by its variance.
func NormalizedEuclidean(a, b, variances []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d / max(variances[i], minVariance)
	}
	return math.Sqrt(sum)
}

// Normalizer z-normalises raw distances with a stored mean and variance.
type Normalizer struct {
	Mean     float64 `json:"mean" yaml:"mean"`
	Variance float64 `json:"variance" yaml:"variance"`
}

// Apply returns (d-Mean)/sqrt(Variance), or d unchanged when Variance is
// not positive.
func (n Normalizer) Apply(d float64) float64 {
	if n.Variance <= 0 {
		return d
	}
	return (d - n.Mean) / math.Sqrt(n.Variance)
}
