package distance

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// LsfWeights returns inverse harmonic mean weights for an ascending LSF
// vector:
//
//	w_i = 1/(l_i - l_{i-1}) + 1/(l_{i+1} - l_i)
//
// with l_0 = 0 and l_{P+1} = maxFreq. Closely spaced LSFs mark formant
// peaks and get larger weights. The result sums to 1.
func LsfWeights(lsf []float64, maxFreq float64) []float64 {
	w := make([]float64, len(lsf))
	LsfWeightsTo(w, lsf, maxFreq)
	return w
}

// LsfWeightsTo is LsfWeights writing into dst, which must have len(lsf)
// elements.
func LsfWeightsTo(dst, lsf []float64, maxFreq float64) {
	p := len(lsf)
	if p == 0 {
		return
	}
	minGap := 1e-6 * maxFreq
	if minGap <= 0 {
		minGap = 1e-12
	}
	gap := func(hi, lo float64) float64 { return max(hi-lo, minGap) }

	for i := range p {
		prev := 0.0
		if i > 0 {
			prev = lsf[i-1]
		}
		next := maxFreq
		if i < p-1 {
			next = lsf[i+1]
		}
		dst[i] = 1/gap(lsf[i], prev) + 1/gap(next, lsf[i])
	}
	if s := floats.Sum(dst); s > 0 {
		floats.Scale(1/s, dst)
	}
}

// InverseHarmonic returns sum_i wA_i (a_i - b_i)^2.
func InverseHarmonic(a, b, wA []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += wA[i] * d * d
	}
	return sum
}

// InverseHarmonicSymmetric is InverseHarmonic with the weights
// alpha*wA + (1-alpha)*wB. alpha=1 uses only a's weights.
func InverseHarmonicSymmetric(a, b, wA, wB []float64, alpha float64) (float64, error) {
	if err := checkAlpha(alpha); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += (alpha*wA[i] + (1-alpha)*wB[i]) * d * d
	}
	return sum, nil
}

func checkAlpha(alpha float64) error {
	if alpha < 0 || alpha > 1 {
		return fmt.Errorf("distance: %w: alpha %v outside [0,1]", codebook.ErrConfig, alpha)
	}
	return nil
}
