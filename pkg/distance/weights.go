package distance

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// Method names a rank weighting function.
type Method string

const (
	ExponentialHalfWindow Method = "exponential_half_window"
	TriangleHalfWindow    Method = "triangle_half_window"
)

// Valid reports whether m is a known weighting method.
func (m Method) Valid() bool {
	return m == ExponentialHalfWindow || m == TriangleHalfWindow
}

// Steepness bounds for ExponentialHalfWindow.
const (
	MinSteepness = 0.0
	MaxSteepness = 20.0
)

// Weights returns n blend weights for ranks 0..n-1, summing to 1.
//
// ExponentialHalfWindow weights rank r with exp(-steepness*r), steepness
// clamped to [MinSteepness, MaxSteepness]. TriangleHalfWindow weights rank
// r with n-r.
func Weights(m Method, n int, steepness float64) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	w := make([]float64, n)
	switch m {
	case ExponentialHalfWindow:
		s := min(max(steepness, MinSteepness), MaxSteepness)
		for r := range w {
			w[r] = math.Exp(-s * float64(r))
		}
	case TriangleHalfWindow:
		for r := range w {
			w[r] = float64(n - r)
		}
	default:
		return nil, fmt.Errorf("distance: %w: unknown weighting method %q", codebook.ErrConfig, string(m))
	}
	floats.Scale(1/floats.Sum(w), w)
	return w, nil
}

// Rank returns the indices of the k smallest distances in ascending order.
// Equal distances keep index order and NaN distances rank last. k larger
// than len(dists) returns all indices.
func Rank(dists []float64, k int) []int {
	idx := make([]int, len(dists))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		da, db := dists[a], dists[b]
		switch an, bn := math.IsNaN(da), math.IsNaN(db); {
		case an && bn:
			return 0
		case an:
			return 1
		case bn:
			return -1
		}
		return cmp.Compare(da, db)
	})
	if k < len(idx) {
		idx = idx[:max(k, 0)]
	}
	return idx
}
