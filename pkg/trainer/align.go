package trainer

import (
	"fmt"
	"math"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/distance"
)

// Aligner pairs the frames of a source and a target utterance.
type Aligner interface {
	Align(src, tgt []codebook.Item) []FramePair
}

// AlignerKind names an Aligner in configuration.
type AlignerKind string

const (
	AlignDTW    AlignerKind = "dtw"
	AlignLinear AlignerKind = "linear"
)

var aligners = map[AlignerKind]func() Aligner{
	AlignDTW:    func() Aligner { return DTWAligner{} },
	AlignLinear: func() Aligner { return LinearAligner{} },
}

// NewAligner returns the aligner registered under k.
func NewAligner(k AlignerKind) (Aligner, error) {
	f, ok := aligners[k]
	if !ok {
		return nil, fmt.Errorf("trainer: %w: unknown aligner %q", codebook.ErrConfig, k)
	}
	return f(), nil
}

// LinearAligner maps frames proportionally along both time axes. Every
// source frame gets exactly one target frame.
type LinearAligner struct{}

func (LinearAligner) Align(src, tgt []codebook.Item) []FramePair {
	n, m := len(src), len(tgt)
	if n == 0 || m == 0 {
		return nil
	}
	out := make([]FramePair, n)
	for i := range out {
		j := 0
		if n > 1 {
			j = int(math.Round(float64(i) * float64(m-1) / float64(n-1)))
		}
		out[i] = FramePair{Source: i, Target: j}
	}
	return out
}

// DTWAligner aligns by dynamic time warping with Euclidean local cost.
// Steps are (1,0), (0,1) and (1,1).
type DTWAligner struct {
	// Feature is the compared family, LSF when zero.
	Feature codebook.Family

	// Window is the Sakoe-Chiba band half-width around the diagonal, in
	// frames. Zero means unconstrained. The band is never narrower than
	// the diagonal's slope, so consecutive rows always connect.
	Window int

	// SlopePenalty is added to the cost of horizontal and vertical steps.
	SlopePenalty float64
}

func (d DTWAligner) Align(src, tgt []codebook.Item) []FramePair {
	n, m := len(src), len(tgt)
	if n == 0 || m == 0 {
		return nil
	}
	f := d.Feature
	if f == 0 {
		f = codebook.LSF
	}
	sv := featureVectors(src, f)
	tv := featureVectors(tgt, f)

	inf := math.Inf(1)
	acc := make([]float64, n*m)
	for i := range acc {
		acc[i] = inf
	}
	at := func(i, j int) float64 {
		if i < 0 || j < 0 {
			return inf
		}
		return acc[i*m+j]
	}
	w := d.band(n, m)
	for i := 0; i < n; i++ {
		lo, hi := 0, m-1
		if w > 0 {
			c := diagonal(i, n, m)
			lo, hi = max(c-w, 0), min(c+w, m-1)
		}
		for j := lo; j <= hi; j++ {
			c := frameCost(sv[i], tv[j])
			if i == 0 && j == 0 {
				acc[0] = c
				continue
			}
			best := min(at(i-1, j-1), at(i-1, j)+d.SlopePenalty, at(i, j-1)+d.SlopePenalty)
			acc[i*m+j] = c + best
		}
	}

	// Backtrack from the end; prefer the diagonal on ties.
	path := make([]FramePair, 0, max(n, m))
	i, j := n-1, m-1
	for {
		path = append(path, FramePair{Source: i, Target: j})
		if i == 0 && j == 0 {
			break
		}
		diag, up, left := at(i-1, j-1), at(i-1, j)+d.SlopePenalty, at(i, j-1)+d.SlopePenalty
		switch {
		case i > 0 && j > 0 && diag <= up && diag <= left:
			i, j = i-1, j-1
		case i > 0 && (j == 0 || up <= left):
			i--
		default:
			j--
		}
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path
}

// band is the effective half-width: Window widened to ceil((m-1)/(n-1)),
// the most target frames the diagonal advances per source frame. A single
// source frame spans the whole target.
func (d DTWAligner) band(n, m int) int {
	if d.Window <= 0 {
		return 0
	}
	step := m - 1
	if n > 1 {
		step = (m + n - 3) / (n - 1)
	}
	return max(d.Window, step)
}

func diagonal(i, n, m int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Round(float64(i) * float64(m-1) / float64(n-1)))
}

func featureVectors(items []codebook.Item, f codebook.Family) [][]float64 {
	out := make([][]float64, len(items))
	for i, it := range items {
		if it.Finite() {
			out[i] = it.Vector(f)
		}
	}
	return out
}

// frameCost is +Inf for frames that cannot be compared, which keeps the
// path away from them when possible.
func frameCost(a, b []float64) float64 {
	if a == nil || b == nil || len(a) != len(b) {
		return math.Inf(1)
	}
	return distance.Euclidean(a, b)
}
