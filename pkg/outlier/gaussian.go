package outlier

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// VoicedF0 is the lowest F0 in Hz treated as voiced. Unvoiced values do
// not enter F0 statistics and are never rejected for F0.
const VoicedF0 = 10

// GaussianParams configures the Gaussian pass.
type GaussianParams struct {
	Active bool `json:"active" yaml:"active"`

	// Families selects the tested families among lsf, f0, duration and
	// energy.
	Families codebook.Family `json:"families" yaml:"families"`

	TotalStandardDeviations StdDevs `json:"total_standard_deviations" yaml:"total_standard_deviations"`

	// EliminateTooSimilarLsf rejects a pair whose source and target LSFs
	// are both within MinLsfDistance of an already accepted pair.
	EliminateTooSimilarLsf bool    `json:"eliminate_too_similar_lsf,omitempty" yaml:"eliminate_too_similar_lsf,omitempty"`
	MinLsfDistance         float64 `json:"min_lsf_distance,omitempty" yaml:"min_lsf_distance,omitempty"`
}

const gaussianFamilies = codebook.LSF | codebook.F0 | codebook.Duration | codebook.Energy

func (p *GaussianParams) defaults() {
	p.TotalStandardDeviations.defaults()
	if p.MinLsfDistance == 0 {
		p.MinLsfDistance = 1e-3
	}
}

// Validate checks the parameters of an active pass.
func (p GaussianParams) Validate() error {
	if !p.Active {
		return nil
	}
	if p.Families&^gaussianFamilies != 0 {
		return fmt.Errorf("outlier: gaussian: %w: unsupported families %s", codebook.ErrConfig, p.Families&^gaussianFamilies)
	}
	if p.Families == 0 && !p.EliminateTooSimilarLsf {
		return fmt.Errorf("outlier: gaussian: %w: no families selected", codebook.ErrConfig)
	}
	s := p.TotalStandardDeviations
	if s.LSF < 0 || s.F0 < 0 || s.Duration < 0 || s.Energy < 0 || s.General < 0 || p.MinLsfDistance < 0 {
		return fmt.Errorf("outlier: gaussian: %w: negative threshold", codebook.ErrConfig)
	}
	return nil
}

// Gaussian rejects entries whose enabled features lie more than the
// configured number of standard deviations from the population mean.
//
// Scalar families (f0, duration, energy) test the source and target values
// separately against their own side's statistics. LSF tests each vector's
// Euclidean distance to the mean LSF vector of its side against the mean
// and deviation of those distances. Statistics are computed once over the
// whole input.
func Gaussian(entries []codebook.Entry, p GaussianParams, logger *slog.Logger) ([]codebook.Entry, Report, error) {
	if !p.Active {
		return entries, Report{Input: len(entries), Output: len(entries)}, nil
	}
	if err := p.Validate(); err != nil {
		return nil, Report{}, err
	}
	p.defaults()
	status := make([]Status, len(entries))

	for _, side := range []codebook.Side{codebook.Source, codebook.Target} {
		for _, f := range (p.Families & (codebook.F0 | codebook.Duration | codebook.Energy)).Split() {
			markScalar(entries, side, f, p.TotalStandardDeviations.For(f), status)
		}
		if p.Families.Has(codebook.LSF) {
			markLsf(entries, side, p.TotalStandardDeviations.LSF, status)
		}
	}
	if p.EliminateTooSimilarLsf {
		markTooSimilar(entries, p.MinLsfDistance, status)
	}

	out, rep := filter(entries, status)
	loggerOr(logger).Info("gaussian elimination",
		"families", p.Families.String(),
		"input", rep.Input,
		"output", rep.Output)
	return out, rep, nil
}

func scalar(it codebook.Item, f codebook.Family) float64 {
	switch f {
	case codebook.F0:
		return float64(it.F0)
	case codebook.Duration:
		return float64(it.Duration)
	default:
		return float64(it.Energy)
	}
}

func markScalar(entries []codebook.Entry, side codebook.Side, f codebook.Family, k float64, status []Status) {
	include := func(v float64) bool { return f != codebook.F0 || v > VoicedF0 }

	vals := make([]float64, 0, len(entries))
	for _, e := range entries {
		if v := scalar(e.Item(side), f); include(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) < 2 {
		return
	}
	mean, std := stat.PopMeanStdDev(vals, nil)
	for i, e := range entries {
		v := scalar(e.Item(side), f)
		if include(v) && math.Abs(v-mean) > k*std {
			status[i] |= familyStatus(f)
		}
	}
}

func markLsf(entries []codebook.Entry, side codebook.Side, k float64, status []Status) {
	if len(entries) < 2 {
		return
	}
	vecs := make([][]float64, len(entries))
	for i, e := range entries {
		vecs[i] = e.Item(side).Vector(codebook.LSF)
	}
	if len(vecs[0]) == 0 {
		return
	}
	mean := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		floats.Add(mean, v)
	}
	floats.Scale(1/float64(len(vecs)), mean)

	dists := make([]float64, len(vecs))
	for i, v := range vecs {
		dists[i] = floats.Distance(v, mean, 2)
	}
	dm, ds := stat.PopMeanStdDev(dists, nil)
	for i, d := range dists {
		if d > dm+k*ds {
			status[i] |= StatusLSF
		}
	}
}

// markTooSimilar walks entries in order and rejects one whose source and
// target LSFs are both closer than minDist to an accepted entry. Entries
// already rejected for another reason are not accepted.
func markTooSimilar(entries []codebook.Entry, minDist float64, status []Status) {
	type lsfPair struct{ src, tgt []float64 }
	var accepted []lsfPair
	for i, e := range entries {
		if status[i] != 0 {
			continue
		}
		cur := lsfPair{e.Source.Vector(codebook.LSF), e.Target.Vector(codebook.LSF)}
		similar := false
		for _, a := range accepted {
			if floats.Distance(cur.src, a.src, 2) < minDist && floats.Distance(cur.tgt, a.tgt, 2) < minDist {
				similar = true
				break
			}
		}
		if similar {
			status[i] |= StatusTooSimilar
			continue
		}
		accepted = append(accepted, cur)
	}
}
