// Package mapper converts source feature frames into target-like frames
// with a weighted codebook.
//
// For each query frame the mapper optionally narrows the candidates by
// spectral centre (context preselection), ranks the survivors by the
// configured distance, turns the best ranks into blend weights and blends
// the matched entries.
package mapper

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/distance"
)

// Output selects the layout of Match.Vector.
type Output string

const (
	OutputSource       Output = "source"
	OutputTarget       Output = "target"
	OutputSourceTarget Output = "source_target"
	OutputTargetSource Output = "target_source"
)

func (o Output) valid() bool {
	switch o {
	case OutputSource, OutputTarget, OutputSourceTarget, OutputTargetSource:
		return true
	}
	return false
}

// Params configures a Mapper.
type Params struct {
	NumBestMatches     int     `json:"num_best_matches" yaml:"num_best_matches"`
	WeightingSteepness float64 `json:"weighting_steepness" yaml:"weighting_steepness"`

	// FreqRange bounds the distance between a candidate's spectral centre
	// and the estimated centre during preselection, in LSF units.
	FreqRange float64 `json:"freq_range" yaml:"freq_range"`

	DistanceMeasure   distance.Measure `json:"distance_measure" yaml:"distance_measure"`
	WeightingMethod   distance.Method  `json:"weighting_method" yaml:"weighting_method"`
	AlphaForSymmetric float64          `json:"alpha_for_symmetric" yaml:"alpha_for_symmetric"`

	// DistanceMean and DistanceVariance z-normalise distances when the
	// variance is positive. The normalisation is monotonic and blend
	// weights depend only on rank, so it changes Match.Distances but
	// never which entries match or how they are blended.
	DistanceMean     float64 `json:"distance_mean" yaml:"distance_mean"`
	DistanceVariance float64 `json:"distance_variance" yaml:"distance_variance"`

	ContextBasedPreselection bool `json:"context_based_preselection" yaml:"context_based_preselection"`
	TotalContextNeighbours   int  `json:"total_context_neighbours" yaml:"total_context_neighbours"`

	// MatchUsingTarget ranks against the target items instead of the
	// source items.
	MatchUsingTarget bool `json:"match_using_target,omitempty" yaml:"match_using_target,omitempty"`

	Output   Output          `json:"output" yaml:"output"`
	Families codebook.Family `json:"families" yaml:"families"`
}

// DefaultParams returns the usual transformation settings.
func DefaultParams() Params {
	return Params{
		NumBestMatches:           15,
		WeightingSteepness:       1.0,
		FreqRange:                8000,
		DistanceMeasure:          distance.MeasureInverseHarmonicSymmetric,
		WeightingMethod:          distance.ExponentialHalfWindow,
		AlphaForSymmetric:        0.5,
		DistanceMean:             0,
		DistanceVariance:         1,
		ContextBasedPreselection: false,
		TotalContextNeighbours:   5,
		Output:                   OutputTarget,
		Families:                 codebook.LSF | codebook.F0 | codebook.Energy | codebook.Duration,
	}
}

// Validate checks p.
func (p Params) Validate() error {
	switch {
	case p.NumBestMatches < 1:
		return fmt.Errorf("mapper: %w: num_best_matches must be positive", codebook.ErrConfig)
	case !p.DistanceMeasure.Valid():
		return fmt.Errorf("mapper: %w: unknown distance measure %q", codebook.ErrConfig, p.DistanceMeasure)
	case !p.WeightingMethod.Valid():
		return fmt.Errorf("mapper: %w: unknown weighting method %q", codebook.ErrConfig, p.WeightingMethod)
	case p.DistanceMeasure == distance.MeasureInverseHarmonicSymmetric && (p.AlphaForSymmetric < 0 || p.AlphaForSymmetric > 1):
		return fmt.Errorf("mapper: %w: alpha_for_symmetric %v outside [0,1]", codebook.ErrConfig, p.AlphaForSymmetric)
	case p.DistanceVariance < 0:
		return fmt.Errorf("mapper: %w: negative distance_variance", codebook.ErrConfig)
	case p.ContextBasedPreselection && p.FreqRange <= 0:
		return fmt.Errorf("mapper: %w: preselection needs a positive freq_range", codebook.ErrConfig)
	case p.TotalContextNeighbours < 0:
		return fmt.Errorf("mapper: %w: negative total_context_neighbours", codebook.ErrConfig)
	case !p.Output.valid():
		return fmt.Errorf("mapper: %w: unknown output %q", codebook.ErrConfig, p.Output)
	case p.Families == 0 || p.Families&^codebook.All != 0:
		return fmt.Errorf("mapper: %w: invalid families %s", codebook.ErrConfig, p.Families)
	}
	return nil
}

// Match is the result of mapping one query.
type Match struct {
	// Indices of the matched entries, best first, with their raw
	// (normalised) distances and blend weights.
	Indices   []int     `json:"indices" yaml:"indices"`
	Distances []float64 `json:"distances" yaml:"distances"`
	Weights   []float64 `json:"weights" yaml:"weights"`

	// Source and Target are the weighted blends of the matched items.
	Source codebook.Item `json:"source" yaml:"source"`
	Target codebook.Item `json:"target" yaml:"target"`

	// Vector is laid out as Params.Output over Params.Families.
	Vector []float64 `json:"vector" yaml:"vector"`
}

// covarianceRidge keeps the Mahalanobis covariance positive definite for
// small or degenerate codebooks.
const covarianceRidge = 1e-8

// Mapper performs weighted codebook lookups. It is immutable after New
// and safe for concurrent use.
type Mapper struct {
	params  Params
	cb      *codebook.Codebook
	header  codebook.Header
	feature codebook.Family
	side    codebook.Side

	// keys are the matched-side feature vectors, one per entry.
	keys    [][]float64
	centres []float64

	// keyWeights are the candidates' own LSF weights for the symmetric
	// inverse harmonic measure.
	keyWeights [][]float64
	maxFreq    float64

	metric distance.Metric
	norm   distance.Normalizer
}

// New precomputes everything a lookup needs from cb.
func New(cb *codebook.Codebook, p Params) (*Mapper, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cb == nil || cb.Len() == 0 {
		return nil, fmt.Errorf("mapper: %w: empty codebook", codebook.ErrConfig)
	}
	h := cb.Header()
	m := &Mapper{
		params:  p,
		cb:      cb,
		header:  h,
		feature: codebook.LSF,
		norm:    distance.Normalizer{Mean: p.DistanceMean, Variance: p.DistanceVariance},
		maxFreq: math.Pi,
	}
	if h.VocalTractFeature == codebook.VocalTractMFCC {
		m.feature = codebook.MFCC
	}
	if m.feature.Dim(int(h.LsfDim), int(h.MfccDim)) == 0 {
		return nil, fmt.Errorf("mapper: %w: codebook has no %s features", codebook.ErrConfig, m.feature)
	}
	if p.MatchUsingTarget {
		m.side = codebook.Target
	}
	if h.LSF.SamplingRate > 0 {
		m.maxFreq = float64(h.LSF.SamplingRate) / 2
	}

	m.keys = cb.Features(m.side, m.feature)
	m.centres = make([]float64, len(m.keys))
	for i, k := range m.keys {
		m.centres[i] = stat.Mean(k, nil)
	}

	opts := distance.Options{MaxFreq: m.maxFreq, Alpha: p.AlphaForSymmetric}
	switch p.DistanceMeasure {
	case distance.MeasureInverseHarmonic, distance.MeasureInverseHarmonicSymmetric:
		if m.feature != codebook.LSF {
			return nil, fmt.Errorf("mapper: %w: %s needs LSF features", codebook.ErrConfig, p.DistanceMeasure)
		}
		if p.DistanceMeasure == distance.MeasureInverseHarmonicSymmetric {
			m.keyWeights = make([][]float64, len(m.keys))
			for i, k := range m.keys {
				m.keyWeights[i] = distance.LsfWeights(k, m.maxFreq)
			}
		}
	case distance.MeasureMahalanobis:
		mm, err := distance.NewMahalanobis(distance.Covariance(m.keys, covarianceRidge))
		if err != nil {
			return nil, fmt.Errorf("mapper: %w", err)
		}
		opts.Mahalanobis = mm
	case distance.MeasureNormalizedEuclidean:
		opts.Variances = columnVariances(m.keys)
	}
	metric, err := p.DistanceMeasure.New(opts)
	if err != nil {
		return nil, fmt.Errorf("mapper: %w", err)
	}
	m.metric = metric
	return m, nil
}

func columnVariances(rows [][]float64) []float64 {
	dim := len(rows[0])
	out := make([]float64, dim)
	col := make([]float64, len(rows))
	for d := range dim {
		for i, r := range rows {
			col[i] = r[d]
		}
		_, out[d] = stat.PopMeanVariance(col, nil)
	}
	return out
}

// Params returns the mapper's parameters.
func (m *Mapper) Params() Params { return m.params }

// Header returns the codebook header.
func (m *Mapper) Header() codebook.Header { return m.header }

// OutputDim is the length of every Match.Vector.
func (m *Mapper) OutputDim() int {
	d := m.params.Families.Dim(int(m.header.LsfDim), int(m.header.MfccDim))
	if m.params.Output == OutputSourceTarget || m.params.Output == OutputTargetSource {
		return 2 * d
	}
	return d
}

func (m *Mapper) checkItem(it codebook.Item, what string) error {
	if len(it.LSF) != int(m.header.LsfDim) || len(it.MFCC) != int(m.header.MfccDim) {
		return fmt.Errorf("mapper: %w: %s dims lsf=%d mfcc=%d, codebook lsf=%d mfcc=%d",
			codebook.ErrFormat, what, len(it.LSF), len(it.MFCC), m.header.LsfDim, m.header.MfccDim)
	}
	if !it.Finite() {
		return fmt.Errorf("mapper: %w: %s has a non-finite value", codebook.ErrFormat, what)
	}
	return nil
}

// Preselect returns the candidate entries for query. The centre of the
// context-averaged query is estimated from its NumBestMatches nearest
// entries; entries whose centre lies within FreqRange of it survive. When
// none survive every entry is returned.
//
// A query with the wrong dimensions or a NaN/Inf value has no usable
// centre and gets every entry back; such context frames are skipped. Map
// rejects the same query with ErrFormat.
func (m *Mapper) Preselect(query codebook.Item, context []codebook.Item) []int {
	if m.checkItem(query, "query") != nil {
		return m.all()
	}
	avg := query.Vector(m.feature)
	n := 1
	for _, c := range context {
		if m.checkItem(c, "context") != nil {
			continue
		}
		floats.Add(avg, c.Vector(m.feature))
		n++
	}
	floats.Scale(1/float64(n), avg)

	dists := make([]float64, len(m.keys))
	for i, k := range m.keys {
		dists[i] = distance.Euclidean(avg, k)
	}
	best := distance.Rank(dists, m.params.NumBestMatches)
	var estimate float64
	for _, i := range best {
		estimate += m.centres[i]
	}
	estimate /= float64(len(best))

	var out []int
	for i, c := range m.centres {
		if math.Abs(c-estimate) <= m.params.FreqRange {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return m.all()
	}
	return out
}

func (m *Mapper) all() []int {
	out := make([]int, len(m.keys))
	for i := range out {
		out[i] = i
	}
	return out
}

// Map finds the best entries for query and blends them. Context frames
// are only used for preselection. A query with the wrong dimensions or a
// NaN/Inf value yields ErrFormat.
func (m *Mapper) Map(query codebook.Item, context []codebook.Item) (*Match, error) {
	if err := m.checkItem(query, "query"); err != nil {
		return nil, err
	}
	cands := m.all()
	if m.params.ContextBasedPreselection {
		cands = m.Preselect(query, context)
	}

	q := query.Vector(m.feature)
	score := m.scorer(q)
	dists := make([]float64, len(cands))
	for i, c := range cands {
		dists[i] = m.norm.Apply(score(c))
	}
	ranked := distance.Rank(dists, m.params.NumBestMatches)
	weights, err := distance.Weights(m.params.WeightingMethod, len(ranked), m.params.WeightingSteepness)
	if err != nil {
		return nil, err
	}

	match := &Match{
		Indices:   make([]int, len(ranked)),
		Distances: make([]float64, len(ranked)),
		Weights:   weights,
	}
	lsfDim, mfccDim := int(m.header.LsfDim), int(m.header.MfccDim)
	src := newAccumulator(lsfDim, mfccDim)
	tgt := newAccumulator(lsfDim, mfccDim)
	for r, i := range ranked {
		idx := cands[i]
		match.Indices[r] = idx
		match.Distances[r] = dists[i]
		e := m.cb.Entry(idx)
		src.add(e.Source, weights[r])
		tgt.add(e.Target, weights[r])
	}
	match.Source = src.item()
	match.Target = tgt.item()

	f := m.params.Families
	switch m.params.Output {
	case OutputSource:
		match.Vector = match.Source.Vector(f)
	case OutputTarget:
		match.Vector = match.Target.Vector(f)
	case OutputSourceTarget:
		match.Vector = match.Target.AppendVector(match.Source.Vector(f), f)
	case OutputTargetSource:
		match.Vector = match.Source.AppendVector(match.Target.Vector(f), f)
	}
	return match, nil
}

// scorer returns the distance from q to entry i.
func (m *Mapper) scorer(q []float64) func(i int) float64 {
	if m.keyWeights != nil {
		wq := distance.LsfWeights(q, m.maxFreq)
		alpha := m.params.AlphaForSymmetric
		return func(i int) float64 {
			d, _ := distance.InverseHarmonicSymmetric(q, m.keys[i], wq, m.keyWeights[i], alpha)
			return d
		}
	}
	s := m.metric.Bind(q)
	return func(i int) float64 { return s(m.keys[i]) }
}

// accumulator sums weighted items in float64.
type accumulator struct {
	lsf, mfcc              []float64
	f0, energy, duration float64
}

func newAccumulator(lsfDim, mfccDim int) *accumulator {
	return &accumulator{lsf: make([]float64, lsfDim), mfcc: make([]float64, mfccDim)}
}

func (a *accumulator) add(it codebook.Item, w float64) {
	for k, v := range it.LSF {
		a.lsf[k] += w * float64(v)
	}
	for k, v := range it.MFCC {
		a.mfcc[k] += w * float64(v)
	}
	a.f0 += w * float64(it.F0)
	a.energy += w * float64(it.Energy)
	a.duration += w * float64(it.Duration)
}

func (a *accumulator) item() codebook.Item {
	it := codebook.Item{
		LSF:      make([]float32, len(a.lsf)),
		F0:       float32(a.f0),
		Energy:   float32(a.energy),
		Duration: float32(a.duration),
	}
	for k, v := range a.lsf {
		it.LSF[k] = float32(v)
	}
	if len(a.mfcc) > 0 {
		it.MFCC = make([]float32, len(a.mfcc))
		for k, v := range a.mfcc {
			it.MFCC[k] = float32(v)
		}
	}
	return it
}
