package outlier

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/distance"
	"github.com/marytts/marytts-sub027/pkg/kmeans"
)

// PolicyKind names an elimination policy in configuration files.
type PolicyKind string

const (
	KindLeastLikely            PolicyKind = "least_likely"
	KindMeanDistance           PolicyKind = "mean_distance"
	KindSubclusterMeanDistance PolicyKind = "subcluster_mean_distance"
)

// Policy decides which clustered pairs to reject. The set of policies is
// closed: LeastLikely, MeanDistanceMismatch and SubclusterMeanDistance.
type Policy interface {
	Kind() PolicyKind
	Validate() error
	mark(g *group, status []Status)
}

// group is one clustering of the entries: source and target feature
// vectors of one family (or of all families jointly) and their clusters.
type group struct {
	family codebook.Family
	joint  bool
	src    [][]float64
	tgt    [][]float64
	srcRes *kmeans.Result
	tgtRes *kmeans.Result
}

func (g *group) status() Status {
	if g.joint {
		return StatusGeneral
	}
	return familyStatus(g.family)
}

func (g *group) stdDevs(s StdDevs) float64 {
	if g.joint {
		return s.General
	}
	return s.For(g.family)
}

// LeastLikely rejects, within each source cluster, the pairs whose target
// cluster co-occurs least often with it. Target clusters are dropped in
// ascending order of co-occurrence count while the number of dropped pairs
// stays within Likelihood times the source cluster size.
type LeastLikely struct {
	Likelihood float64 `json:"likelihood" yaml:"likelihood"`
}

func (LeastLikely) Kind() PolicyKind { return KindLeastLikely }

func (p LeastLikely) Validate() error {
	if p.Likelihood < 0 || p.Likelihood > 1 {
		return fmt.Errorf("outlier: %s: %w: likelihood %v outside [0,1]", p.Kind(), codebook.ErrConfig, p.Likelihood)
	}
	return nil
}

func (p LeastLikely) mark(g *group, status []Status) {
	for c := range g.srcRes.Clusters {
		members := g.srcRes.Members(c)
		if len(members) == 0 {
			continue
		}
		counts := make(map[int]int)
		for _, i := range members {
			counts[g.tgtRes.Assignments[i]]++
		}
		tgts := make([]int, 0, len(counts))
		for t := range counts {
			tgts = append(tgts, t)
		}
		slices.SortFunc(tgts, func(a, b int) int {
			if c := cmp.Compare(counts[a], counts[b]); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})

		budget := p.Likelihood * float64(len(members))
		drop := make(map[int]bool)
		dropped := 0
		for _, t := range tgts {
			if float64(dropped+counts[t]) > budget {
				break
			}
			drop[t] = true
			dropped += counts[t]
		}
		for _, i := range members {
			if drop[g.tgtRes.Assignments[i]] {
				status[i] |= g.status()
			}
		}
	}
}

// MeanDistanceMismatch rejects pairs that sit far from their cluster mean
// on one or both sides. The per-cluster threshold is the distance from the
// cluster mean to the boundary vector mean + k*sigma. A source near its
// mean with a far target is one-to-many, the reverse many-to-one, and far
// on both sides many-to-many.
type MeanDistanceMismatch struct {
	TotalStandardDeviations StdDevs `json:"total_standard_deviations" yaml:"total_standard_deviations"`

	// Distance is euclidean or normalized_euclidean.
	Distance distance.Measure `json:"distance" yaml:"distance"`

	// GlobalVariance normalises with the variance of all points instead of
	// the cluster's own variance.
	GlobalVariance bool `json:"global_variance,omitempty" yaml:"global_variance,omitempty"`
}

func (MeanDistanceMismatch) Kind() PolicyKind { return KindMeanDistance }

func (p MeanDistanceMismatch) Validate() error {
	return validateDistance(p.Kind(), p.Distance)
}

func validateDistance(k PolicyKind, m distance.Measure) error {
	switch m {
	case "", distance.MeasureEuclidean, distance.MeasureNormalizedEuclidean:
		return nil
	}
	return fmt.Errorf("outlier: %s: %w: unsupported distance %q", k, codebook.ErrConfig, string(m))
}

func vectorDistance(m distance.Measure, a, b, variance []float64) float64 {
	if m == distance.MeasureNormalizedEuclidean {
		return distance.NormalizedEuclidean(a, b, variance)
	}
	return distance.Euclidean(a, b)
}

func (p MeanDistanceMismatch) mark(g *group, status []Status) {
	sd := p.TotalStandardDeviations
	sd.defaults()
	k := g.stdDevs(sd)

	// far reports whether x lies beyond the boundary of its cluster c.
	far := func(res *kmeans.Result, c int, x []float64) bool {
		cl := res.Clusters[c]
		variance := cl.Variance
		if p.GlobalVariance {
			variance = res.GlobalVariance
		}
		boundary := make([]float64, len(cl.Mean))
		for d := range boundary {
			boundary[d] = cl.Mean[d] + k*math.Sqrt(variance[d])
		}
		threshold := vectorDistance(p.Distance, cl.Mean, boundary, variance)
		return vectorDistance(p.Distance, x, cl.Mean, variance) > threshold
	}

	for i := range g.src {
		srcFar := far(g.srcRes, g.srcRes.Assignments[i], g.src[i])
		tgtFar := far(g.tgtRes, g.tgtRes.Assignments[i], g.tgt[i])
		status[i] |= mismatch(srcFar, tgtFar)
	}
}

func mismatch(srcFar, tgtFar bool) Status {
	switch {
	case srcFar && tgtFar:
		return StatusManyToMany
	case srcFar:
		return StatusManyToOne
	case tgtFar:
		return StatusOneToMany
	default:
		return 0
	}
}

// MinSubclusterSize is the smallest sub-cluster SubclusterMeanDistance
// tests.
const MinSubclusterSize = 3

// SubclusterMeanDistance splits each source cluster into sub-clusters by
// target cluster. Within a sub-cluster of at least MinSubclusterSize
// members it measures every member's source and target distance to the
// sub-cluster means, and rejects members whose distance exceeds
// mean + k*std of that sub-cluster's distances on either side.
type SubclusterMeanDistance struct {
	TotalStandardDeviations StdDevs          `json:"total_standard_deviations" yaml:"total_standard_deviations"`
	Distance                distance.Measure `json:"distance" yaml:"distance"`
}

func (SubclusterMeanDistance) Kind() PolicyKind { return KindSubclusterMeanDistance }

func (p SubclusterMeanDistance) Validate() error {
	return validateDistance(p.Kind(), p.Distance)
}

func (p SubclusterMeanDistance) mark(g *group, status []Status) {
	sd := p.TotalStandardDeviations
	sd.defaults()
	k := g.stdDevs(sd)

	for c := range g.srcRes.Clusters {
		sub := make(map[int][]int)
		var order []int
		for _, i := range g.srcRes.Members(c) {
			t := g.tgtRes.Assignments[i]
			if _, ok := sub[t]; !ok {
				order = append(order, t)
			}
			sub[t] = append(sub[t], i)
		}
		for _, t := range order {
			members := sub[t]
			if len(members) < MinSubclusterSize {
				continue
			}
			srcFar := outliers(g.src, members, p.Distance, g.srcRes.Clusters[c].Variance, k)
			tgtFar := outliers(g.tgt, members, p.Distance, g.tgtRes.Clusters[t].Variance, k)
			for j, i := range members {
				status[i] |= mismatch(srcFar[j], tgtFar[j])
			}
		}
	}
}

// outliers flags members whose distance to the members' mean exceeds
// mean + k*std of all such distances.
func outliers(vecs [][]float64, members []int, m distance.Measure, variance []float64, k float64) []bool {
	mean := make([]float64, len(vecs[members[0]]))
	for _, i := range members {
		floats.Add(mean, vecs[i])
	}
	floats.Scale(1/float64(len(members)), mean)

	dists := make([]float64, len(members))
	for j, i := range members {
		dists[j] = vectorDistance(m, vecs[i], mean, variance)
	}
	dm, ds := stat.PopMeanStdDev(dists, nil)
	out := make([]bool, len(members))
	for j, d := range dists {
		out[j] = d > dm+k*ds
	}
	return out
}

// PolicyConfig is the configuration form of a Policy. It encodes as an
// object with a kind field and the policy's own fields:
//
//	policy:
//	  kind: least_likely
//	  likelihood: 0.1
type PolicyConfig struct {
	Policy
}

// NewPolicyConfig wraps p.
func NewPolicyConfig(p Policy) PolicyConfig { return PolicyConfig{Policy: p} }

// Validate checks that a policy is set and valid.
func (c PolicyConfig) Validate() error {
	if c.Policy == nil {
		return fmt.Errorf("outlier: %w: no elimination policy", codebook.ErrConfig)
	}
	return c.Policy.Validate()
}

func unknownKind(k PolicyKind) error {
	return fmt.Errorf("outlier: %w: unknown policy kind %q", codebook.ErrConfig, string(k))
}

// decodePolicy builds the policy named by kind, filling it with decode.
func decodePolicy(kind PolicyKind, decode func(any) error) (Policy, error) {
	switch kind {
	case KindLeastLikely:
		var p LeastLikely
		err := decode(&p)
		return p, err
	case KindMeanDistance:
		var p MeanDistanceMismatch
		err := decode(&p)
		return p, err
	case KindSubclusterMeanDistance:
		var p SubclusterMeanDistance
		err := decode(&p)
		return p, err
	default:
		return nil, unknownKind(kind)
	}
}

// MarshalJSON implements json.Marshaler.
func (c PolicyConfig) MarshalJSON() ([]byte, error) {
	if c.Policy == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(c.Policy)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(c.Policy.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *PolicyConfig) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		c.Policy = nil
		return nil
	}
	var head struct {
		Kind PolicyKind `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return fmt.Errorf("outlier: %w: policy: %w", codebook.ErrConfig, err)
	}
	p, err := decodePolicy(head.Kind, func(v any) error { return json.Unmarshal(b, v) })
	if err != nil {
		return err
	}
	c.Policy = p
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c PolicyConfig) MarshalYAML() (any, error) {
	if c.Policy == nil {
		return nil, nil
	}
	var n yaml.Node
	if err := n.Encode(c.Policy); err != nil {
		return nil, err
	}
	kind := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "kind"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(c.Policy.Kind())},
	}
	n.Content = append(kind, n.Content...)
	return &n, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *PolicyConfig) UnmarshalYAML(n *yaml.Node) error {
	var head struct {
		Kind PolicyKind `yaml:"kind"`
	}
	if err := n.Decode(&head); err != nil {
		return fmt.Errorf("outlier: %w: policy: %w", codebook.ErrConfig, err)
	}
	p, err := decodePolicy(head.Kind, n.Decode)
	if err != nil {
		return err
	}
	c.Policy = p
	return nil
}

// PolicySchema returns the JSON schema of PolicyConfig: one object per
// kind, each with a single-valued kind field.
func PolicySchema() (*jsonschema.Schema, error) {
	variants := []struct {
		kind PolicyKind
		schema func() (*jsonschema.Schema, error)
	}{
		{KindLeastLikely, func() (*jsonschema.Schema, error) { return jsonschema.For[LeastLikely](nil) }},
		{KindMeanDistance, func() (*jsonschema.Schema, error) { return jsonschema.For[MeanDistanceMismatch](nil) }},
		{KindSubclusterMeanDistance, func() (*jsonschema.Schema, error) { return jsonschema.For[SubclusterMeanDistance](nil) }},
	}
	s := &jsonschema.Schema{}
	for _, v := range variants {
		vs, err := v.schema()
		if err != nil {
			return nil, fmt.Errorf("outlier: schema %s: %w", v.kind, err)
		}
		if vs.Properties == nil {
			vs.Properties = make(map[string]*jsonschema.Schema)
		}
		vs.Properties["kind"] = &jsonschema.Schema{Type: "string", Enum: []any{string(v.kind)}}
		vs.Required = append(vs.Required, "kind")
		s.OneOf = append(s.OneOf, vs)
	}
	return s, nil
}
