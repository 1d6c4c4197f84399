package outlier_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/distance"
	"github.com/marytts/marytts-sub027/pkg/outlier"
)

func pair(srcF0, tgtF0 float32) codebook.Entry {
	return codebook.NewEntry(
		codebook.Item{LSF: []float32{500, 1500}, F0: srcF0, Energy: 1, Duration: 0.1},
		codebook.Item{LSF: []float32{600, 1600}, F0: tgtF0, Energy: 1, Duration: 0.1},
	)
}

func f0s(entries []codebook.Entry) []float32 {
	out := make([]float32, len(entries))
	for i, e := range entries {
		out[i] = e.Source.F0
	}
	return out
}

func TestGaussianF0Scenario(t *testing.T) {
	var in []codebook.Entry
	for _, f := range []float32{100, 102, 98, 500} {
		in = append(in, pair(f, f))
	}
	p := outlier.GaussianParams{
		Active:                  true,
		Families:                codebook.F0,
		TotalStandardDeviations: outlier.StdDevs{F0: 1},
	}
	out, rep, err := outlier.Gaussian(in, p, nil)
	if err != nil {
		t.Fatalf("Gaussian: %v", err)
	}
	if got := f0s(out); !reflect.DeepEqual(got, []float32{100, 102, 98}) {
		t.Fatalf("kept F0s = %v", got)
	}
	if rep.Input != 4 || rep.Output != 3 || rep.Counts["f0"] != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestGaussianIgnoresUnvoicedF0(t *testing.T) {
	in := []codebook.Entry{pair(0, 0), pair(100, 100), pair(102, 102), pair(98, 98)}
	p := outlier.GaussianParams{Active: true, Families: codebook.F0, TotalStandardDeviations: outlier.StdDevs{F0: 1}}
	out, _, err := outlier.Gaussian(in, p, nil)
	if err != nil {
		t.Fatalf("Gaussian: %v", err)
	}
	if len(out) == 0 || out[0].Source.F0 != 0 {
		t.Fatalf("unvoiced pair was rejected: %v", f0s(out))
	}
}

func TestGaussianLsfOutlier(t *testing.T) {
	var in []codebook.Entry
	for i := range 9 {
		e := pair(100, 100)
		e.Source.LSF[0] += float32(i)
		in = append(in, e)
	}
	far := pair(100, 100)
	far.Target.LSF = []float32{3000, 3900}
	in = append(in, far)

	p := outlier.GaussianParams{Active: true, Families: codebook.LSF, TotalStandardDeviations: outlier.StdDevs{LSF: 2}}
	out, rep, err := outlier.Gaussian(in, p, nil)
	if err != nil {
		t.Fatalf("Gaussian: %v", err)
	}
	if len(out) != 9 || rep.Counts["lsf"] != 1 {
		t.Fatalf("out = %d, report = %+v", len(out), rep)
	}
}

func TestGaussianTooSimilar(t *testing.T) {
	in := []codebook.Entry{pair(100, 100), pair(100, 100), pair(120, 120)}
	in[2].Source.LSF[0] = 900
	p := outlier.GaussianParams{Active: true, EliminateTooSimilarLsf: true, MinLsfDistance: 1}
	out, rep, err := outlier.Gaussian(in, p, nil)
	if err != nil {
		t.Fatalf("Gaussian: %v", err)
	}
	if len(out) != 2 || rep.Counts["too_similar"] != 1 {
		t.Fatalf("out = %d, report = %+v", len(out), rep)
	}
	if out[1].Source.LSF[0] != 900 {
		t.Fatalf("wrong entry dropped")
	}
}

func TestInactivePassesAreIdentity(t *testing.T) {
	in := []codebook.Entry{pair(100, 200), pair(5000, 1), pair(100, 200)}
	out, rep, err := outlier.Gaussian(in, outlier.GaussianParams{Families: codebook.All}, nil)
	if err != nil || !reflect.DeepEqual(out, in) || rep.Dropped() != 0 {
		t.Fatalf("inactive gaussian changed input: %v %+v", err, rep)
	}
	out, rep, err = outlier.KMeans(in, outlier.KMeansParams{}, nil)
	if err != nil || !reflect.DeepEqual(out, in) || rep.Dropped() != 0 {
		t.Fatalf("inactive kmeans changed input: %v %+v", err, rep)
	}
}

func TestLeastLikely(t *testing.T) {
	var in []codebook.Entry
	for i := range 10 {
		tgt := float32(200)
		if i == 9 {
			tgt = 600
		}
		in = append(in, pair(100, tgt))
	}
	for range 10 {
		in = append(in, pair(300, 600))
	}
	p := outlier.KMeansParams{
		Active:      true,
		Clustering:  outlier.Joint,
		Families:    codebook.F0,
		NumClusters: 2,
		Policy:      outlier.NewPolicyConfig(outlier.LeastLikely{Likelihood: 0.1}),
	}
	out, rep, err := outlier.KMeans(in, p, nil)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(out) != 19 || rep.Counts["general"] != 1 {
		t.Fatalf("out = %d, report = %+v", len(out), rep)
	}
	for _, e := range out {
		if e.Source.F0 == 100 && e.Target.F0 == 600 {
			t.Fatalf("least likely mapping survived")
		}
	}
}

func TestMeanDistanceMismatch(t *testing.T) {
	var in []codebook.Entry
	for range 9 {
		in = append(in, pair(100, 200))
	}
	in = append(in, pair(100, 900))

	p := outlier.KMeansParams{
		Active:      true,
		Clustering:  outlier.Separate,
		Families:    codebook.F0,
		NumClusters: 1,
		Policy: outlier.NewPolicyConfig(outlier.MeanDistanceMismatch{
			TotalStandardDeviations: outlier.StdDevs{F0: 1},
			Distance:                distance.MeasureEuclidean,
		}),
	}
	out, rep, err := outlier.KMeans(in, p, nil)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(out) != 9 || rep.Counts["one_to_many"] != 1 {
		t.Fatalf("out = %d, report = %+v", len(out), rep)
	}
}

func TestSubclusterMeanDistance(t *testing.T) {
	var in []codebook.Entry
	for _, tgt := range []float32{200, 201, 199, 200, 260} {
		in = append(in, pair(100, tgt))
	}
	p := outlier.KMeansParams{
		Active:      true,
		Clustering:  outlier.Separate,
		Families:    codebook.F0,
		NumClusters: 1,
		Policy: outlier.NewPolicyConfig(outlier.SubclusterMeanDistance{
			TotalStandardDeviations: outlier.StdDevs{F0: 1},
			Distance:                distance.MeasureEuclidean,
		}),
	}
	out, rep, err := outlier.KMeans(in, p, nil)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(out) != 4 || rep.Counts["one_to_many"] != 1 {
		t.Fatalf("out = %d, report = %+v", len(out), rep)
	}
	for _, e := range out {
		if e.Target.F0 == 260 {
			t.Fatalf("sub-cluster outlier survived")
		}
	}
}

func TestEliminationNeverGrows(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	var in []codebook.Entry
	for range 60 {
		e := pair(float32(80+rng.Float64()*200), float32(150+rng.Float64()*250))
		e.Source.Energy = float32(rng.Float64())
		e.Target.Duration = float32(rng.Float64() * 0.2)
		e.Source.LSF[1] += float32(rng.NormFloat64() * 100)
		in = append(in, e)
	}
	policies := []outlier.Policy{
		outlier.LeastLikely{Likelihood: 0.3},
		outlier.MeanDistanceMismatch{Distance: distance.MeasureNormalizedEuclidean},
		outlier.MeanDistanceMismatch{GlobalVariance: true},
		outlier.SubclusterMeanDistance{},
	}
	for _, c := range []outlier.Clustering{outlier.Joint, outlier.Separate} {
		for _, pol := range policies {
			p := outlier.Params{
				Gaussian: outlier.GaussianParams{Active: true, Families: codebook.F0 | codebook.LSF | codebook.Energy},
				KMeans: outlier.KMeansParams{
					Active:      true,
					Clustering:  c,
					Families:    codebook.LSF | codebook.F0 | codebook.Duration,
					NumClusters: 4,
					Policy:      outlier.NewPolicyConfig(pol),
				},
			}
			out, g, k, err := outlier.Run(context.Background(), in, p, nil)
			if err != nil {
				t.Fatalf("%s/%s: %v", c, pol.Kind(), err)
			}
			if g.Output > g.Input || k.Input != g.Output || k.Output > k.Input || len(out) != k.Output {
				t.Fatalf("%s/%s: reports %+v %+v, out %d", c, pol.Kind(), g, k, len(out))
			}
		}
	}
}

func TestKMeansValidate(t *testing.T) {
	cases := map[string]outlier.KMeansParams{
		"no policy":      {Active: true, Clustering: outlier.Joint, Families: codebook.F0, NumClusters: 2},
		"no clusters":    {Active: true, Clustering: outlier.Joint, Families: codebook.F0, Policy: outlier.NewPolicyConfig(outlier.LeastLikely{})},
		"bad clustering": {Active: true, Clustering: "both", Families: codebook.F0, NumClusters: 2, Policy: outlier.NewPolicyConfig(outlier.LeastLikely{})},
		"bad likelihood": {Active: true, Clustering: outlier.Joint, Families: codebook.F0, NumClusters: 2, Policy: outlier.NewPolicyConfig(outlier.LeastLikely{Likelihood: 2})},
		"bad distance": {Active: true, Clustering: outlier.Joint, Families: codebook.F0, NumClusters: 2,
			Policy: outlier.NewPolicyConfig(outlier.MeanDistanceMismatch{Distance: distance.MeasureMahalanobis})},
	}
	for name, p := range cases {
		if err := p.Validate(); !errors.Is(err, codebook.ErrConfig) {
			t.Errorf("%s: expected ErrConfig, got %v", name, err)
		}
	}
}

func TestPolicyConfigJSON(t *testing.T) {
	var c outlier.PolicyConfig
	if err := json.Unmarshal([]byte(`{"kind":"least_likely","likelihood":0.2}`), &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ll, ok := c.Policy.(outlier.LeastLikely)
	if !ok || ll.Likelihood != 0.2 {
		t.Fatalf("decoded %#v", c.Policy)
	}
	b, err := json.Marshal(outlier.NewPolicyConfig(outlier.SubclusterMeanDistance{Distance: distance.MeasureEuclidean}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"kind":"subcluster_mean_distance"`) {
		t.Fatalf("Marshal = %s", b)
	}
	if err := json.Unmarshal([]byte(`{"kind":"most_likely"}`), &c); !errors.Is(err, codebook.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestPolicyConfigYAML(t *testing.T) {
	src := `
active: true
clustering: separate
families: lsf+f0
num_clusters: 8
policy:
  kind: mean_distance
  distance: normalized_euclidean
  global_variance: true
  total_standard_deviations:
    lsf: 2
`
	var p outlier.KMeansParams
	if err := yaml.Unmarshal([]byte(src), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Families != codebook.LSF|codebook.F0 || p.NumClusters != 8 {
		t.Fatalf("decoded %+v", p)
	}
	md, ok := p.Policy.Policy.(outlier.MeanDistanceMismatch)
	if !ok || !md.GlobalVariance || md.Distance != distance.MeasureNormalizedEuclidean || md.TotalStandardDeviations.LSF != 2 {
		t.Fatalf("decoded policy %#v", p.Policy.Policy)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	out, err := yaml.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "kind: mean_distance") {
		t.Fatalf("Marshal = %s", out)
	}
	var again outlier.KMeansParams
	if err := yaml.Unmarshal(out, &again); err != nil {
		t.Fatalf("re-Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(again, p) {
		t.Fatalf("YAML round trip mismatch:\n%#v\n%#v", again, p)
	}
}

func TestPolicySchema(t *testing.T) {
	s, err := outlier.PolicySchema()
	if err != nil {
		t.Fatalf("PolicySchema: %v", err)
	}
	if len(s.OneOf) != 3 {
		t.Fatalf("OneOf = %d", len(s.OneOf))
	}
}
