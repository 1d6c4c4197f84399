package outlier

import (
	"fmt"
	"log/slog"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/kmeans"
)

// Clustering selects how feature families are clustered.
type Clustering string

const (
	// Joint concatenates all selected families into one vector per item.
	Joint Clustering = "joint"
	// Separate clusters each selected family on its own.
	Separate Clustering = "separate"
)

// KMeansParams configures the KMeans mapping pass.
type KMeansParams struct {
	Active     bool            `json:"active" yaml:"active"`
	Clustering Clustering      `json:"clustering" yaml:"clustering"`
	Families   codebook.Family `json:"families" yaml:"families"`

	// NumClusters is used for joint clustering and for any family whose
	// own count is zero.
	NumClusters         int `json:"num_clusters,omitempty" yaml:"num_clusters,omitempty"`
	NumClustersLsf      int `json:"num_clusters_lsf,omitempty" yaml:"num_clusters_lsf,omitempty"`
	NumClustersF0       int `json:"num_clusters_f0,omitempty" yaml:"num_clusters_f0,omitempty"`
	NumClustersDuration int `json:"num_clusters_duration,omitempty" yaml:"num_clusters_duration,omitempty"`
	NumClustersEnergy   int `json:"num_clusters_energy,omitempty" yaml:"num_clusters_energy,omitempty"`

	MaxIterations           int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MinClusterChangePercent float64 `json:"min_cluster_change_percent,omitempty" yaml:"min_cluster_change_percent,omitempty"`

	Policy PolicyConfig `json:"policy" yaml:"policy"`
}

func (p KMeansParams) numClusters(f codebook.Family) int {
	n := 0
	switch f {
	case codebook.LSF:
		n = p.NumClustersLsf
	case codebook.F0:
		n = p.NumClustersF0
	case codebook.Duration:
		n = p.NumClustersDuration
	case codebook.Energy:
		n = p.NumClustersEnergy
	}
	if n == 0 {
		n = p.NumClusters
	}
	return n
}

// Validate checks the parameters of an active pass.
func (p KMeansParams) Validate() error {
	if !p.Active {
		return nil
	}
	if p.Families == 0 {
		return fmt.Errorf("outlier: kmeans: %w: no families selected", codebook.ErrConfig)
	}
	switch p.Clustering {
	case Joint:
		if p.NumClusters < 1 {
			return fmt.Errorf("outlier: kmeans: %w: joint clustering needs num_clusters", codebook.ErrConfig)
		}
	case Separate:
		for _, f := range p.Families.Split() {
			if p.numClusters(f) < 1 {
				return fmt.Errorf("outlier: kmeans: %w: no cluster count for %s", codebook.ErrConfig, f)
			}
		}
	default:
		return fmt.Errorf("outlier: kmeans: %w: unknown clustering %q", codebook.ErrConfig, string(p.Clustering))
	}
	return p.Policy.Validate()
}

// KMeans clusters the source and target features of the entries and
// rejects the pairs the configured policy marks. With separate clustering
// a pair is rejected if any family marks it.
func KMeans(entries []codebook.Entry, p KMeansParams, logger *slog.Logger) ([]codebook.Entry, Report, error) {
	if !p.Active {
		return entries, Report{Input: len(entries), Output: len(entries)}, nil
	}
	if err := p.Validate(); err != nil {
		return nil, Report{}, err
	}
	if len(entries) == 0 {
		return entries, Report{}, nil
	}

	var groups []*group
	if p.Clustering == Joint {
		groups = append(groups, &group{family: p.Families, joint: true})
	} else {
		for _, f := range p.Families.Split() {
			groups = append(groups, &group{family: f})
		}
	}

	status := make([]Status, len(entries))
	for _, g := range groups {
		g.src = make([][]float64, len(entries))
		g.tgt = make([][]float64, len(entries))
		for i, e := range entries {
			g.src[i] = e.Source.Vector(g.family)
			g.tgt[i] = e.Target.Vector(g.family)
		}
		kp := kmeans.Params{
			NumClusters:             p.numClusters(g.family),
			MaxIterations:           p.MaxIterations,
			MinClusterChangePercent: p.MinClusterChangePercent,
		}
		if g.joint {
			kp.NumClusters = p.NumClusters
		}
		var err error
		if g.srcRes, err = kmeans.Train(g.src, kp); err != nil {
			return nil, Report{}, fmt.Errorf("outlier: kmeans %s source: %w", g.family, err)
		}
		if g.tgtRes, err = kmeans.Train(g.tgt, kp); err != nil {
			return nil, Report{}, fmt.Errorf("outlier: kmeans %s target: %w", g.family, err)
		}
		p.Policy.mark(g, status)

		loggerOr(logger).Debug("kmeans clustering",
			"family", g.family.String(),
			"clusters", len(g.srcRes.Clusters),
			"source_iterations", g.srcRes.Iterations,
			"target_iterations", g.tgtRes.Iterations)
	}

	out, rep := filter(entries, status)
	loggerOr(logger).Info("kmeans elimination",
		"policy", string(p.Policy.Kind()),
		"clustering", string(p.Clustering),
		"input", rep.Input,
		"output", rep.Output)
	return out, rep, nil
}
