// Package kmeans implements deterministic Lloyd's K-Means clustering over
// float64 feature vectors.
//
// Initial centroids are evenly spaced points taken in input order, so the
// same input always produces the same clustering.
package kmeans

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// Params controls clustering.
type Params struct {
	// NumClusters is the number of centroids. It is reduced to the number
	// of points when there are fewer points.
	NumClusters int `json:"num_clusters" yaml:"num_clusters"`

	// MaxIterations bounds the Lloyd iterations. Default: 200.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// MinClusterChangePercent stops iterating once fewer than this
	// percentage of points change cluster. Default: 0.0001.
	MinClusterChangePercent float64 `json:"min_cluster_change_percent,omitempty" yaml:"min_cluster_change_percent,omitempty"`
}

func (p *Params) defaults() {
	if p.MaxIterations == 0 {
		p.MaxIterations = 200
	}
	if p.MinClusterChangePercent == 0 {
		p.MinClusterChangePercent = 0.0001
	}
}

// MinVariance floors per-dimension variances.
const MinVariance = 1e-10

// Cluster is one trained cluster.
type Cluster struct {
	Mean     []float64 `json:"mean" yaml:"mean"`
	Variance []float64 `json:"variance" yaml:"variance"`
	Count    int       `json:"count" yaml:"count"`
}

// Result is the output of Train.
type Result struct {
	Clusters []Cluster `json:"clusters" yaml:"clusters"`

	// Assignments[i] is the cluster index of point i.
	Assignments []int `json:"assignments" yaml:"assignments"`

	GlobalMean     []float64 `json:"global_mean" yaml:"global_mean"`
	GlobalVariance []float64 `json:"global_variance" yaml:"global_variance"`

	Iterations int `json:"iterations" yaml:"iterations"`
}

// Members returns the indices of the points assigned to cluster c, in
// input order.
func (r *Result) Members(c int) []int {
	var out []int
	for i, a := range r.Assignments {
		if a == c {
			out = append(out, i)
		}
	}
	return out
}

// Train clusters points. All points must have the same dimension.
func Train(points [][]float64, p Params) (*Result, error) {
	p.defaults()
	n := len(points)
	if n == 0 {
		return nil, fmt.Errorf("kmeans: %w: no points", codebook.ErrConfig)
	}
	if p.NumClusters < 1 {
		return nil, fmt.Errorf("kmeans: %w: num clusters %d", codebook.ErrConfig, p.NumClusters)
	}
	dim := len(points[0])
	for i, x := range points {
		if len(x) != dim {
			return nil, fmt.Errorf("kmeans: %w: point %d has dim %d, want %d", codebook.ErrConfig, i, len(x), dim)
		}
	}

	k := min(p.NumClusters, n)
	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = append([]float64(nil), points[c*n/k]...)
	}

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	counts := make([]int, k)

	iter := 0
	for iter < p.MaxIterations {
		iter++
		changed := 0
		for i, x := range points {
			best := nearest(centroids, x)
			if best != assign[i] {
				assign[i] = best
				changed++
			}
		}

		// Recompute centroids; an empty cluster keeps its centroid.
		sums := make([][]float64, k)
		clear(counts)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, x := range points {
			floats.Add(sums[assign[i]], x)
			counts[assign[i]]++
		}
		for c := range centroids {
			if counts[c] > 0 {
				floats.ScaleTo(centroids[c], 1/float64(counts[c]), sums[c])
			}
		}

		if changed == 0 || 100*float64(changed)/float64(n) < p.MinClusterChangePercent {
			break
		}
	}

	res := &Result{
		Clusters:    make([]Cluster, k),
		Assignments: assign,
		Iterations:  iter,
	}
	res.GlobalMean, res.GlobalVariance = meanVariance(points, nil)
	for c := range res.Clusters {
		members := res.Members(c)
		cl := Cluster{Mean: centroids[c], Count: len(members)}
		if len(members) > 0 {
			_, cl.Variance = meanVariance(points, members)
		} else {
			cl.Variance = append([]float64(nil), res.GlobalVariance...)
		}
		res.Clusters[c] = cl
	}
	return res, nil
}

// Nearest returns the cluster whose mean is closest to x.
func (r *Result) Nearest(x []float64) int {
	means := make([][]float64, len(r.Clusters))
	for i, c := range r.Clusters {
		means[i] = c.Mean
	}
	return nearest(means, x)
}

// nearest returns the index of the closest centroid; ties go to the lower
// index.
func nearest(centroids [][]float64, x []float64) int {
	best, bestD := 0, -1.0
	for c, m := range centroids {
		d := floats.Distance(x, m, 2)
		if bestD < 0 || d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// meanVariance returns the per-dimension population mean and variance of
// the selected points (all points when idx is nil).
func meanVariance(points [][]float64, idx []int) (mean, variance []float64) {
	if idx == nil {
		idx = make([]int, len(points))
		for i := range idx {
			idx[i] = i
		}
	}
	dim := len(points[0])
	mean = make([]float64, dim)
	variance = make([]float64, dim)
	col := make([]float64, len(idx))
	for d := range dim {
		for j, i := range idx {
			col[j] = points[i][d]
		}
		mean[d], variance[d] = stat.PopMeanVariance(col, nil)
		variance[d] = max(variance[d], MinVariance)
	}
	return mean, variance
}
