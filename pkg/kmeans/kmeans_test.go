package kmeans_test

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/kmeans"
)

func blobs(rng *rand.Rand, centres [][]float64, n int, noise float64) [][]float64 {
	var out [][]float64
	for _, c := range centres {
		for range n {
			p := make([]float64, len(c))
			for d := range p {
				p[d] = c[d] + rng.NormFloat64()*noise
			}
			out = append(out, p)
		}
	}
	return out
}

func TestTrainSeparatesBlobs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	centres := [][]float64{{0, 0}, {100, 0}, {0, 100}}
	points := blobs(rng, centres, 20, 1)

	res, err := kmeans.Train(points, kmeans.Params{NumClusters: 3})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(res.Clusters) != 3 {
		t.Fatalf("clusters = %d", len(res.Clusters))
	}
	// Every blob must land in a single cluster.
	for b := range centres {
		first := res.Assignments[b*20]
		for i := b * 20; i < (b+1)*20; i++ {
			if res.Assignments[i] != first {
				t.Fatalf("blob %d split across clusters", b)
			}
		}
		if res.Clusters[first].Count != 20 {
			t.Fatalf("cluster %d count = %d", first, res.Clusters[first].Count)
		}
		for _, v := range res.Clusters[first].Variance {
			if v <= 0 || v > 5 {
				t.Fatalf("cluster %d variance = %v", first, res.Clusters[first].Variance)
			}
		}
	}
	if res.GlobalVariance[0] < 100 {
		t.Fatalf("global variance too small: %v", res.GlobalVariance)
	}
}

func TestTrainDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	points := blobs(rng, [][]float64{{0}, {5}, {10}, {50}}, 10, 2)
	a, err := kmeans.Train(points, kmeans.Params{NumClusters: 4})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	b, _ := kmeans.Train(points, kmeans.Params{NumClusters: 4})
	if !slices.Equal(a.Assignments, b.Assignments) {
		t.Fatalf("assignments differ between runs")
	}
}

func TestTrainFewerPointsThanClusters(t *testing.T) {
	res, err := kmeans.Train([][]float64{{1}, {2}}, kmeans.Params{NumClusters: 5})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(res.Clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(res.Clusters))
	}
	if res.Assignments[0] == res.Assignments[1] {
		t.Fatalf("distinct points share a cluster")
	}
	if res.Clusters[0].Variance[0] != kmeans.MinVariance {
		t.Fatalf("singleton variance = %v, want floor", res.Clusters[0].Variance[0])
	}
}

func TestTrainErrors(t *testing.T) {
	if _, err := kmeans.Train(nil, kmeans.Params{NumClusters: 2}); !errors.Is(err, codebook.ErrConfig) {
		t.Fatalf("empty input: %v", err)
	}
	if _, err := kmeans.Train([][]float64{{1}}, kmeans.Params{}); !errors.Is(err, codebook.ErrConfig) {
		t.Fatalf("zero clusters: %v", err)
	}
	if _, err := kmeans.Train([][]float64{{1}, {1, 2}}, kmeans.Params{NumClusters: 1}); !errors.Is(err, codebook.ErrConfig) {
		t.Fatalf("ragged input: %v", err)
	}
}

func TestNearest(t *testing.T) {
	res, _ := kmeans.Train([][]float64{{0}, {1}, {10}, {11}}, kmeans.Params{NumClusters: 2})
	if res.Nearest([]float64{10.4}) != res.Assignments[2] {
		t.Fatalf("Nearest picked the wrong cluster")
	}
}
