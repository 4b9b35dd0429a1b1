package patterns

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

const defaultMaxIter = 100

// ErrTooFewPoints is returned when there are fewer points than clusters.
var ErrTooFewPoints = errors.New("fewer points than clusters")

// Clustering is a partition of points into k groups.
type Clustering struct {
	Assignments []int       // cluster index per point
	Centroids   [][]float64 // one per cluster
}

// Clusterer partitions points into k groups.
type Clusterer interface {
	Cluster(points [][]float64, k int) (Clustering, error)
}

// KMeans is Lloyd's algorithm with k-means++ seeding. The same seed and
// input always produce the same clustering.
type KMeans struct {
	Seed    uint64
	MaxIter int
}

// Cluster implements Clusterer.
func (km KMeans) Cluster(points [][]float64, k int) (Clustering, error) {
	n := len(points)
	if k <= 0 {
		return Clustering{}, fmt.Errorf("kmeans: invalid k %d", k)
	}
	if n < k {
		return Clustering{}, fmt.Errorf("kmeans: %d points for k=%d: %w", n, k, ErrTooFewPoints)
	}
	dim := len(points[0])
	for i, p := range points {
		if len(p) != dim {
			return Clustering{}, fmt.Errorf("kmeans: point %d has %d dims, want %d", i, len(p), dim)
		}
	}
	maxIter := km.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}

	rng := rand.New(rand.NewPCG(km.Seed, km.Seed^0x9e3779b97f4a7c15))
	centroids := seedPlusPlus(points, k, rng)

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			if c := nearest(p, centroids); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			floats.Add(sums[assign[i]], p)
			counts[assign[i]]++
		}
		for c := range centroids {
			// An emptied cluster keeps its previous centroid.
			if counts[c] > 0 {
				floats.Scale(1/float64(counts[c]), sums[c])
				centroids[c] = sums[c]
			}
		}
	}
	return Clustering{Assignments: assign, Centroids: centroids}, nil
}

// seedPlusPlus picks k initial centroids, each new one sampled with
// probability proportional to its squared distance from the nearest
// centroid chosen so far.
func seedPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[rng.IntN(n)]))
	d2 := make([]float64, n)
	for len(centroids) < k {
		total := 0.0
		for i, p := range points {
			d := floats.Distance(p, centroids[nearest(p, centroids)], 2)
			d2[i] = d * d
			total += d2[i]
		}
		if total == 0 {
			centroids = append(centroids, clone(points[rng.IntN(n)]))
			continue
		}
		target := rng.Float64() * total
		idx := n - 1
		for i, w := range d2 {
			target -= w
			if target < 0 {
				idx = i
				break
			}
		}
		centroids = append(centroids, clone(points[idx]))
	}
	return centroids
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestD := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := floats.Distance(p, centroid, 2); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

func clone(p []float64) []float64 {
	return append([]float64(nil), p...)
}
