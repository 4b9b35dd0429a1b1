package adaptive

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Predictor is a regression model over fixed-width feature vectors.
type Predictor interface {
	Fit(x [][]float64, y []float64) error
	Predict(x []float64) float64
	// FeatureImportances returns one non-negative weight per feature,
	// summing to 1 (or all zero when the model never split).
	FeatureImportances() []float64
}

// GradientBoosting fits an additive ensemble of shallow regression trees
// to squared-error residuals.
type GradientBoosting struct {
	Estimators   int
	LearningRate float64
	MaxDepth     int
	MinLeaf      int

	base        float64
	trees       []*treeNode
	importances []float64
}

// NewGradientBoosting returns a boosted ensemble with defaults suited to a
// few hundred samples.
func NewGradientBoosting() *GradientBoosting {
	return &GradientBoosting{Estimators: 100, LearningRate: 0.1, MaxDepth: 3, MinLeaf: 2}
}

type treeNode struct {
	feature     int
	threshold   float64
	left, right *treeNode
	value       float64
	leaf        bool
}

func (n *treeNode) predict(x []float64) float64 {
	for !n.leaf {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

// Fit implements Predictor.
func (g *GradientBoosting) Fit(x [][]float64, y []float64) error {
	if len(x) == 0 {
		return errors.New("gradient boosting: no samples")
	}
	if len(x) != len(y) {
		return fmt.Errorf("gradient boosting: %d rows but %d targets", len(x), len(y))
	}
	dim := len(x[0])
	for i, row := range x {
		if len(row) != dim {
			return fmt.Errorf("gradient boosting: row %d has %d features, want %d", i, len(row), dim)
		}
	}

	g.base = stat.Mean(y, nil)
	g.trees = g.trees[:0]
	g.importances = make([]float64, dim)

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = g.base
	}
	resid := make([]float64, len(y))
	idx := make([]int, len(y))
	for m := 0; m < g.Estimators; m++ {
		floats.SubTo(resid, y, pred)
		for i := range idx {
			idx[i] = i
		}
		tree := g.grow(x, resid, idx, 0)
		g.trees = append(g.trees, tree)
		for i, row := range x {
			pred[i] += g.LearningRate * tree.predict(row)
		}
	}

	if total := floats.Sum(g.importances); total > 0 {
		floats.Scale(1/total, g.importances)
	}
	return nil
}

// Predict implements Predictor.
func (g *GradientBoosting) Predict(x []float64) float64 {
	out := g.base
	for _, t := range g.trees {
		out += g.LearningRate * t.predict(x)
	}
	return out
}

// FeatureImportances implements Predictor.
func (g *GradientBoosting) FeatureImportances() []float64 {
	return append([]float64(nil), g.importances...)
}

// grow builds a regression tree on the residuals of the rows in idx,
// crediting each split's squared-error reduction to its feature.
func (g *GradientBoosting) grow(x [][]float64, r []float64, idx []int, depth int) *treeNode {
	mean := 0.0
	for _, i := range idx {
		mean += r[i]
	}
	mean /= float64(len(idx))
	if depth >= g.MaxDepth || len(idx) < 2*g.MinLeaf {
		return &treeNode{leaf: true, value: mean}
	}

	feature, threshold, gain, split := g.bestSplit(x, r, idx)
	if feature < 0 || gain <= 0 {
		return &treeNode{leaf: true, value: mean}
	}
	g.importances[feature] += gain

	left := append([]int(nil), idx[:split]...)
	right := append([]int(nil), idx[split:]...)
	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      g.grow(x, r, left, depth+1),
		right:     g.grow(x, r, right, depth+1),
	}
}

// bestSplit scans every feature for the threshold that most reduces the
// squared error. On success idx is left sorted by the winning feature and
// split is the size of the left partition.
func (g *GradientBoosting) bestSplit(x [][]float64, r []float64, idx []int) (feature int, threshold, gain float64, split int) {
	feature = -1
	n := float64(len(idx))
	var total float64
	for _, i := range idx {
		total += r[i]
	}
	parent := total * total / n

	sorted := make([]int, len(idx))
	for f := range x[idx[0]] {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool { return x[sorted[a]][f] < x[sorted[b]][f] })

		var leftSum float64
		for k := 0; k < len(sorted)-1; k++ {
			leftSum += r[sorted[k]]
			nl := k + 1
			if nl < g.MinLeaf || len(sorted)-nl < g.MinLeaf {
				continue
			}
			lo, hi := x[sorted[k]][f], x[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			rightSum := total - leftSum
			score := leftSum*leftSum/float64(nl) + rightSum*rightSum/(n-float64(nl)) - parent
			if score > gain {
				feature, threshold, gain, split = f, (lo+hi)/2, score, nl
			}
		}
	}
	if feature >= 0 {
		f := feature
		sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]][f] < x[idx[b]][f] })
	}
	return feature, threshold, gain, split
}
