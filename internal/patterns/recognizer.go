// Package patterns groups historically similar evolution steps and scores
// how often each group succeeds.
package patterns

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/joestump/evolve-learn/internal/evolution"
)

const (
	// MinSamples is the smallest history Analyze will cluster.
	MinSamples = 5

	minK, maxK          = 2, 5
	keywordShare        = 0.5
	appliedPatternShare = 0.3
	fullConfidenceSize  = 10
)

// Feature columns, in order.
const (
	colCyclomatic = iota
	colLinesOfCode
	colFunctionCount
	colPromptLength
	colAppliedPatterns
	colExecutionTime
	colPerformance
	colMaintainability
	colSuccess
	numFeatures
)

// preRunFeatures is the number of leading columns known before a step
// executes. Applied patterns are part of the result.
const preRunFeatures = colAppliedPatterns

// FeatureNames labels the columns returned by Features.
var FeatureNames = [numFeatures]string{
	"cyclomatic_complexity",
	"lines_of_code",
	"function_count",
	"prompt_length",
	"applied_pattern_count",
	"execution_time",
	"performance_improvement",
	"maintainability_score",
	"success",
}

// Keywords are the evolution terms tracked in prompts.
var Keywords = []string{
	"optimize", "refactor", "performance", "memory", "cache", "async",
	"parallel", "simplify", "error", "test", "security", "readability",
}

// Features returns the numeric feature vector of a history entry.
func Features(e evolution.HistoryEntry) []float64 {
	cm := e.Context.ComplexityMetrics
	success := 0.0
	if e.Success {
		success = 1
	}
	return []float64{
		cm.CyclomaticComplexity,
		float64(cm.LinesOfCode),
		float64(cm.FunctionCount),
		float64(len(e.Prompt)),
		float64(len(e.AppliedPatterns())),
		e.ExecutionTime,
		e.Result.PerformanceImprovement(),
		e.Result.MaintainabilityScore(),
		success,
	}
}

// PromptKeywords returns the tracked keywords present in a prompt.
func PromptKeywords(prompt string) []string {
	lower := strings.ToLower(prompt)
	var out []string
	for _, k := range Keywords {
		if strings.Contains(lower, k) {
			out = append(out, k)
		}
	}
	return out
}

// Characteristics are the traits shared by most steps of a cluster.
type Characteristics struct {
	Keywords        []string `json:"keywords"`
	AppliedPatterns []string `json:"applied_patterns"`
}

// Cluster is one group of similar steps.
type Cluster struct {
	ID                        int             `json:"id"`
	Size                      int             `json:"size"`
	SuccessRate               float64         `json:"success_rate"`
	AvgPerformanceImprovement float64         `json:"avg_performance_improvement"`
	AvgMaintainabilityScore   float64         `json:"avg_maintainability_score"`
	Confidence                float64         `json:"confidence"`
	CommonCharacteristics     Characteristics `json:"common_characteristics"`

	centroid []float64 // standardized
}

// Analysis is the result of Analyze.
type Analysis struct {
	Patterns   []Cluster `json:"patterns"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
	SampleSize int       `json:"sample_size"`
	K          int       `json:"k,omitempty"`
}

type model struct {
	means, stds []float64
	clusters    []Cluster
}

// Recognizer clusters step history. The latest successful analysis is
// kept for Match.
type Recognizer struct {
	clusterer Clusterer
	logger    *slog.Logger

	mu   sync.RWMutex
	last *model
}

// NewRecognizer returns a recognizer using c, or seeded k-means when c is nil.
func NewRecognizer(c Clusterer, logger *slog.Logger) *Recognizer {
	if c == nil {
		c = KMeans{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{clusterer: c, logger: logger}
}

// Analyze clusters the history and scores each cluster. Fewer than
// MinSamples entries yields an empty insufficient_data analysis; a
// clustering failure yields a degraded one with zero confidence.
func (r *Recognizer) Analyze(history []evolution.HistoryEntry) Analysis {
	n := len(history)
	if n < MinSamples {
		return Analysis{Patterns: []Cluster{}, Status: evolution.StatusInsufficientData, SampleSize: n}
	}

	raw := make([][]float64, n)
	for i, e := range history {
		raw[i] = Features(e)
	}
	means, stds := columnStats(raw)
	points := make([][]float64, n)
	for i, row := range raw {
		points[i] = standardize(row, means, stds)
	}

	k := min(max(n/3, minK), maxK)
	res, err := r.clusterer.Cluster(points, k)
	if err != nil {
		r.logger.Warn("pattern clustering failed", "samples", n, "k", k, "error", err)
		return Analysis{Patterns: []Cluster{}, Status: evolution.StatusDegraded, SampleSize: n, K: k}
	}

	members := make([][]int, k)
	for i, c := range res.Assignments {
		members[c] = append(members[c], i)
	}
	clusters := make([]Cluster, 0, k)
	for c, idx := range members {
		if len(idx) == 0 {
			continue
		}
		cl := scoreCluster(history, idx)
		cl.ID = c
		cl.centroid = res.Centroids[c]
		clusters = append(clusters, cl)
	}
	sort.SliceStable(clusters, func(i, j int) bool { return clusters[i].SuccessRate > clusters[j].SuccessRate })

	r.mu.Lock()
	r.last = &model{means: means, stds: stds, clusters: clusters}
	r.mu.Unlock()

	return Analysis{
		Patterns:   clusters,
		Confidence: overallConfidence(clusters),
		Status:     evolution.StatusOK,
		SampleSize: n,
		K:          k,
	}
}

// Match returns the cluster of the latest analysis nearest to the entry,
// comparing only features known before a step runs.
func (r *Recognizer) Match(e evolution.HistoryEntry) (Cluster, bool) {
	r.mu.RLock()
	m := r.last
	r.mu.RUnlock()
	if m == nil || len(m.clusters) == 0 {
		return Cluster{}, false
	}
	p := standardize(Features(e), m.means, m.stds)[:preRunFeatures]
	best, bestD := 0, -1.0
	for i, c := range m.clusters {
		d := floats.Distance(p, c.centroid[:preRunFeatures], 2)
		if bestD < 0 || d < bestD {
			best, bestD = i, d
		}
	}
	return m.clusters[best], true
}

func scoreCluster(history []evolution.HistoryEntry, idx []int) Cluster {
	size := len(idx)
	var successes int
	var perf, maint float64
	keywordCount := map[string]int{}
	patternCount := map[string]int{}
	for _, i := range idx {
		e := history[i]
		if e.Success {
			successes++
		}
		perf += e.Result.PerformanceImprovement()
		maint += e.Result.MaintainabilityScore()
		for _, k := range PromptKeywords(e.Prompt) {
			keywordCount[k]++
		}
		seen := map[string]bool{}
		for _, p := range e.AppliedPatterns() {
			if !seen[p] {
				seen[p] = true
				patternCount[p]++
			}
		}
	}
	return Cluster{
		Size:                      size,
		SuccessRate:               float64(successes) / float64(size),
		AvgPerformanceImprovement: perf / float64(size),
		AvgMaintainabilityScore:   maint / float64(size),
		Confidence:                min(1, float64(size)/fullConfidenceSize),
		CommonCharacteristics: Characteristics{
			Keywords:        common(keywordCount, size, keywordShare),
			AppliedPatterns: common(patternCount, size, appliedPatternShare),
		},
	}
}

// common returns the keys present in at least share of size items, sorted.
func common(counts map[string]int, size int, share float64) []string {
	out := []string{}
	for k, n := range counts {
		if float64(n) >= share*float64(size) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// overallConfidence weights each cluster's confidence by size times
// success rate.
func overallConfidence(clusters []Cluster) float64 {
	var num, den float64
	for _, c := range clusters {
		w := float64(c.Size) * c.SuccessRate
		num += w * c.Confidence
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// columnStats returns per-column mean and standard deviation for every
// column except success, which is left unscaled.
func columnStats(rows [][]float64) (means, stds []float64) {
	means = make([]float64, numFeatures)
	stds = make([]float64, numFeatures)
	col := make([]float64, len(rows))
	for j := 0; j < colSuccess; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		means[j], stds[j] = stat.MeanStdDev(col, nil)
	}
	return means, stds
}

func standardize(row, means, stds []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		switch {
		case j == colSuccess:
			out[j] = v
		case stds[j] == 0 || stds[j] != stds[j]:
			out[j] = 0
		default:
			out[j] = (v - means[j]) / stds[j]
		}
	}
	return out
}
