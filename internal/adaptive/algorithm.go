// Package adaptive predicts the performance improvement of an evolution
// step before it runs and keeps smoothed per-strategy weights.
package adaptive

import (
	"log/slog"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/joestump/evolve-learn/internal/evolution"
)

const (
	// RequiredSamples is the smallest history Train will fit.
	RequiredSamples = 10

	DefaultAlpha           = 0.1
	DefaultRetrainInterval = time.Hour

	untrainedPrediction = 0.5
	fullConfidenceN     = 100
)

// FeatureNames labels the columns of Input.Vector.
var FeatureNames = []string{
	"cyclomatic_complexity",
	"lines_of_code",
	"function_count",
	"prompt_length",
	"dependency_count",
	"expected_execution_time",
	"historical_success_rate",
	"historical_avg_improvement",
	"pattern_confidence",
}

// Input is what is known about a step before it runs.
type Input struct {
	Context                  evolution.StepContext
	PromptLength             int
	ExpectedExecutionTime    float64
	HistoricalSuccessRate    float64
	HistoricalAvgImprovement float64
	PatternConfidence        float64
}

// Vector returns the model features in FeatureNames order.
func (in Input) Vector() []float64 {
	cm := in.Context.ComplexityMetrics
	return []float64{
		cm.CyclomaticComplexity,
		float64(cm.LinesOfCode),
		float64(cm.FunctionCount),
		float64(in.PromptLength),
		float64(len(in.Context.Dependencies)),
		in.ExpectedExecutionTime,
		in.HistoricalSuccessRate,
		in.HistoricalAvgImprovement,
		in.PatternConfidence,
	}
}

// NewInput derives an Input from the step's context and the earlier
// history of the same file. Pattern confidence grows with the number of
// earlier observations.
func NewInput(ctx evolution.StepContext, prompt string, prior []evolution.HistoryEntry) Input {
	in := Input{Context: ctx, PromptLength: len(prompt)}
	if len(prior) == 0 {
		return in
	}
	var successes int
	var improvement, exec float64
	for _, e := range prior {
		if e.Success {
			successes++
		}
		improvement += e.Result.PerformanceImprovement()
		exec += e.ExecutionTime
	}
	n := float64(len(prior))
	in.HistoricalSuccessRate = float64(successes) / n
	in.HistoricalAvgImprovement = improvement / n
	in.ExpectedExecutionTime = exec / n
	in.PatternConfidence = math.Min(1, n/10)
	return in
}

// TrainResult reports the outcome of Train.
type TrainResult struct {
	Status             string             `json:"status"`
	RequiredSamples    int                `json:"required_samples,omitempty"`
	SampleSize         int                `json:"sample_size"`
	Score              float64            `json:"score"`
	FeatureImportances map[string]float64 `json:"feature_importances,omitempty"`
	Error              string             `json:"error,omitempty"`
}

// Prediction is the output of Predict.
type Prediction struct {
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// Algorithm owns the trained predictor and the strategy weights. It is
// safe for concurrent use.
type Algorithm struct {
	newPredictor func() Predictor
	alpha        float64
	interval     time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu          sync.RWMutex
	predictor   Predictor
	trainedAt   time.Time
	samples     int
	score       float64
	importances map[string]float64
	weights     map[string]float64
}

// Option configures an Algorithm.
type Option func(*Algorithm)

// WithPredictor sets the model constructor used on each Train.
func WithPredictor(f func() Predictor) Option { return func(a *Algorithm) { a.newPredictor = f } }

// WithAlpha sets the strategy weight smoothing factor.
func WithAlpha(alpha float64) Option { return func(a *Algorithm) { a.alpha = alpha } }

// WithRetrainInterval sets how long a trained model stays fresh.
func WithRetrainInterval(d time.Duration) Option { return func(a *Algorithm) { a.interval = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Algorithm) { a.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Algorithm) { a.logger = l } }

// New returns an untrained Algorithm.
func New(opts ...Option) *Algorithm {
	a := &Algorithm{
		newPredictor: func() Predictor { return NewGradientBoosting() },
		alpha:        DefaultAlpha,
		interval:     DefaultRetrainInterval,
		now:          time.Now,
		logger:       slog.Default(),
		weights:      map[string]float64{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Samples builds training rows from history. Each entry's historical
// features come only from earlier entries on the same file.
func Samples(history []evolution.HistoryEntry) (x [][]float64, y []float64) {
	sorted := append([]evolution.HistoryEntry(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTime.Before(sorted[j].StartTime) })

	byFile := map[string][]evolution.HistoryEntry{}
	for _, e := range sorted {
		prior := byFile[e.FilePath]
		x = append(x, NewInput(e.Context, e.Prompt, prior).Vector())
		y = append(y, e.Result.PerformanceImprovement())
		byFile[e.FilePath] = append(prior, e)
	}
	return x, y
}

// Train fits a fresh predictor on history. Fewer than RequiredSamples
// entries leaves any previous model in place and reports insufficient_data.
func (a *Algorithm) Train(history []evolution.HistoryEntry) TrainResult {
	n := len(history)
	if n < RequiredSamples {
		return TrainResult{Status: evolution.StatusInsufficientData, RequiredSamples: RequiredSamples, SampleSize: n}
	}

	x, y := Samples(history)
	p := a.newPredictor()
	if err := p.Fit(x, y); err != nil {
		a.logger.Warn("predictor training failed", "samples", n, "error", err)
		return TrainResult{Status: evolution.StatusDegraded, SampleSize: n, Error: err.Error()}
	}

	est := make([]float64, n)
	for i, row := range x {
		est[i] = p.Predict(row)
	}
	score := stat.RSquaredFrom(est, y, nil)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	imp := map[string]float64{}
	for i, v := range p.FeatureImportances() {
		if i < len(FeatureNames) {
			imp[FeatureNames[i]] = v
		}
	}

	a.mu.Lock()
	a.predictor = p
	a.trainedAt = a.now()
	a.samples = n
	a.score = score
	a.importances = imp
	a.mu.Unlock()

	a.logger.Info("predictor trained", "samples", n, "r2", score)
	return TrainResult{Status: evolution.StatusTrained, SampleSize: n, Score: score, FeatureImportances: imp}
}

// Predict estimates the performance improvement of a step, clamped to
// [0, 1]. Confidence scales with training size and in-sample fit.
func (a *Algorithm) Predict(in Input) Prediction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.predictor == nil {
		return Prediction{Prediction: untrainedPrediction}
	}
	v := a.predictor.Predict(in.Vector())
	if math.IsNaN(v) {
		v = 0
	}
	return Prediction{
		Prediction: math.Max(0, math.Min(1, v)),
		Confidence: math.Min(1, float64(a.samples)/fullConfidenceN) * math.Max(0, a.score),
	}
}

// Trained reports whether a model is available.
func (a *Algorithm) Trained() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.predictor != nil
}

// FeatureImportances returns the importances of the current model.
func (a *Algorithm) FeatureImportances() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.importances))
	for k, v := range a.importances {
		out[k] = v
	}
	return out
}

// ShouldRetrain reports whether the model is missing or older than the
// retrain interval.
func (a *Algorithm) ShouldRetrain(now time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.predictor == nil || now.Sub(a.trainedAt) >= a.interval
}

// AdaptStrategyWeights folds the mean success score of each applied
// pattern in recent into its weight by exponential moving average, then
// L1-normalizes the stored weights and returns a copy of them.
func (a *Algorithm) AdaptStrategyWeights(recent []evolution.HistoryEntry) map[string]float64 {
	sum := map[string]float64{}
	count := map[string]int{}
	for _, e := range recent {
		for _, p := range e.AppliedPatterns() {
			sum[p] += e.SuccessScore
			count[p]++
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for p, s := range sum {
		mean := s / float64(count[p])
		a.weights[p] = (1-a.alpha)*a.weights[p] + a.alpha*mean
	}
	a.weights = normalized(a.weights)
	return maps.Clone(a.weights)
}

// StrategyWeights returns a copy of the current weights.
func (a *Algorithm) StrategyWeights() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.weights)
}

// TopStrategies returns up to n strategies by descending weight.
func (a *Algorithm) TopStrategies(n int) []string {
	w := a.StrategyWeights()
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if w[names[i]] != w[names[j]] {
			return w[names[i]] > w[names[j]]
		}
		return names[i] < names[j]
	})
	if n >= 0 && len(names) > n {
		names = names[:n]
	}
	return names
}

func normalized(w map[string]float64) map[string]float64 {
	var total float64
	for _, v := range w {
		total += math.Abs(v)
	}
	out := make(map[string]float64, len(w))
	for k, v := range w {
		if total > 0 {
			out[k] = v / total
		} else {
			out[k] = 0
		}
	}
	return out
}
