package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/monitor"
	"github.com/joestump/evolve-learn/internal/patterns"
	"github.com/joestump/evolve-learn/internal/session"
)

type harness struct {
	store   *db.DB
	tracker *session.Tracker
	system  *System
	session string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "learn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr := session.NewTracker(store)
	id, err := tr.StartSession(context.Background(), session.SessionConfig{TargetFiles: []string{"a.go", "b.go"}})
	require.NoError(t, err)

	opts = append([]Option{WithRecognizer(patterns.NewRecognizer(patterns.KMeans{Seed: 1}, nil))}, opts...)
	return &harness{store: store, tracker: tr, system: New(store, opts...), session: id}
}

// runStep records one completed step and returns its history entry.
func (h *harness) runStep(t *testing.T, file string, loc int, improvement float64, applied ...string) evolution.HistoryEntry {
	t.Helper()
	ctx := context.Background()
	stepID, err := h.tracker.StartStep(ctx, h.session, session.StepSpec{
		StepType: "optimize",
		FilePath: file,
		Prompt:   "optimize the hot loop",
		Context: evolution.StepContext{ComplexityMetrics: evolution.ComplexityMetrics{
			CyclomaticComplexity: float64(loc) / 20,
			LinesOfCode:          loc,
			FunctionCount:        loc / 25,
		}},
	})
	require.NoError(t, err)
	entry, err := h.tracker.CompleteStep(ctx, stepID, &evolution.Result{
		Success:          improvement > 0,
		EvolutionMetrics: &evolution.Metrics{PerformanceImprovement: improvement, MaintainabilityScore: 0.5},
		AppliedPatterns:  applied,
	}, 2*time.Second)
	require.NoError(t, err)
	return entry
}

func (h *harness) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			h.runStep(t, "a.go", 40+i, 0.6, "memoize")
		} else {
			h.runStep(t, "b.go", 800+i, -0.2, "inline")
		}
	}
}

func TestEnhanceContextUntrained(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 4)

	enh, err := h.system.EnhanceContext(context.Background(), StepRequest{
		SessionID: h.session,
		StepType:  "optimize",
		FilePath:  "a.go",
		Prompt:    "optimize cache usage",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, enh.Prediction.Prediction)
	assert.Zero(t, enh.Prediction.Confidence)
	assert.Nil(t, enh.Pattern)
	assert.Equal(t, 2, enh.HistorySize)
	assert.Equal(t, 1.0, enh.HistoricalSuccessRate)
	assert.Equal(t, []string{"optimize", "cache"}, enh.Keywords)
	assert.Empty(t, enh.RecommendedStrategies)

	st := h.system.Stats()
	assert.EqualValues(t, 1, st.Enhancements)
	assert.EqualValues(t, 1, st.Predictions)
}

func TestLearnStoresRecordAndAdaptsWeights(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := h.runStep(t, "a.go", 50, 0.9, "memoize")
	bad := h.runStep(t, "b.go", 900, -0.6, "unroll")

	require.NoError(t, h.system.Learn(ctx, good))
	require.NoError(t, h.system.Learn(ctx, bad))

	w := h.system.Algorithm().StrategyWeights()
	assert.Greater(t, w["memoize"], 0.0)
	assert.Less(t, w["unroll"], 0.0)
	assert.Equal(t, "memoize", h.system.Algorithm().TopStrategies(1)[0])

	stats, err := h.store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.LearningRecords)
	assert.EqualValues(t, 2, h.system.Stats().Learned)

	hist, err := h.store.GetStepHistory(ctx, db.HistoryFilter{FilePath: "a.go"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.InDelta(t, evolution.SuccessScore(good.Result), hist[0].SuccessScore, 1e-9)
}

func TestLearnRejectsRunningStep(t *testing.T) {
	h := newHarness(t)
	err := h.system.Learn(context.Background(), evolution.HistoryEntry{StepID: "x", Status: evolution.StepRunning})
	assert.ErrorIs(t, err, evolution.ErrStepClosed)
}

func TestLearnObservesWhenConfigured(t *testing.T) {
	m, err := monitor.New(nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ObserveOnLearn = true
	h := newHarness(t, WithMonitor(m), WithConfig(cfg))

	require.NoError(t, h.system.Learn(context.Background(), h.runStep(t, "a.go", 50, 0.3)))
	assert.Equal(t, 1, m.Stats().Observed)
}

func TestMaybeRetrainInsufficientData(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 3)
	ctx := context.Background()

	res, err := h.system.MaybeRetrain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, evolution.StatusInsufficientData, res.Training.Status)
	assert.Equal(t, 10, res.Training.RequiredSamples)
	assert.Equal(t, evolution.StatusInsufficientData, res.Patterns.Status)
	assert.Zero(t, res.AnalysisID)
	assert.False(t, h.system.Algorithm().Trained())

	for i := 0; i < 4; i++ {
		_, err := h.system.MaybeRetrain(ctx)
		require.NoError(t, err)
	}
	stored, err := h.store.ListPatternAnalyses(ctx, "", -1)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.EqualValues(t, 5, h.system.Stats().Retrains)
}

func TestMaybeRetrainTrainsThenSkips(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 14)
	ctx := context.Background()

	res, err := h.system.MaybeRetrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, evolution.StatusTrained, res.Training.Status)
	assert.Equal(t, 14, res.SampleSize)
	assert.Equal(t, evolution.StatusOK, res.Patterns.Status)
	assert.NotZero(t, res.AnalysisID)

	stored, err := h.store.ListPatternAnalyses(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	var decoded patterns.Analysis
	require.NoError(t, json.Unmarshal(stored[0].PatternData, &decoded))
	assert.Equal(t, len(res.Patterns.Patterns), len(decoded.Patterns))
	assert.InDelta(t, 0.5, stored[0].SuccessRate, 1e-9)

	again, err := h.system.MaybeRetrain(ctx)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	st := h.system.Stats()
	assert.EqualValues(t, 1, st.Retrains)
	assert.True(t, h.system.Algorithm().Trained())
	assert.False(t, st.LastRetrain.IsZero())

	enh, err := h.system.EnhanceContext(ctx, StepRequest{StepType: "optimize", FilePath: "a.go", Prompt: "optimize the hot loop"})
	require.NoError(t, err)
	require.NotNil(t, enh.Pattern)
	assert.NotEqual(t, 0.5, enh.Prediction.Prediction)
}

func TestRetrainConcurrentCallsShareWork(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 14)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.system.Retrain(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
	st := h.system.Stats()
	assert.GreaterOrEqual(t, st.Retrains, int64(1))
	assert.LessOrEqual(t, st.Retrains, int64(6))
}

func TestSessionSummary(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 5)

	sum, err := h.system.SessionSummary(context.Background(), h.session)
	require.NoError(t, err)
	assert.Equal(t, evolution.StatusOK, sum.Status)
	assert.Equal(t, 5, sum.Analytics.StepCount)
	assert.Equal(t, 3, sum.Analytics.SuccessfulSteps)
	assert.Equal(t, 5, sum.Performance.StepCount)
	assert.InDelta(t, 0.6, sum.Performance.SuccessRates.Overall, 1e-9)
	assert.InDelta(t, 0.5, sum.Confidence, 1e-9)

	empty, err := h.system.SessionSummary(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, evolution.StatusInsufficientData, empty.Status)
	assert.Zero(t, empty.Analytics.StepCount)
	assert.Zero(t, empty.Confidence)
}

func TestCleanupCountsRuns(t *testing.T) {
	h := newHarness(t)
	res, err := h.system.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Sessions)
	assert.EqualValues(t, 1, h.system.Stats().Cleanups)
}

func TestResetStatsIdempotent(t *testing.T) {
	m, err := monitor.New(nil)
	require.NoError(t, err)
	h := newHarness(t, WithMonitor(m))
	h.seed(t, 2)
	_, err = h.system.EnhanceContext(context.Background(), StepRequest{FilePath: "a.go"})
	require.NoError(t, err)
	m.Observe(h.runStep(t, "a.go", 10, 0.2))

	h.system.ResetStats()
	first := h.system.Stats()
	monFirst := m.Stats()
	h.system.ResetStats()

	assert.Equal(t, Stats{}, first)
	assert.Equal(t, first, h.system.Stats())
	assert.Zero(t, monFirst.Observed)
	assert.Equal(t, monFirst, m.Stats())
}

func TestResetStatsIdempotentAfterTraining(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 14)
	ctx := context.Background()
	res, err := h.system.Retrain(ctx)
	require.NoError(t, err)
	require.Equal(t, evolution.StatusTrained, res.Training.Status)
	_, err = h.system.EnhanceContext(ctx, StepRequest{FilePath: "a.go"})
	require.NoError(t, err)

	h.system.ResetStats()
	first := h.system.Stats()
	h.system.ResetStats()

	assert.Equal(t, Stats{}, first)
	assert.Equal(t, first, h.system.Stats())
	assert.True(t, h.system.Algorithm().Trained())
}

func TestSchedulerStartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.system.Start(ctx))
	assert.Error(t, h.system.Start(ctx))
	h.system.Stop()
	h.system.Stop()

	cfg := DefaultConfig()
	cfg.RetrainCheck = "not a schedule"
	bad := New(h.store, WithConfig(cfg))
	err := bad.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%q", cfg.RetrainCheck))
}
