package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joestump/evolve-learn/internal/evolution"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func step(i int, stepType, file string, exec float64, success bool, errs ...string) evolution.HistoryEntry {
	e := evolution.HistoryEntry{
		StepID:        fmt.Sprintf("step-%d", i),
		StepType:      stepType,
		FilePath:      file,
		Status:        evolution.StepCompleted,
		StartTime:     t0.Add(time.Duration(i) * time.Minute),
		ExecutionTime: exec,
		Success:       success,
	}
	for _, msg := range errs {
		e.Errors = append(e.Errors, evolution.ErrorRecord{StepID: e.StepID, ErrorType: evolution.ErrorTypeExecution, Message: msg})
		e.Status = evolution.StepError
	}
	return e
}

func TestSuccessRatesThreeOfFive(t *testing.T) {
	steps := []evolution.HistoryEntry{
		step(0, "optimize", "a.go", 1, true),
		step(1, "optimize", "a.go", 1, true),
		step(2, "refactor", "b.go", 1, true),
		step(3, "refactor", "b.go", 1, false),
		step(4, "refactor", "a.go", 1, false),
	}
	p := NewAnalyzer(DefaultThresholds()).AnalyzeSessionPerformance(steps)
	assert.Equal(t, 5, p.StepCount)
	assert.InDelta(t, 0.6, p.SuccessRates.Overall, 1e-12)
	assert.InDelta(t, 1.0, p.SuccessRates.ByStepType["optimize"], 1e-12)
	assert.InDelta(t, 1.0/3, p.SuccessRates.ByStepType["refactor"], 1e-12)
	assert.InDelta(t, 2.0/3, p.SuccessRates.ByFile["a.go"], 1e-12)
	assert.InDelta(t, 0.5, p.SuccessRates.ByFile["b.go"], 1e-12)
	assert.Empty(t, p.Bottlenecks)
	assert.Equal(t, evolution.StatusInsufficientData, p.SuccessRateTrend.Direction)
	assert.Equal(t, TrendStable, p.ExecutionTimeTrend.Direction)
}

func TestBottlenecksAndRecommendations(t *testing.T) {
	steps := []evolution.HistoryEntry{
		step(0, "optimize", "a.go", 45, true),
		step(1, "optimize", "a.go", 2, false, "timeout"),
		step(2, "lint", "a.go", 1, true),
		step(3, "lint", "b.go", 1, false, "timeout"),
		step(4, "optimize", "b.go", 20, true, "syntax error"),
	}
	p := NewAnalyzer(DefaultThresholds()).AnalyzeSessionPerformance(steps)

	assert.Equal(t, map[string]int{"timeout": 2}, p.ErrorFrequency)

	kinds := map[string]Bottleneck{}
	for _, b := range p.Bottlenecks {
		kinds[b.Kind] = b
	}
	require.Contains(t, kinds, BottleneckSlowStep)
	assert.Equal(t, "step-0", kinds[BottleneckSlowStep].Subject)
	require.Contains(t, kinds, BottleneckHighErrorRate)
	assert.InDelta(t, 0.6, kinds[BottleneckHighErrorRate].Value, 1e-12)
	require.Contains(t, kinds, BottleneckSlowStepType)
	assert.Equal(t, "optimize", kinds[BottleneckSlowStepType].Subject)
	assert.InDelta(t, 67.0/3, kinds[BottleneckSlowStepType].Value, 1e-12)

	require.NotEmpty(t, p.Recommendations)
	assert.Equal(t, PriorityHigh, p.Recommendations[0].Priority)
	assert.Equal(t, "error_handling", p.Recommendations[0].Category)
	for i := 1; i < len(p.Recommendations); i++ {
		assert.LessOrEqual(t, priorityRank[p.Recommendations[i-1].Priority], priorityRank[p.Recommendations[i].Priority])
	}
}

func TestConfigurableThresholds(t *testing.T) {
	steps := []evolution.HistoryEntry{step(0, "optimize", "a.go", 5, true)}
	assert.Empty(t, NewAnalyzer(DefaultThresholds()).AnalyzeSessionPerformance(steps).Bottlenecks)

	p := NewAnalyzer(Thresholds{ExecutionTime: 4, ErrorRate: 0.1, StepTypeAvg: 4}).AnalyzeSessionPerformance(steps)
	assert.Len(t, p.Bottlenecks, 2)
}

func TestDecliningSuccessRate(t *testing.T) {
	var steps []evolution.HistoryEntry
	for i := 0; i < 12; i++ {
		steps = append(steps, step(i, "optimize", "a.go", 1, i < 6))
	}
	p := NewAnalyzer(DefaultThresholds()).AnalyzeSessionPerformance(steps)
	assert.Equal(t, TrendDecreasing, p.SuccessRateTrend.Direction)
	assert.Equal(t, 8, p.SuccessRateTrend.Points)

	var found bool
	for _, r := range p.Recommendations {
		if r.Category == "success_rate" {
			found = true
			assert.Equal(t, PriorityHigh, r.Priority)
		}
	}
	assert.True(t, found)
}

func TestAnalyzeEmptySession(t *testing.T) {
	p := NewAnalyzer(DefaultThresholds()).AnalyzeSessionPerformance(nil)
	assert.Zero(t, p.StepCount)
	assert.Zero(t, p.SuccessRates.Overall)
	assert.NotNil(t, p.Bottlenecks)
	assert.NotNil(t, p.Recommendations)
	assert.Empty(t, p.ErrorFrequency)
}

func TestSlidingMean(t *testing.T) {
	assert.Nil(t, slidingMean([]float64{1, 1}, 5))
	assert.Equal(t, []float64{0.6, 0.4}, slidingMean([]float64{1, 1, 1, 0, 0, 0}, 5))
}
