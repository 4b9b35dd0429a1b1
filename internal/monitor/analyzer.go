package monitor

import (
	"fmt"
	"sort"

	"github.com/joestump/evolve-learn/internal/evolution"
)

const (
	successWindow = 5
	minErrorCount = 2
)

// Thresholds are the bottleneck limits. Times are in seconds.
type Thresholds struct {
	ExecutionTime float64 `json:"execution_time"`
	ErrorRate     float64 `json:"error_rate"`
	StepTypeAvg   float64 `json:"step_type_avg"`
}

// DefaultThresholds returns the stock bottleneck limits.
func DefaultThresholds() Thresholds {
	return Thresholds{ExecutionTime: 30, ErrorRate: 0.1, StepTypeAvg: 15}
}

// Bottleneck kinds.
const (
	BottleneckSlowStep      = "slow_step"
	BottleneckHighErrorRate = "high_error_rate"
	BottleneckSlowStepType  = "slow_step_type"
)

// Recommendation priorities, most urgent first.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var priorityRank = map[string]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}

// Bottleneck is one threshold violation.
type Bottleneck struct {
	Kind      string  `json:"kind"`
	Subject   string  `json:"subject"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Recommendation is a prioritized, human-readable suggestion.
type Recommendation struct {
	Priority string `json:"priority"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// SuccessRates breaks success down by step type and file.
type SuccessRates struct {
	Overall    float64            `json:"overall"`
	ByStepType map[string]float64 `json:"by_step_type"`
	ByFile     map[string]float64 `json:"by_file"`
}

// SessionPerformance is the output of AnalyzeSessionPerformance.
type SessionPerformance struct {
	StepCount          int              `json:"step_count"`
	SuccessRates       SuccessRates     `json:"success_rates"`
	ErrorFrequency     map[string]int   `json:"error_frequency"`
	Bottlenecks        []Bottleneck     `json:"bottlenecks"`
	ExecutionTimeTrend Trend            `json:"execution_time_trend"`
	SuccessRateTrend   Trend            `json:"success_rate_trend"`
	Recommendations    []Recommendation `json:"recommendations"`
}

// Analyzer derives bottlenecks and recommendations from a session's steps.
type Analyzer struct {
	Thresholds Thresholds
}

// NewAnalyzer returns an analyzer with the given thresholds.
func NewAnalyzer(th Thresholds) *Analyzer {
	return &Analyzer{Thresholds: th}
}

// AnalyzeSessionPerformance analyzes steps in start-time order. Every
// count is present even when there are too few steps for a trend.
func (a *Analyzer) AnalyzeSessionPerformance(steps []evolution.HistoryEntry) SessionPerformance {
	sorted := append([]evolution.HistoryEntry(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTime.Before(sorted[j].StartTime) })

	p := SessionPerformance{
		StepCount:      len(sorted),
		SuccessRates:   successRates(sorted),
		ErrorFrequency: errorFrequency(sorted),
		Bottlenecks:    a.bottlenecks(sorted),
	}

	exec := make([]float64, 0, len(sorted))
	outcomes := make([]float64, len(sorted))
	for i, e := range sorted {
		if e.Status != evolution.StepRunning {
			exec = append(exec, e.ExecutionTime)
		}
		if e.Success {
			outcomes[i] = 1
		}
	}
	p.ExecutionTimeTrend = FitTrend(exec)
	p.SuccessRateTrend = FitTrend(slidingMean(outcomes, successWindow))
	p.Recommendations = a.recommend(p)
	return p
}

func successRates(steps []evolution.HistoryEntry) SuccessRates {
	type tally struct{ ok, n int }
	byType, byFile := map[string]*tally{}, map[string]*tally{}
	var total tally
	add := func(m map[string]*tally, key string, ok bool) {
		t := m[key]
		if t == nil {
			t = &tally{}
			m[key] = t
		}
		t.n++
		if ok {
			t.ok++
		}
	}
	for _, e := range steps {
		total.n++
		if e.Success {
			total.ok++
		}
		add(byType, e.StepType, e.Success)
		if e.FilePath != "" {
			add(byFile, e.FilePath, e.Success)
		}
	}
	rate := func(t tally) float64 {
		if t.n == 0 {
			return 0
		}
		return float64(t.ok) / float64(t.n)
	}
	out := SuccessRates{Overall: rate(total), ByStepType: map[string]float64{}, ByFile: map[string]float64{}}
	for k, t := range byType {
		out.ByStepType[k] = rate(*t)
	}
	for k, t := range byFile {
		out.ByFile[k] = rate(*t)
	}
	return out
}

// errorFrequency counts error messages that occur at least twice.
func errorFrequency(steps []evolution.HistoryEntry) map[string]int {
	counts := map[string]int{}
	for _, e := range steps {
		for _, rec := range e.Errors {
			counts[rec.Message]++
		}
	}
	for msg, n := range counts {
		if n < minErrorCount {
			delete(counts, msg)
		}
	}
	return counts
}

func (a *Analyzer) bottlenecks(steps []evolution.HistoryEntry) []Bottleneck {
	out := []Bottleneck{}
	if len(steps) == 0 {
		return out
	}
	th := a.Thresholds

	var failed int
	typeSum, typeN := map[string]float64{}, map[string]int{}
	for _, e := range steps {
		if len(e.Errors) > 0 {
			failed++
		}
		if e.ExecutionTime > th.ExecutionTime {
			out = append(out, Bottleneck{Kind: BottleneckSlowStep, Subject: e.StepID, Value: e.ExecutionTime, Threshold: th.ExecutionTime})
		}
		if e.Status != evolution.StepRunning {
			typeSum[e.StepType] += e.ExecutionTime
			typeN[e.StepType]++
		}
	}
	if rate := float64(failed) / float64(len(steps)); rate > th.ErrorRate {
		out = append(out, Bottleneck{Kind: BottleneckHighErrorRate, Subject: "session", Value: rate, Threshold: th.ErrorRate})
	}
	types := make([]string, 0, len(typeN))
	for k := range typeN {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		if avg := typeSum[k] / float64(typeN[k]); avg > th.StepTypeAvg {
			out = append(out, Bottleneck{Kind: BottleneckSlowStepType, Subject: k, Value: avg, Threshold: th.StepTypeAvg})
		}
	}
	return out
}

func (a *Analyzer) recommend(p SessionPerformance) []Recommendation {
	out := []Recommendation{}
	slowSteps := 0
	for _, b := range p.Bottlenecks {
		switch b.Kind {
		case BottleneckHighErrorRate:
			out = append(out, Recommendation{
				Priority: PriorityHigh,
				Category: "error_handling",
				Message:  fmt.Sprintf("Error rate %.0f%% exceeds %.0f%%; review recurring failures before further attempts", b.Value*100, b.Threshold*100),
			})
		case BottleneckSlowStepType:
			out = append(out, Recommendation{
				Priority: PriorityMedium,
				Category: "performance",
				Message:  fmt.Sprintf("Step type %q averages %.1fs (limit %.0fs); split its work into smaller steps", b.Subject, b.Value, b.Threshold),
			})
		case BottleneckSlowStep:
			slowSteps++
		}
	}
	if slowSteps > 0 {
		out = append(out, Recommendation{
			Priority: PriorityMedium,
			Category: "performance",
			Message:  fmt.Sprintf("%d step(s) ran longer than %.0fs; consider narrowing their target scope", slowSteps, a.Thresholds.ExecutionTime),
		})
	}
	if len(p.ErrorFrequency) > 0 {
		out = append(out, Recommendation{
			Priority: PriorityMedium,
			Category: "error_handling",
			Message:  fmt.Sprintf("%d error message(s) recur; add handling for the most frequent ones", len(p.ErrorFrequency)),
		})
	}
	if p.SuccessRateTrend.Direction == TrendDecreasing {
		out = append(out, Recommendation{
			Priority: PriorityHigh,
			Category: "success_rate",
			Message:  "Success rate is declining across the session; revisit the strategies applied in recent steps",
		})
	}
	if p.ExecutionTimeTrend.Direction == TrendIncreasing {
		out = append(out, Recommendation{
			Priority: PriorityLow,
			Category: "performance",
			Message:  "Execution time is increasing across the session",
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return priorityRank[out[i].Priority] < priorityRank[out[j].Priority] })
	return out
}

// slidingMean returns the mean of each full window of size w.
func slidingMean(v []float64, w int) []float64 {
	if len(v) < w {
		return nil
	}
	out := make([]float64, 0, len(v)-w+1)
	var sum float64
	for i, x := range v {
		sum += x
		if i >= w {
			sum -= v[i-w]
		}
		if i >= w-1 {
			out = append(out, sum/float64(w))
		}
	}
	return out
}
