package session

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/joestump/evolve-learn/internal/decision"
	"github.com/joestump/evolve-learn/internal/evolution"
)

const (
	sequenceLen       = 3
	minPatternRepeats = 2
)

// Trend values for execution time across a session.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

// StepPattern is a run of step types that repeats within a session.
type StepPattern struct {
	Sequence  []string `json:"sequence"`
	Frequency int      `json:"frequency"`
}

// PerformanceTrend compares average execution time between the first and
// second half of the session's closed steps.
type PerformanceTrend struct {
	Trend         string  `json:"trend"`
	FirstHalfAvg  float64 `json:"first_half_avg"`
	SecondHalfAvg float64 `json:"second_half_avg"`
	SampleSize    int     `json:"sample_size"`
}

// RecurringError is an error message seen repeatedly for one step type.
type RecurringError struct {
	StepType string `json:"step_type"`
	Message  string `json:"message"`
	Count    int    `json:"count"`
}

// PatternReport is the result of AnalyzePatterns.
type PatternReport struct {
	SessionID       string            `json:"session_id"`
	FilePath        string            `json:"file_path,omitempty"`
	StepCount       int               `json:"step_count"`
	StepPatterns    []StepPattern     `json:"step_patterns"`
	DecisionTree    decision.Analysis `json:"decision_tree"`
	Performance     PerformanceTrend  `json:"performance"`
	RecurringErrors []RecurringError  `json:"recurring_errors"`
}

// AnalyzePatterns summarizes a tracked session, optionally restricted to
// steps on one file.
func (t *Tracker) AnalyzePatterns(sessionID, filePath string) (PatternReport, error) {
	st, err := t.session(sessionID)
	if err != nil {
		return PatternReport{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	steps := make([]*Step, 0, len(st.order))
	for _, id := range st.order {
		s := st.steps[id]
		if filePath == "" || s.FilePath == filePath {
			steps = append(steps, s)
		}
	}
	return PatternReport{
		SessionID:       sessionID,
		FilePath:        filePath,
		StepCount:       len(steps),
		StepPatterns:    stepPatterns(steps),
		DecisionTree:    st.tree.Analyze(),
		Performance:     performanceTrend(steps),
		RecurringErrors: recurringErrors(steps),
	}, nil
}

func stepPatterns(steps []*Step) []StepPattern {
	counts := map[string]int{}
	var keys []string
	for i := 0; i+sequenceLen <= len(steps); i++ {
		seq := make([]string, sequenceLen)
		for j := range seq {
			seq[j] = steps[i+j].StepType
		}
		k := strings.Join(seq, "\x00")
		if counts[k] == 0 {
			keys = append(keys, k)
		}
		counts[k]++
	}
	out := []StepPattern{}
	for _, k := range keys {
		if counts[k] >= minPatternRepeats {
			out = append(out, StepPattern{Sequence: strings.Split(k, "\x00"), Frequency: counts[k]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	return out
}

func performanceTrend(steps []*Step) PerformanceTrend {
	var times []float64
	for _, s := range steps {
		if s.Status != evolution.StepRunning && s.ExecutionTime > 0 {
			times = append(times, s.ExecutionTime)
		}
	}
	pt := PerformanceTrend{Trend: evolution.StatusInsufficientData, SampleSize: len(times)}
	if len(times) < 2 {
		return pt
	}
	mid := len(times) / 2
	pt.FirstHalfAvg = stat.Mean(times[:mid], nil)
	pt.SecondHalfAvg = stat.Mean(times[mid:], nil)
	switch {
	case pt.SecondHalfAvg < pt.FirstHalfAvg:
		pt.Trend = TrendImproving
	case pt.SecondHalfAvg > pt.FirstHalfAvg:
		pt.Trend = TrendDegrading
	default:
		pt.Trend = TrendStable
	}
	return pt
}

func recurringErrors(steps []*Step) []RecurringError {
	type key struct{ stepType, msg string }
	counts := map[key]int{}
	for _, s := range steps {
		for _, e := range s.Errors {
			counts[key{s.StepType, e.Message}]++
		}
	}
	out := []RecurringError{}
	for k, n := range counts {
		if n >= minPatternRepeats {
			out = append(out, RecurringError{StepType: k.stepType, Message: k.msg, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].StepType != out[j].StepType {
			return out[i].StepType < out[j].StepType
		}
		return out[i].Message < out[j].Message
	})
	return out
}
