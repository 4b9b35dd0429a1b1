// Package evolution holds the domain types shared by the tracker, the
// store, and the analysis packages: step and session status values, the
// typed step context and evolution result, history entries, and the error
// taxonomy.
package evolution

import (
	"fmt"
	"math"
	"time"
)

// StepStatus is the lifecycle state of a single evolution step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
	StepCancelled StepStatus = "cancelled"
)

// Open reports whether a step in this state still accepts metrics,
// decisions, and error records. Errored steps stay open so late
// diagnostics can be attached.
func (s StepStatus) Open() bool {
	return s == StepRunning || s == StepError
}

// SessionStatus is the lifecycle state of an evolution session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Status values returned by analyses that degrade instead of failing.
const (
	StatusOK               = "ok"
	StatusTrained          = "trained"
	StatusInsufficientData = "insufficient_data"
	StatusDegraded         = "degraded"
)

// ComplexityMetrics describes the code targeted by a step, as measured
// before the change.
type ComplexityMetrics struct {
	CyclomaticComplexity float64 `json:"cyclomatic_complexity"`
	LinesOfCode          int     `json:"lines_of_code"`
	FunctionCount        int     `json:"function_count"`
}

// StepContext is the fixed-schema context attached to a step.
type StepContext struct {
	ComplexityMetrics ComplexityMetrics `json:"complexity_metrics"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	Language          string            `json:"language,omitempty"`
	Attributes        map[string]any    `json:"attributes,omitempty"`
}

// Validate rejects contexts that would poison feature extraction.
func (c StepContext) Validate() error {
	m := c.ComplexityMetrics
	if !finite(m.CyclomaticComplexity) || m.CyclomaticComplexity < 0 {
		return &FeatureExtractionError{Field: "complexity_metrics.cyclomatic_complexity", Err: errNotFiniteOrNegative}
	}
	if m.LinesOfCode < 0 {
		return &FeatureExtractionError{Field: "complexity_metrics.lines_of_code", Err: errNotFiniteOrNegative}
	}
	if m.FunctionCount < 0 {
		return &FeatureExtractionError{Field: "complexity_metrics.function_count", Err: errNotFiniteOrNegative}
	}
	return nil
}

// Sanitized returns a copy with invalid complexity values reset to 0.
func (c StepContext) Sanitized() StepContext {
	out := c
	m := &out.ComplexityMetrics
	if !finite(m.CyclomaticComplexity) || m.CyclomaticComplexity < 0 {
		m.CyclomaticComplexity = 0
	}
	m.LinesOfCode = max(m.LinesOfCode, 0)
	m.FunctionCount = max(m.FunctionCount, 0)
	return out
}

// Metrics is the evolution_metrics block supplied by the evolution engine.
// The JSON names are part of the collaborator contract.
type Metrics struct {
	PerformanceImprovement float64 `json:"performance_improvement"`
	MaintainabilityScore   float64 `json:"maintainability_score"`
	ComplexityImprovement  float64 `json:"complexity_improvement"`
}

// Result is the outcome payload of a step as reported by the evolution
// engine.
type Result struct {
	Success          bool           `json:"success"`
	EvolutionMetrics *Metrics       `json:"evolution_metrics,omitempty"`
	AppliedPatterns  []string       `json:"applied_patterns,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
}

// Validate checks the result at the boundary from the evolution engine.
func (r Result) Validate() error {
	if r.EvolutionMetrics == nil {
		return nil
	}
	m := r.EvolutionMetrics
	fields := map[string]float64{
		"evolution_metrics.performance_improvement": m.PerformanceImprovement,
		"evolution_metrics.maintainability_score":   m.MaintainabilityScore,
		"evolution_metrics.complexity_improvement":  m.ComplexityImprovement,
	}
	for name, v := range fields {
		if !finite(v) {
			return &FeatureExtractionError{Field: name, Err: errNotFinite}
		}
	}
	for i, p := range r.AppliedPatterns {
		if p == "" {
			return &FeatureExtractionError{Field: fmt.Sprintf("applied_patterns[%d]", i), Err: errEmptyPattern}
		}
	}
	return nil
}

// Sanitized returns a copy with non-finite metrics zeroed and empty
// pattern names dropped, so a malformed result can still be persisted.
func (r Result) Sanitized() Result {
	out := r
	if r.EvolutionMetrics != nil {
		m := *r.EvolutionMetrics
		for _, v := range []*float64{&m.PerformanceImprovement, &m.MaintainabilityScore, &m.ComplexityImprovement} {
			if !finite(*v) {
				*v = 0
			}
		}
		out.EvolutionMetrics = &m
	}
	if len(r.AppliedPatterns) > 0 {
		out.AppliedPatterns = make([]string, 0, len(r.AppliedPatterns))
		for _, p := range r.AppliedPatterns {
			if p != "" {
				out.AppliedPatterns = append(out.AppliedPatterns, p)
			}
		}
	}
	return out
}

// PerformanceImprovement returns the reported improvement, or 0.
func (r *Result) PerformanceImprovement() float64 {
	if r == nil || r.EvolutionMetrics == nil {
		return 0
	}
	return r.EvolutionMetrics.PerformanceImprovement
}

// MaintainabilityScore returns the reported maintainability score, or 0.
func (r *Result) MaintainabilityScore() float64 {
	if r == nil || r.EvolutionMetrics == nil {
		return 0
	}
	return r.EvolutionMetrics.MaintainabilityScore
}

// Outcome converts the result into the generic outcome value stored on a
// decision node.
func (r Result) Outcome() map[string]any {
	return map[string]any{
		"success":     r.Success,
		"improvement": r.PerformanceImprovement(),
	}
}

// SuccessScore is the mean of the improvement metrics, each clamped to
// [-1, 1]. A result without evolution metrics scores 0.
func SuccessScore(r *Result) float64 {
	if r == nil || r.EvolutionMetrics == nil {
		return 0
	}
	m := r.EvolutionMetrics
	vals := []float64{m.PerformanceImprovement, m.MaintainabilityScore, m.ComplexityImprovement}
	sum := 0.0
	for _, v := range vals {
		sum += clamp(v, -1, 1)
	}
	return sum / float64(len(vals))
}

// DeriveSuccess is the single definition of step success used across the
// store and the analyzers.
func DeriveSuccess(status StepStatus, errorCount int, successScore float64) bool {
	return status == StepCompleted && errorCount == 0 && successScore > 0
}

// ErrorRecord is one error attached to a step. Append-only.
type ErrorRecord struct {
	StepID    string         `json:"step_id"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Error types recorded on steps.
const (
	ErrorTypeExecution         = "execution_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeFeatureExtraction = "feature_extraction"
)

// HistoryEntry is the read model of a step joined with its learning data.
// The store produces it; the analysis packages consume it.
type HistoryEntry struct {
	StepID        string             `json:"step_id"`
	SessionID     string             `json:"session_id"`
	StepType      string             `json:"step_type"`
	FilePath      string             `json:"file_path,omitempty"`
	Prompt        string             `json:"prompt,omitempty"`
	Context       StepContext        `json:"context"`
	Result        *Result            `json:"result,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Errors        []ErrorRecord      `json:"errors,omitempty"`
	Status        StepStatus         `json:"status"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       *time.Time         `json:"end_time,omitempty"`
	ExecutionTime float64            `json:"execution_time"`
	SuccessScore  float64            `json:"success_score"`
	Success       bool               `json:"success"`
}

// AppliedPatterns returns the patterns applied by the step, if any.
func (h HistoryEntry) AppliedPatterns() []string {
	if h.Result == nil {
		return nil
	}
	return h.Result.AppliedPatterns
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
