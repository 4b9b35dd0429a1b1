// Package report renders a session report as Markdown or HTML.
package report

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/learning"
)

// Source reads the stored records a report is built from.
type Source interface {
	GetSession(ctx context.Context, id string) (*db.Session, error)
	GetStepHistory(ctx context.Context, f db.HistoryFilter) ([]evolution.HistoryEntry, error)
}

// Summarizer produces the analyzed view of a session.
type Summarizer interface {
	SessionSummary(ctx context.Context, sessionID string) (learning.SessionSummary, error)
}

// Input is everything a report shows.
type Input struct {
	Session *db.Session
	Summary learning.SessionSummary
	Steps   []evolution.HistoryEntry // oldest first
}

// Load gathers the report input of one session.
func Load(ctx context.Context, src Source, sum Summarizer, sessionID string) (Input, error) {
	sess, err := src.GetSession(ctx, sessionID)
	if err != nil {
		return Input{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return Input{}, fmt.Errorf("%w: %s", evolution.ErrSessionNotFound, sessionID)
	}
	steps, err := src.GetStepHistory(ctx, db.HistoryFilter{SessionID: sessionID, Limit: -1})
	if err != nil {
		return Input{}, fmt.Errorf("load steps: %w", err)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StartTime.Before(steps[j].StartTime) })
	summary, err := sum.SessionSummary(ctx, sessionID)
	if err != nil {
		return Input{}, fmt.Errorf("load summary: %w", err)
	}
	return Input{Session: sess, Summary: summary, Steps: steps}, nil
}

// Markdown renders the report as GitHub-flavored Markdown.
func Markdown(in Input) string {
	var b strings.Builder
	s := in.Session
	perf := in.Summary.Performance

	fmt.Fprintf(&b, "# Evolution session %s\n\n", s.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", s.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", s.StartTime.UTC().Format(time.RFC3339))
	if s.EndTime != nil {
		fmt.Fprintf(&b, "- **Ended:** %s (%s)\n", s.EndTime.UTC().Format(time.RFC3339), s.EndTime.Sub(s.StartTime).Round(time.Second))
	}
	if len(s.TargetFiles) > 0 {
		fmt.Fprintf(&b, "- **Targets:** %s\n", strings.Join(codeList(s.TargetFiles), ", "))
	}
	fmt.Fprintf(&b, "- **Analysis:** %s (confidence %.2f)\n\n", in.Summary.Status, in.Summary.Confidence)

	b.WriteString("## Outcomes\n\n")
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Steps | %d |\n", perf.StepCount)
	if a := in.Summary.Analytics; a != nil {
		fmt.Fprintf(&b, "| Completed | %d |\n", a.CompletedSteps)
		fmt.Fprintf(&b, "| Successful | %d |\n", a.SuccessfulSteps)
		fmt.Fprintf(&b, "| Avg execution time | %.2fs |\n", a.AvgExecutionTime)
		fmt.Fprintf(&b, "| Max execution time | %.2fs |\n", a.MaxExecutionTime)
	}
	fmt.Fprintf(&b, "| Success rate | %.0f%% |\n", perf.SuccessRates.Overall*100)
	fmt.Fprintf(&b, "| Execution time trend | %s |\n", perf.ExecutionTimeTrend.Direction)
	fmt.Fprintf(&b, "| Success rate trend | %s |\n\n", perf.SuccessRateTrend.Direction)

	if len(perf.SuccessRates.ByStepType) > 0 {
		b.WriteString("### Success by step type\n\n| Step type | Rate |\n|---|---|\n")
		for _, k := range sortedKeys(perf.SuccessRates.ByStepType) {
			fmt.Fprintf(&b, "| %s | %.0f%% |\n", cell(k), perf.SuccessRates.ByStepType[k]*100)
		}
		b.WriteString("\n")
	}

	if len(perf.Bottlenecks) > 0 {
		b.WriteString("## Bottlenecks\n\n")
		for _, bn := range perf.Bottlenecks {
			fmt.Fprintf(&b, "- `%s` %s: %.2f (threshold %.2f)\n", bn.Kind, bn.Subject, bn.Value, bn.Threshold)
		}
		b.WriteString("\n")
	}

	if len(perf.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, r := range perf.Recommendations {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", r.Priority, r.Category, r.Message)
		}
		b.WriteString("\n")
	}

	if len(perf.ErrorFrequency) > 0 {
		b.WriteString("## Recurring errors\n\n| Message | Count |\n|---|---|\n")
		for _, msg := range sortedKeys(perf.ErrorFrequency) {
			fmt.Fprintf(&b, "| %s | %d |\n", cell(msg), perf.ErrorFrequency[msg])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Steps\n\n")
	if len(in.Steps) == 0 {
		b.WriteString("_No steps recorded._\n")
		return b.String()
	}
	b.WriteString("| Step | Type | File | Status | Time (s) | Score | Success |\n|---|---|---|---|---|---|---|\n")
	for _, e := range in.Steps {
		mark := "no"
		if e.Success {
			mark = "yes"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %.2f | %.3f | %s |\n",
			shortID(e.StepID), cell(e.StepType), cell(e.FilePath), e.Status, e.ExecutionTime, e.SuccessScore, mark)
	}
	return b.String()
}

// HTML renders the Markdown report to HTML with GFM tables.
func HTML(in Input) (string, error) {
	gm := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
		),
	)
	var buf bytes.Buffer
	if err := gm.Convert([]byte(Markdown(in)), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func codeList(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "`" + s + "`"
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
