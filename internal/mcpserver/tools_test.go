package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/evolve-learn/internal/adaptive"
	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/learning"
)

// --- Mocks ---

type mockStore struct {
	historyCalled bool
	lastFilter    db.HistoryFilter

	history    []evolution.HistoryEntry
	historyErr error
	stats      *db.Stats
	analyses   []db.PatternAnalysis
}

func (m *mockStore) GetStepHistory(_ context.Context, f db.HistoryFilter) ([]evolution.HistoryEntry, error) {
	m.historyCalled = true
	m.lastFilter = f
	return m.history, m.historyErr
}

func (m *mockStore) GetStats(context.Context) (*db.Stats, error) { return m.stats, nil }

func (m *mockStore) ListPatternAnalyses(_ context.Context, _ string, limit int) ([]db.PatternAnalysis, error) {
	if limit < len(m.analyses) {
		return m.analyses[:limit], nil
	}
	return m.analyses, nil
}

type mockLearner struct {
	enhanceCalled bool
	lastRequest   learning.StepRequest

	enhancement learning.Enhancement
	summaryErr  error
}

func (m *mockLearner) EnhanceContext(_ context.Context, req learning.StepRequest) (learning.Enhancement, error) {
	m.enhanceCalled = true
	m.lastRequest = req
	return m.enhancement, nil
}

func (m *mockLearner) SessionSummary(_ context.Context, id string) (learning.SessionSummary, error) {
	if m.summaryErr != nil {
		return learning.SessionSummary{}, m.summaryErr
	}
	return learning.SessionSummary{SessionID: id, Status: evolution.StatusOK, Confidence: 0.4}, nil
}

// --- Helpers ---

func makeRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content is %T, not TextContent", result.Content[0])
	}
	return tc.Text
}

// --- Tests ---

func TestToolsRegistered(t *testing.T) {
	s := NewServer(&mockStore{}, &mockLearner{}, nil)
	want := map[string]bool{
		"step_history": true, "predict_success": true, "session_performance": true,
		"pattern_analyses": true, "store_stats": true,
	}
	tools := s.tools()
	if len(tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(tools))
	}
	for _, tool := range tools {
		if !want[tool.Tool.Name] {
			t.Errorf("unexpected tool %q", tool.Tool.Name)
		}
	}
}

func TestStepHistory_Success(t *testing.T) {
	store := &mockStore{history: []evolution.HistoryEntry{
		{StepID: "s1", StepType: "optimize", FilePath: "a.go", Status: evolution.StepCompleted, Success: true, SuccessScore: 0.4,
			StartTime: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}}
	s := NewServer(store, &mockLearner{}, nil)

	result, err := s.handleStepHistory(context.Background(), makeRequest("step_history", map[string]any{
		"file_path": "a.go",
		"limit":     5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	if store.lastFilter.FilePath != "a.go" || store.lastFilter.Limit != 5 {
		t.Errorf("filter = %+v, want file a.go limit 5", store.lastFilter)
	}

	var entries []evolution.HistoryEntry
	if err := json.Unmarshal([]byte(resultText(t, result)), &entries); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(entries) != 1 || entries[0].StepID != "s1" || !entries[0].Success {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStepHistory_LimitRejected(t *testing.T) {
	store := &mockStore{}
	s := NewServer(store, &mockLearner{}, nil)

	result, err := s.handleStepHistory(context.Background(), makeRequest("step_history", map[string]any{"limit": 501}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error for limit above maximum")
	}
	if store.historyCalled {
		t.Error("expected store not to be called")
	}
}

func TestStepHistory_StoreError(t *testing.T) {
	store := &mockStore{historyErr: &db.StorageError{Op: "get step history", Err: errors.New("database is locked")}}
	s := NewServer(store, &mockLearner{}, nil)

	result, err := s.handleStepHistory(context.Background(), makeRequest("step_history", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if text := resultText(t, result); !strings.Contains(text, "database is locked") {
		t.Errorf("expected storage error message, got: %s", text)
	}
}

func TestPredictSuccess_Success(t *testing.T) {
	learner := &mockLearner{enhancement: learning.Enhancement{
		Prediction:            adaptive.Prediction{Prediction: 0.7, Confidence: 0.3},
		RecommendedStrategies: []string{"memoize"},
		HistorySize:           12,
	}}
	s := NewServer(&mockStore{}, learner, nil)

	result, err := s.handlePredictSuccess(context.Background(), makeRequest("predict_success", map[string]any{
		"file_path": "a.go",
		"step_type": "optimize",
		"prompt":    "optimize the parser",
		"context": map[string]any{
			"complexity_metrics": map[string]any{"cyclomatic_complexity": 4.5, "lines_of_code": 120, "function_count": 6},
			"dependencies":       []any{"strings"},
		},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	if !learner.enhanceCalled {
		t.Fatal("expected EnhanceContext to be called")
	}
	got := learner.lastRequest
	if got.Context.ComplexityMetrics.LinesOfCode != 120 || len(got.Context.Dependencies) != 1 || got.Prompt != "optimize the parser" {
		t.Errorf("request = %+v", got)
	}

	var enh learning.Enhancement
	if err := json.Unmarshal([]byte(resultText(t, result)), &enh); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if enh.Prediction.Prediction != 0.7 || enh.HistorySize != 12 {
		t.Errorf("enhancement = %+v", enh)
	}
}

func TestPredictSuccess_MissingFile(t *testing.T) {
	learner := &mockLearner{}
	s := NewServer(&mockStore{}, learner, nil)

	result, err := s.handlePredictSuccess(context.Background(), makeRequest("predict_success", map[string]any{"prompt": "x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "file_path") {
		t.Fatal("expected file_path error")
	}
	if learner.enhanceCalled {
		t.Error("expected no prediction without file_path")
	}
}

func TestPredictSuccess_InvalidContext(t *testing.T) {
	learner := &mockLearner{}
	s := NewServer(&mockStore{}, learner, nil)

	result, err := s.handlePredictSuccess(context.Background(), makeRequest("predict_success", map[string]any{
		"file_path": "a.go",
		"context":   map[string]any{"complexity_metrics": map[string]any{"lines_of_code": -3}},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "lines_of_code") {
		t.Fatalf("expected feature extraction error, got: %s", resultText(t, result))
	}
}

func TestSessionPerformance(t *testing.T) {
	s := NewServer(&mockStore{}, &mockLearner{}, nil)

	result, err := s.handleSessionPerformance(context.Background(), makeRequest("session_performance", map[string]any{"session_id": "sess-1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sum learning.SessionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &sum); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if sum.SessionID != "sess-1" || sum.Status != evolution.StatusOK {
		t.Errorf("summary = %+v", sum)
	}

	result, err = s.handleSessionPerformance(context.Background(), makeRequest("session_performance", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error without session_id")
	}
}

func TestSessionPerformance_Error(t *testing.T) {
	s := NewServer(&mockStore{}, &mockLearner{summaryErr: errors.New("boom")}, nil)

	result, err := s.handleSessionPerformance(context.Background(), makeRequest("session_performance", map[string]any{"session_id": "x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "boom") {
		t.Fatal("expected summary error to be surfaced")
	}
}

func TestPatternAnalyses_DefaultLimit(t *testing.T) {
	store := &mockStore{}
	for i := 0; i < 15; i++ {
		store.analyses = append(store.analyses, db.PatternAnalysis{
			ID: int64(i + 1), PatternType: "success_clusters", PatternData: json.RawMessage(`{"status":"ok"}`),
			Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		})
	}
	s := NewServer(store, &mockLearner{}, nil)

	result, err := s.handlePatternAnalyses(context.Background(), makeRequest("pattern_analyses", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []patternAnalysisResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("expected 10 analyses, got %d", len(out))
	}
	if out[0].Timestamp != "2026-05-01T09:00:00Z" || string(out[0].Data) != `{"status":"ok"}` {
		t.Errorf("first analysis = %+v", out[0])
	}
}

func TestStoreStats(t *testing.T) {
	s := NewServer(&mockStore{stats: &db.Stats{Sessions: 2, Steps: 9, StorageBytes: 4096}}, &mockLearner{}, nil)

	result, err := s.handleStoreStats(context.Background(), makeRequest("store_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st db.Stats
	if err := json.Unmarshal([]byte(resultText(t, result)), &st); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if st.Sessions != 2 || st.Steps != 9 || st.StorageBytes != 4096 {
		t.Errorf("stats = %+v", st)
	}
}
