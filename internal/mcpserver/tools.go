package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/learning"
)

// --- Tool Definitions ---

func stepHistoryTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"step_history",
		"List recorded evolution steps, newest first, with derived success and success score.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {
					"type": "string",
					"description": "Only steps targeting this file (optional)"
				},
				"session_id": {
					"type": "string",
					"description": "Only steps of this session (optional)"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of steps to return (default 100, max 500)"
				}
			}
		}`),
	)
}

func predictSuccessTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"predict_success",
		"Predict the performance improvement of a planned evolution step and suggest strategies that have worked before.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {
					"type": "string",
					"description": "File the step will modify"
				},
				"step_type": {
					"type": "string",
					"description": "Kind of step (e.g. optimize, refactor)"
				},
				"prompt": {
					"type": "string",
					"description": "Prompt the evolution engine will receive"
				},
				"context": {
					"type": "object",
					"description": "Step context with complexity_metrics, dependencies and language",
					"properties": {
						"complexity_metrics": {
							"type": "object",
							"properties": {
								"cyclomatic_complexity": {"type": "number"},
								"lines_of_code": {"type": "integer"},
								"function_count": {"type": "integer"}
							}
						},
						"dependencies": {
							"type": "array",
							"items": {"type": "string"}
						},
						"language": {"type": "string"}
					}
				}
			},
			"required": ["file_path"]
		}`),
	)
}

func sessionPerformanceTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"session_performance",
		"Analyze one session: success rates, bottlenecks, trends and recommendations.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session to analyze"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

func patternAnalysesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"pattern_analyses",
		"List stored pattern analyses, newest first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Only analyses of this session (optional)"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of analyses to return (default 10)"
				}
			}
		}`),
	)
}

func storeStatsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"store_stats",
		"Row counts per table and database size in bytes.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

// --- Tool Handlers ---

// stepHistoryArgs mirrors the JSON schema for step_history.
type stepHistoryArgs struct {
	FilePath  string `json:"file_path"`
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleStepHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args stepHistoryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Limit < 0 || args.Limit > maxHistoryLimit {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be between 0 and %d", maxHistoryLimit)), nil
	}

	entries, err := s.store.GetStepHistory(ctx, db.HistoryFilter{FilePath: args.FilePath, SessionID: args.SessionID, Limit: args.Limit})
	if err != nil {
		s.logger.Error("step_history failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("get step history: %v", err)), nil
	}
	return resultJSON(entries)
}

// predictArgs mirrors the JSON schema for predict_success.
type predictArgs struct {
	FilePath string                `json:"file_path"`
	StepType string                `json:"step_type"`
	Prompt   string                `json:"prompt"`
	Context  evolution.StepContext `json:"context"`
}

func (s *Server) handlePredictSuccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args predictArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.FilePath == "" {
		return mcp.NewToolResultError("file_path is required"), nil
	}
	if err := args.Context.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	enh, err := s.learner.EnhanceContext(ctx, learning.StepRequest{
		StepType: args.StepType,
		FilePath: args.FilePath,
		Prompt:   args.Prompt,
		Context:  args.Context,
	})
	if err != nil {
		s.logger.Error("predict_success failed", "file_path", args.FilePath, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("predict success: %v", err)), nil
	}
	return resultJSON(enh)
}

// sessionArgs is shared by tools keyed on a session.
type sessionArgs struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleSessionPerformance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sum, err := s.learner.SessionSummary(ctx, args.SessionID)
	if err != nil {
		s.logger.Error("session_performance failed", "session_id", args.SessionID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("session performance: %v", err)), nil
	}
	return resultJSON(sum)
}

// patternAnalysisResult flattens a stored analysis for JSON output.
type patternAnalysisResult struct {
	ID          int64           `json:"id"`
	SessionID   string          `json:"session_id,omitempty"`
	FilePath    string          `json:"file_path,omitempty"`
	PatternType string          `json:"pattern_type"`
	Confidence  float64         `json:"confidence"`
	Frequency   int             `json:"frequency"`
	SuccessRate float64         `json:"success_rate"`
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

func (s *Server) handlePatternAnalyses(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}

	list, err := s.store.ListPatternAnalyses(ctx, args.SessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list pattern analyses: %v", err)), nil
	}
	out := make([]patternAnalysisResult, len(list))
	for i, p := range list {
		out[i] = patternAnalysisResult{
			ID:          p.ID,
			SessionID:   p.SessionID,
			FilePath:    p.FilePath,
			PatternType: p.PatternType,
			Confidence:  p.Confidence,
			Frequency:   p.Frequency,
			SuccessRate: p.SuccessRate,
			Timestamp:   p.Timestamp.Format(time.RFC3339),
			Data:        p.PatternData,
		}
	}
	return resultJSON(out)
}

func (s *Server) handleStoreStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.store.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get stats: %v", err)), nil
	}
	return resultJSON(st)
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
