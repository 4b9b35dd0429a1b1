// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes the learning store as read-only typed tools over stdio JSON-RPC.
// Tools query step history, predict the success of a planned step, and
// report session performance and store statistics.
package mcpserver

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/joestump/evolve-learn/internal/config"
	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/learning"
)

// maxHistoryLimit caps how many history entries one call may return.
const maxHistoryLimit = 500

// Store is the read side of the persistent store used by the tools.
type Store interface {
	GetStepHistory(ctx context.Context, f db.HistoryFilter) ([]evolution.HistoryEntry, error)
	GetStats(ctx context.Context) (*db.Stats, error)
	ListPatternAnalyses(ctx context.Context, sessionID string, limit int) ([]db.PatternAnalysis, error)
}

// Learner provides predictions and session analysis.
type Learner interface {
	EnhanceContext(ctx context.Context, req learning.StepRequest) (learning.Enhancement, error)
	SessionSummary(ctx context.Context, sessionID string) (learning.SessionSummary, error)
}

// Server holds the MCP server state.
type Server struct {
	store   Store
	learner Learner
	logger  *slog.Logger
}

// NewServer creates an MCP server over the given store and learner.
func NewServer(store Store, learner Learner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, learner: learner, logger: logger}
}

// tools returns every tool the server registers.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: stepHistoryTool(), Handler: s.handleStepHistory},
		{Tool: predictSuccessTool(), Handler: s.handlePredictSuccess},
		{Tool: sessionPerformanceTool(), Handler: s.handleSessionPerformance},
		{Tool: patternAnalysesTool(), Handler: s.handlePatternAnalyses},
		{Tool: storeStatsTool(), Handler: s.handleStoreStats},
	}
}

// Run serves MCP over in/out. It blocks until ctx is cancelled or in is
// closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	mcpServer := server.NewMCPServer(
		"evolearn",
		config.Version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(s.tools()...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server listening on stdio", "tools", len(s.tools()))
	return stdio.Listen(ctx, in, out)
}
