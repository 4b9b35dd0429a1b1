package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joestump/evolve-learn/internal/config"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/mcpserver"
	"github.com/joestump/evolve-learn/internal/report"
)

func (a *app) statsCmd() *cobra.Command {
	var sessions int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show row counts, database size and recent sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			st, err := e.db.GetStats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("evolearn %s\n", config.Version)
			fmt.Printf("  Database: %s (%d bytes)\n", e.cfg.DBPath, st.StorageBytes)
			fmt.Printf("  Sessions: %d\n", st.Sessions)
			fmt.Printf("  Steps: %d\n", st.Steps)
			fmt.Printf("  Decisions: %d\n", st.Decisions)
			fmt.Printf("  Metric samples: %d\n", st.MetricSamples)
			fmt.Printf("  Learning records: %d\n", st.LearningRecords)
			fmt.Printf("  Pattern analyses: %d\n", st.PatternAnalyses)
			fmt.Printf("  Errors: %d\n", st.Errors)

			recent, err := e.db.ListSessions(ctx, sessions)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				return nil
			}
			fmt.Println()
			fmt.Println("Recent sessions:")
			for _, s := range recent {
				fmt.Printf("  %s  %-9s  %s  %d target(s)\n",
					s.ID, s.Status, s.StartTime.Format("2006-01-02 15:04:05"), len(s.TargetFiles))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 10, "number of recent sessions to list")
	return cmd
}

func (a *app) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed sessions older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("days") {
				days = e.cfg.RetentionDays
			}
			res, err := e.db.CleanupOlderThan(ctx, days)
			if err != nil {
				return err
			}
			fmt.Printf("Removed data older than %d day(s):\n", days)
			fmt.Printf("  Sessions: %d\n", res.Sessions)
			fmt.Printf("  Steps: %d\n", res.Steps)
			fmt.Printf("  Decisions: %d\n", res.Decisions)
			fmt.Printf("  Metric samples: %d\n", res.MetricSamples)
			fmt.Printf("  Learning records: %d\n", res.LearningRecords)
			fmt.Printf("  Errors: %d\n", res.Errors)
			fmt.Printf("  Pattern analyses: %d\n", res.PatternAnalyses)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention period in days (default: retention_days)")
	return cmd
}

func (a *app) reportCmd() *cobra.Command {
	var (
		sessionID string
		asHTML    bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a session report as Markdown or HTML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			in, err := report.Load(ctx, e.db, e.system, sessionID)
			if err != nil {
				return err
			}
			if !asHTML {
				fmt.Print(report.Markdown(in))
				return nil
			}
			out, err := report.HTML(in)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID to report on")
	cmd.Flags().BoolVar(&asHTML, "html", false, "render HTML instead of Markdown")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Retrain the success model and re-run pattern analysis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.system.Retrain(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Samples: %d\n", res.SampleSize)
			fmt.Printf("  Model: %s", res.Training.Status)
			if res.Training.Status == evolution.StatusTrained {
				fmt.Printf(" (R² %.3f)", res.Training.Score)
			}
			fmt.Println()
			fmt.Printf("  Patterns: %s, %d cluster(s), confidence %.2f\n",
				res.Patterns.Status, len(res.Patterns.Patterns), res.Patterns.Confidence)
			if res.AnalysisID != 0 {
				fmt.Printf("  Stored analysis #%d\n", res.AnalysisID)
			}
			for _, c := range res.Patterns.Patterns {
				data, _ := json.Marshal(c.CommonCharacteristics)
				fmt.Printf("    cluster %d: size=%d success=%.2f %s\n", c.ID, c.Size, c.SuccessRate, data)
			}
			return nil
		},
	}
}

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve learning tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			e, err := a.open(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.system.Start(ctx); err != nil {
				return err
			}
			srv := mcpserver.NewServer(e.db, e.system, e.logger)
			if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
}
