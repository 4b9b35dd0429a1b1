package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/evolve-learn/internal/adaptive"
	"github.com/joestump/evolve-learn/internal/config"
	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/learning"
	"github.com/joestump/evolve-learn/internal/monitor"
	"github.com/joestump/evolve-learn/internal/patterns"
	"github.com/joestump/evolve-learn/internal/session"
	"github.com/joestump/evolve-learn/internal/telemetry"
)

func main() {
	v := viper.New()
	config.SetDefaults(v)

	rootCmd := &cobra.Command{
		Use:           "evolearn",
		Short:         "Learning and performance tracking for iterative code evolution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := rootCmd.PersistentFlags()
	f.String("state-dir", ".evolearn", "directory for persistent state")
	f.String("db-path", "", "SQLite database path (default: <state-dir>/evolearn.db)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "text", "log format (text, json)")
	f.Int("history-limit", 100, "history entries read per prediction")
	f.Duration("retrain-interval", time.Hour, "minimum time between model retrains")
	f.Int("retention-days", 30, "completed sessions older than this are purged")
	f.Int("window-size", 100, "samples kept per metric by the monitor")
	f.Float64("ema-alpha", 0.1, "smoothing factor for strategy weights")
	f.Uint64("cluster-seed", 42, "seed for pattern clustering")
	f.String("otel-exporter", "none", "trace exporter (none, stdout)")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the EVOLEARN_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = v.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("state_dir", "state-dir")
	bindFlag("db_path", "db-path")
	bindFlag("log_level", "log-level")
	bindFlag("log_format", "log-format")
	bindFlag("history_limit", "history-limit")
	bindFlag("retention_days", "retention-days")
	bindFlag("window_size", "window-size")
	bindFlag("ema_alpha", "ema-alpha")
	bindFlag("cluster_seed", "cluster-seed")
	bindFlag("otel_exporter", "otel-exporter")
	bindFlag("retrain_interval", "retrain-interval")

	v.SetEnvPrefix("EVOLEARN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	a := &app{v: v}
	rootCmd.AddCommand(
		a.statsCmd(),
		a.cleanupCmd(),
		a.reportCmd(),
		a.trainCmd(),
		a.ingestCmd(),
		a.mcpCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "evolearn: %v\n", err)
		os.Exit(1)
	}
}

// app holds the state shared by subcommands.
type app struct {
	v *viper.Viper
}

// env is the set of components a subcommand runs against.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	redactor *session.RedactionFilter
	db       *db.DB
	monitor  *monitor.Monitor
	system   *learning.System
	shutdown telemetry.ShutdownFunc
}

func (e *env) Close() {
	if e.system != nil {
		e.system.Stop()
	}
	if e.shutdown != nil {
		if err := e.shutdown(context.Background()); err != nil {
			e.logger.Warn("trace shutdown", "error", err)
		}
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

// open loads configuration and builds the store and the learning system.
// Logs go to logOut so the mcp command can keep stdout for the protocol.
func (a *app) open(ctx context.Context, logOut io.Writer) (*env, error) {
	cfg := config.Load(a.v)

	bootstrap := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut, nil)
	redactor := session.NewRedactionFilter(cfg.RedactPrefix, bootstrap)
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut, redactor.Redact)
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracing(ctx, cfg.OtelExporter, config.Version, logOut)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	e := &env{cfg: cfg, logger: logger, redactor: redactor, shutdown: shutdown}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		e.Close()
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	e.db, err = db.Open(cfg.DBPath)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	e.monitor, err = monitor.New(nil,
		monitor.WithWindow(cfg.WindowSize),
		monitor.WithThresholds(monitor.Thresholds{
			ExecutionTime: cfg.ExecTimeThreshold,
			ErrorRate:     cfg.ErrorRateThreshold,
			StepTypeAvg:   cfg.StepTypeThreshold,
		}),
		monitor.WithLogger(logger),
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create monitor: %w", err)
	}

	lc := learning.DefaultConfig()
	lc.HistoryLimit = cfg.HistoryLimit
	lc.SnapshotLimit = cfg.SnapshotLimit
	lc.RetentionDays = cfg.RetentionDays
	lc.RetrainCheck = cfg.RetrainCheck
	lc.CleanupSchedule = cfg.CleanupSchedule

	e.system = learning.New(e.db,
		learning.WithConfig(lc),
		learning.WithLogger(logger),
		learning.WithMonitor(e.monitor),
		learning.WithRecognizer(patterns.NewRecognizer(patterns.KMeans{Seed: cfg.ClusterSeed}, logger)),
		learning.WithAlgorithm(adaptive.New(
			adaptive.WithAlpha(cfg.EMAAlpha),
			adaptive.WithRetrainInterval(cfg.RetrainInterval),
			adaptive.WithLogger(logger),
		)),
	)
	return e, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
