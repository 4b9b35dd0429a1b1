package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for evolearn.
type Config struct {
	StateDir string
	DBPath   string

	LogLevel  string
	LogFormat string

	HistoryLimit    int
	SnapshotLimit   int
	RetrainInterval time.Duration
	RetrainCheck    string
	RetentionDays   int
	CleanupSchedule string

	WindowSize         int
	ExecTimeThreshold  float64
	ErrorRateThreshold float64
	StepTypeThreshold  float64

	EMAAlpha     float64
	ClusterSeed  uint64
	RedactPrefix string
	OtelExporter string
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", ".evolearn")
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("history_limit", 100)
	v.SetDefault("snapshot_limit", 1000)
	v.SetDefault("retrain_interval", time.Hour)
	v.SetDefault("retrain_check", "@every 5m")
	v.SetDefault("retention_days", 30)
	v.SetDefault("cleanup_schedule", "@daily")
	v.SetDefault("window_size", 100)
	v.SetDefault("exec_time_threshold", 30.0)
	v.SetDefault("error_rate_threshold", 0.1)
	v.SetDefault("step_type_threshold", 15.0)
	v.SetDefault("ema_alpha", 0.1)
	v.SetDefault("cluster_seed", 42)
	v.SetDefault("redact_prefix", "EVOLEARN_REDACT_")
	v.SetDefault("otel_exporter", "none")
}

// Load reads configuration from v, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/evolearn).
func Load(v *viper.Viper) Config {
	cfg := Config{
		StateDir:           v.GetString("state_dir"),
		DBPath:             v.GetString("db_path"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		HistoryLimit:       v.GetInt("history_limit"),
		SnapshotLimit:      v.GetInt("snapshot_limit"),
		RetrainInterval:    v.GetDuration("retrain_interval"),
		RetrainCheck:       v.GetString("retrain_check"),
		RetentionDays:      v.GetInt("retention_days"),
		CleanupSchedule:    v.GetString("cleanup_schedule"),
		WindowSize:         v.GetInt("window_size"),
		ExecTimeThreshold:  v.GetFloat64("exec_time_threshold"),
		ErrorRateThreshold: v.GetFloat64("error_rate_threshold"),
		StepTypeThreshold:  v.GetFloat64("step_type_threshold"),
		EMAAlpha:           v.GetFloat64("ema_alpha"),
		ClusterSeed:        v.GetUint64("cluster_seed"),
		RedactPrefix:       v.GetString("redact_prefix"),
		OtelExporter:       v.GetString("otel_exporter"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "evolearn.db")
	}
	return cfg
}
