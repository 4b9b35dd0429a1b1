package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg := Load(v)

	if cfg.DBPath != filepath.Join(".evolearn", "evolearn.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.RetrainInterval != time.Hour {
		t.Errorf("RetrainInterval = %v, want 1h", cfg.RetrainInterval)
	}
	if cfg.ExecTimeThreshold != 30 || cfg.ErrorRateThreshold != 0.1 || cfg.StepTypeThreshold != 15 {
		t.Errorf("thresholds = %v %v %v", cfg.ExecTimeThreshold, cfg.ErrorRateThreshold, cfg.StepTypeThreshold)
	}
	if cfg.WindowSize != 100 || cfg.SnapshotLimit != 1000 || cfg.EMAAlpha != 0.1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EVOLEARN_RETRAIN_INTERVAL", "15m")
	t.Setenv("EVOLEARN_DB_PATH", "/tmp/x.db")
	t.Setenv("EVOLEARN_CLUSTER_SEED", "7")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("EVOLEARN")
	v.AutomaticEnv()
	cfg := Load(v)

	if cfg.RetrainInterval != 15*time.Minute {
		t.Errorf("RetrainInterval = %v, want 15m", cfg.RetrainInterval)
	}
	if cfg.DBPath != "/tmp/x.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ClusterSeed != 7 {
		t.Errorf("ClusterSeed = %d", cfg.ClusterSeed)
	}
}
