package config

import (
	"time"

	"github.com/spf13/viper"
)

// BackpressureConfig holds the host-pressure admission thresholds. Zero
// values disable the corresponding check.
type BackpressureConfig struct {
	MinAvailableMemMB uint64  `mapstructure:"min_available_mem_mb"`
	MaxLoadPerCPU     float64 `mapstructure:"max_load_per_cpu"`
}

// Config holds all runtime configuration for a magnetar session.
// Values are populated from .magnetar.yaml, MAGNETAR_* env vars, and CLI
// flags.
type Config struct {
	GraphBin     string `mapstructure:"graph_bin"`
	GraphDB      string `mapstructure:"graph_db"`
	RepoDir      string `mapstructure:"repo_dir"`
	WorkcellRoot string `mapstructure:"workcell_root"`
	ArchiveDir   string `mapstructure:"archive_dir"`

	ToolchainsFile string `mapstructure:"toolchains_file"`
	Toolchain      string `mapstructure:"toolchain"`

	MaxConcurrentWorkcells int `mapstructure:"max_concurrent_workcells"`
	SpeculateParallelism   int `mapstructure:"speculate_parallelism"`
	DispatchTimeoutSec     int `mapstructure:"dispatch_timeout_seconds"`
	PollIntervalSec        int `mapstructure:"poll_interval_seconds"`
	DispatchesPerMinute    int `mapstructure:"dispatches_per_minute"`

	TransitionDB  string `mapstructure:"transition_db"`
	TelemetryPath string `mapstructure:"telemetry_path"`

	// Confirm maps gate names to commands re-run inside a workcell to
	// confirm the adapter's gate report.
	Confirm map[string][]string `mapstructure:"confirm"`

	Backpressure BackpressureConfig `mapstructure:"backpressure"`

	Verbose bool `mapstructure:"verbose"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() Config {
	viper.SetDefault("graph_bin", "beads")
	viper.SetDefault("graph_db", ".beads/issues.db")
	viper.SetDefault("repo_dir", ".")
	viper.SetDefault("workcell_root", ".magnetar/workcells")
	viper.SetDefault("archive_dir", ".magnetar/archive")
	viper.SetDefault("toolchains_file", "toolchains.toml")
	viper.SetDefault("toolchain", "")
	viper.SetDefault("max_concurrent_workcells", 3)
	viper.SetDefault("speculate_parallelism", 3)
	viper.SetDefault("dispatch_timeout_seconds", 1800)
	viper.SetDefault("poll_interval_seconds", 15)
	viper.SetDefault("dispatches_per_minute", 0)
	viper.SetDefault("transition_db", ".magnetar/transitions.db")
	viper.SetDefault("telemetry_path", ".magnetar/telemetry.jsonl")
	viper.SetDefault("backpressure.min_available_mem_mb", 0)
	viper.SetDefault("backpressure.max_load_per_cpu", 0.0)
	viper.SetDefault("verbose", false)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}

// DispatchTimeout returns the configured per-dispatch wall-clock budget.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}

// PollInterval returns the configured idle re-check cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
