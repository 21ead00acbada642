package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PipelineConfig is the top-level configuration for cmd/updatepipelined,
// enumerating every value spec.md §6 names plus an HTTP/observability
// surface for the process itself. Each nested struct mirrors one
// component's own Config/ManagerConfig; this package only owns loading,
// defaulting, and validating the aggregate, the way the teacher's
// Load/Validate pair does for its own Redis/Worker/Producer shape.
type PipelineConfig struct {
	Pipeline      PipelineFlags       `mapstructure:"pipeline"`
	Sources       []SourceConfig      `mapstructure:"sources"`
	Rollout       RolloutConfig       `mapstructure:"rollout"`
	Sweep         SweepConfig         `mapstructure:"sweep"`
	Canary        CanaryConfig        `mapstructure:"canary"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	HouseActivity HouseActivityConfig `mapstructure:"house_activity"`
	Observability Observability       `mapstructure:"observability"`
}

// SourceConfig describes one upstream registry for versionwatcher to
// poll, per spec.md §4.1. VersionExtractor is not expressible in static
// config; custom sources are wired up in code by the process that
// constructs the Watcher.
type SourceConfig struct {
	ProviderID      string `mapstructure:"provider_id"`
	Type            string `mapstructure:"type"`
	Source          string `mapstructure:"source"`
	CheckIntervalMs int64  `mapstructure:"check_interval_ms"`
}

// PipelineFlags mirrors pipeline.Config: the orchestrator-level
// auto-react toggles.
type PipelineFlags struct {
	AutoCanary     bool   `mapstructure:"auto_canary"`
	AutoRollout    bool   `mapstructure:"auto_rollout"`
	AutoSweep      bool   `mapstructure:"auto_sweep"`
	DefaultChannel string `mapstructure:"default_channel"`
}

// RolloutConfig mirrors rollout.Config.
type RolloutConfig struct {
	MaxConcurrentRollouts int           `mapstructure:"max_concurrent_rollouts"`
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	MaxFailureRate        float64       `mapstructure:"max_failure_rate"`
	MaxDisconnectRate     float64       `mapstructure:"max_disconnect_rate"`
	MinSessionCount       int           `mapstructure:"min_session_count"`
	AuditCapacity         int           `mapstructure:"audit_capacity"`
}

// SweepConfig mirrors sweep.ManagerConfig.
type SweepConfig struct {
	MaxConcurrentSweeps   int `mapstructure:"max_concurrent_sweeps"`
	DefaultRateLimit      int `mapstructure:"default_rate_limit"`
	DefaultMaxReposPerRun int `mapstructure:"default_max_repos_per_run"`
}

// CanaryConfig mirrors canaryrunner.Config.
type CanaryConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	RetryCount     int           `mapstructure:"retry_count"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// RegistryConfig mirrors knowngood.Config.
type RegistryConfig struct {
	MaxVersionsPerProvider int `mapstructure:"max_versions_per_provider"`
	MaxBuilds              int `mapstructure:"max_builds"`
	AutoDeprecateDays      int `mapstructure:"auto_deprecate_days"`
}

// HouseActivityConfig mirrors houseactivity.Defaults, expressed in
// milliseconds to match spec.md §4.7's literal wording.
type HouseActivityConfig struct {
	LightsTTLMs        int64 `mapstructure:"lights_ttl_ms"`
	BannerTTLMs        int64 `mapstructure:"banner_ttl_ms"`
	SmokeTTLMs         int64 `mapstructure:"smoke_ttl_ms"`
	LightsMinVisibleMs int64 `mapstructure:"lights_min_visible_ms"`
	BannerMinVisibleMs int64 `mapstructure:"banner_min_visible_ms"`
	SmokeMinVisibleMs  int64 `mapstructure:"smoke_min_visible_ms"`
	CoalesceWindowMs   int64 `mapstructure:"coalesce_window_ms"`
}

// Observability mirrors the teacher's internal/obs-facing config shape:
// a metrics port, a log level, and the HTTP status surface's listen
// address.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
	ListenAddr  string `mapstructure:"listen_addr"`
}

func defaultConfig() *PipelineConfig {
	return &PipelineConfig{
		Pipeline: PipelineFlags{
			AutoCanary:     true,
			AutoRollout:    false,
			AutoSweep:      false,
			DefaultChannel: "stable",
		},
		Sources: []SourceConfig{
			{ProviderID: "codex", Type: "npm", Source: "@openai/codex", CheckIntervalMs: 300000},
			{ProviderID: "claude_code", Type: "npm", Source: "@anthropic-ai/claude-code", CheckIntervalMs: 300000},
			{ProviderID: "gemini_cli", Type: "npm", Source: "@google/gemini-cli", CheckIntervalMs: 300000},
		},
		Rollout: RolloutConfig{
			MaxConcurrentRollouts: 3,
			TickInterval:          60 * time.Second,
			MaxFailureRate:        0.10,
			MaxDisconnectRate:     0.15,
			MinSessionCount:       100,
			AuditCapacity:         10000,
		},
		Sweep: SweepConfig{
			MaxConcurrentSweeps:   3,
			DefaultRateLimit:      10,
			DefaultMaxReposPerRun: 100,
		},
		Canary: CanaryConfig{
			MaxConcurrency: 2,
			RetryCount:     1,
			DefaultTimeout: 60 * time.Second,
		},
		Registry: RegistryConfig{
			MaxVersionsPerProvider: 20,
			MaxBuilds:              100,
			AutoDeprecateDays:      90,
		},
		HouseActivity: HouseActivityConfig{
			LightsTTLMs:        90000,
			BannerTTLMs:        86400000,
			SmokeTTLMs:         600000,
			LightsMinVisibleMs: 3000,
			BannerMinVisibleMs: 2000,
			SmokeMinVisibleMs:  5000,
			CoalesceWindowMs:   50,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			ListenAddr:  ":8080",
		},
	}
}

// Load reads configuration from a YAML file plus environment overrides,
// falling back to documented defaults for any value the file and
// environment don't set. A missing path is not an error: the process
// runs entirely on defaults/env in that case.
func Load(path string) (*PipelineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("UPDATEPIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("pipeline.auto_canary", def.Pipeline.AutoCanary)
	v.SetDefault("pipeline.auto_rollout", def.Pipeline.AutoRollout)
	v.SetDefault("pipeline.auto_sweep", def.Pipeline.AutoSweep)
	v.SetDefault("pipeline.default_channel", def.Pipeline.DefaultChannel)
	v.SetDefault("sources", def.Sources)

	v.SetDefault("rollout.max_concurrent_rollouts", def.Rollout.MaxConcurrentRollouts)
	v.SetDefault("rollout.tick_interval", def.Rollout.TickInterval)
	v.SetDefault("rollout.max_failure_rate", def.Rollout.MaxFailureRate)
	v.SetDefault("rollout.max_disconnect_rate", def.Rollout.MaxDisconnectRate)
	v.SetDefault("rollout.min_session_count", def.Rollout.MinSessionCount)
	v.SetDefault("rollout.audit_capacity", def.Rollout.AuditCapacity)

	v.SetDefault("sweep.max_concurrent_sweeps", def.Sweep.MaxConcurrentSweeps)
	v.SetDefault("sweep.default_rate_limit", def.Sweep.DefaultRateLimit)
	v.SetDefault("sweep.default_max_repos_per_run", def.Sweep.DefaultMaxReposPerRun)

	v.SetDefault("canary.max_concurrency", def.Canary.MaxConcurrency)
	v.SetDefault("canary.retry_count", def.Canary.RetryCount)
	v.SetDefault("canary.default_timeout", def.Canary.DefaultTimeout)

	v.SetDefault("registry.max_versions_per_provider", def.Registry.MaxVersionsPerProvider)
	v.SetDefault("registry.max_builds", def.Registry.MaxBuilds)
	v.SetDefault("registry.auto_deprecate_days", def.Registry.AutoDeprecateDays)

	v.SetDefault("house_activity.lights_ttl_ms", def.HouseActivity.LightsTTLMs)
	v.SetDefault("house_activity.banner_ttl_ms", def.HouseActivity.BannerTTLMs)
	v.SetDefault("house_activity.smoke_ttl_ms", def.HouseActivity.SmokeTTLMs)
	v.SetDefault("house_activity.lights_min_visible_ms", def.HouseActivity.LightsMinVisibleMs)
	v.SetDefault("house_activity.banner_min_visible_ms", def.HouseActivity.BannerMinVisibleMs)
	v.SetDefault("house_activity.smoke_min_visible_ms", def.HouseActivity.SmokeMinVisibleMs)
	v.SetDefault("house_activity.coalesce_window_ms", def.HouseActivity.CoalesceWindowMs)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.listen_addr", def.Observability.ListenAddr)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints spec.md §3/§6 imply but a
// plain mapstructure unmarshal can't enforce.
func Validate(cfg *PipelineConfig) error {
	switch cfg.Pipeline.DefaultChannel {
	case "stable", "beta", "pinned":
	default:
		return fmt.Errorf("pipeline.default_channel must be one of stable|beta|pinned, got %q", cfg.Pipeline.DefaultChannel)
	}
	if cfg.Rollout.MaxConcurrentRollouts < 1 {
		return fmt.Errorf("rollout.max_concurrent_rollouts must be >= 1")
	}
	if cfg.Rollout.TickInterval <= 0 {
		return fmt.Errorf("rollout.tick_interval must be > 0")
	}
	if cfg.Rollout.MaxFailureRate <= 0 || cfg.Rollout.MaxFailureRate > 1 {
		return fmt.Errorf("rollout.max_failure_rate must be in (0,1]")
	}
	if cfg.Rollout.MaxDisconnectRate <= 0 || cfg.Rollout.MaxDisconnectRate > 1 {
		return fmt.Errorf("rollout.max_disconnect_rate must be in (0,1]")
	}
	if cfg.Sweep.MaxConcurrentSweeps < 1 {
		return fmt.Errorf("sweep.max_concurrent_sweeps must be >= 1")
	}
	if cfg.Sweep.DefaultRateLimit < 1 {
		return fmt.Errorf("sweep.default_rate_limit must be >= 1")
	}
	if cfg.Canary.DefaultTimeout <= 0 {
		return fmt.Errorf("canary.default_timeout must be > 0")
	}
	if cfg.Registry.MaxVersionsPerProvider < 1 {
		return fmt.Errorf("registry.max_versions_per_provider must be >= 1")
	}
	if cfg.Registry.MaxBuilds < 1 {
		return fmt.Errorf("registry.max_builds must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
