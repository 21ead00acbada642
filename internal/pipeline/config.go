package pipeline

import "github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/rollout"

// Config carries the orchestrator's own toggles. Per-component tuning
// (retry counts, rate limits, rollout stages, ...) lives on each
// component's own Config/ManagerConfig, constructed independently and
// passed to New.
type Config struct {
	// AutoCanary registers a RuntimeVersion (canaryPassed=false) whenever
	// VersionWatcher reports a new version. Default true.
	AutoCanary bool
	// AutoRollout initiates a rollout whenever a canary suite passes.
	// Default false.
	AutoRollout bool
	// AutoSweep triggers a post-update sweep whenever a rollout
	// completes. Default false.
	AutoSweep bool
	// DefaultChannel is the channel auto-rollout targets.
	DefaultChannel rollout.Channel
}

// DefaultConfig returns spec.md §4.6's documented defaults: autoCanary on,
// autoRollout and autoSweep off. Bool zero values can't distinguish
// "unset" from "explicitly false", so unlike the per-component Configs
// this is a constructor rather than a SetDefaults mutator — callers start
// from DefaultConfig() and override fields, rather than leaving a
// zero-value Config to be defaulted in place.
func DefaultConfig() Config {
	return Config{
		AutoCanary:     true,
		DefaultChannel: rollout.ChannelStable,
	}
}
