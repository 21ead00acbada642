// Package rollout implements spec.md §4.4's RolloutController: staged,
// percentage-based rollouts per release channel with org assignment,
// pause/resume, rollback, and an append-only audit log.
package rollout

import "time"

// Channel is a release channel name.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelPinned Channel = "pinned"
)

// ChannelConfig is one channel's staging policy.
type ChannelConfig struct {
	RequiresCanary    bool
	CanaryThreshold   float64
	RolloutStages     []int // strictly increasing, ending <= 100
	RolloutDelayHours float64
}

// DefaultChannelConfigs returns spec.md §4.4's channel defaults.
func DefaultChannelConfigs() map[Channel]ChannelConfig {
	return map[Channel]ChannelConfig{
		ChannelStable: {RequiresCanary: true, CanaryThreshold: 0.95, RolloutStages: []int{1, 10, 50, 100}, RolloutDelayHours: 24},
		ChannelBeta:   {RequiresCanary: true, CanaryThreshold: 0.80, RolloutStages: []int{10, 50, 100}, RolloutDelayHours: 6},
		ChannelPinned: {RequiresCanary: false, RolloutStages: []int{100}, RolloutDelayHours: 0},
	}
}

// RolloutState is an ActiveRollout's lifecycle state.
type RolloutState string

const (
	StatePending       RolloutState = "pending"
	StateCanaryTesting RolloutState = "canary_testing"
	StateCanaryPassed  RolloutState = "canary_passed"
	StateCanaryFailed  RolloutState = "canary_failed"
	StateRollingOut    RolloutState = "rolling_out"
	StatePaused        RolloutState = "paused"
	StateCompleted     RolloutState = "completed"
	StateRolledBack    RolloutState = "rolled_back"
)

// ActiveRollout tracks one build's staged rollout through a channel.
// Invariant: CurrentPercentage is a member of the channel's
// RolloutStages, or 0 after a rollback.
type ActiveRollout struct {
	RolloutID         string
	TargetBuildID     string
	Channel           Channel
	State             RolloutState
	CurrentPercentage int
	TargetPercentage  int
	StartedAt         time.Time
	LastUpdatedAt     time.Time
	AffectedOrgs      map[string]bool
	CanaryResultID    string
	Error             string
}

// OrgAssignment is exactly one per org at a time.
type OrgAssignment struct {
	OrgID         string
	CurrentBuildID string
	TargetBuildID string
	Percentage    int
	AssignedAt    time.Time
	Channel       Channel
}

// Actor identifies who or what performed an audited action.
type Actor struct {
	Type string
	ID   string
	Name string
}

// RolloutEvent is an append-only audit record. OrgID == "*" denotes an
// event affecting the whole rollout rather than one org.
type RolloutEvent struct {
	EventID           string
	OrgID             string
	FromBuildID       string
	ToBuildID         string
	Channel           Channel
	EventType         string
	CurrentPercentage int
	Timestamp         time.Time
	Actor             Actor
	Metadata          map[string]string
}

// CanaryOutcome is the subset of a canary suite result RolloutController
// needs to gate initiateRollout, decoupled from canaryrunner's types so
// this package has no compile-time dependency on it.
type CanaryOutcome struct {
	ResultID string
	Passed   bool
	PassRate float64
}

// Org is one candidate rollout population member.
type Org struct {
	OrgID                    string
	Channel                  Channel
	RequiresEnterpriseApproval bool
}

// MetricsSnapshot is what automatic progression collects over a
// rollout's current population, via an injected MetricsCollector.
type MetricsSnapshot struct {
	SessionsStarted int
	FailureRate     float64
	DisconnectRate  float64
}

// RollbackThresholds gate automatic progression's rollback decision.
type RollbackThresholds struct {
	MaxFailureRate    float64
	MaxDisconnectRate float64
	MinSessionCount   int
}
