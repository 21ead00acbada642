package pipeline

// Event is the sum type of pipeline-level payloads re-emitted on the
// orchestrator's own bus after a child component's event is observed.
// Consumers that want one subscription point for the whole update
// pipeline, rather than five separate component buses, subscribe here.
type Event interface {
	eventTag()
}

// NewVersionDetectedEvent mirrors versionwatcher.VersionDiscoveredEvent.
type NewVersionDetectedEvent struct {
	ProviderID      string
	Version         string
	PreviousVersion string
}

func (NewVersionDetectedEvent) eventTag() {}

// CanaryStartedEvent mirrors canaryrunner.SuiteStartedEvent.
type CanaryStartedEvent struct {
	BuildID string
	SuiteID string
}

func (CanaryStartedEvent) eventTag() {}

// CanaryCompletedEvent mirrors canaryrunner.SuiteCompletedEvent.
type CanaryCompletedEvent struct {
	BuildID  string
	SuiteID  string
	Passed   bool
	PassRate float64
}

func (CanaryCompletedEvent) eventTag() {}

// RolloutInitiatedEvent mirrors rollout.RolloutStartedEvent.
type RolloutInitiatedEvent struct {
	RolloutID string
	BuildID   string
	Channel   string
}

func (RolloutInitiatedEvent) eventTag() {}

// RolloutCompletedEvent mirrors rollout.RolloutCompletedEvent.
type RolloutCompletedEvent struct {
	RolloutID string
	BuildID   string
	Channel   string
}

func (RolloutCompletedEvent) eventTag() {}

// RollbackCompletedEvent mirrors rollout.RollbackCompletedEvent.
type RollbackCompletedEvent struct {
	RolloutID string
}

func (RollbackCompletedEvent) eventTag() {}

// SweepTriggeredEvent mirrors sweep.SweepStartedEvent.
type SweepTriggeredEvent struct {
	JobID   string
	BuildID string
}

func (SweepTriggeredEvent) eventTag() {}

// SweepCompletedEvent mirrors sweep.SweepCompletedEvent.
type SweepCompletedEvent struct {
	JobID string
}

func (SweepCompletedEvent) eventTag() {}

// PipelineErrorEvent is emitted whenever an auto-* reaction fails; the
// originating component's error is never dropped silently.
type PipelineErrorEvent struct {
	Source  string
	Message string
}

func (PipelineErrorEvent) eventTag() {}
