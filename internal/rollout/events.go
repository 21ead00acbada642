package rollout

// Event is the sum type of payloads RolloutController emits.
type Event interface {
	eventTag()
}

// RolloutStartedEvent is emitted by InitiateRollout.
type RolloutStartedEvent struct {
	Rollout ActiveRollout
}

func (RolloutStartedEvent) eventTag() {}

// StageAdvancedEvent is emitted by AdvanceRollout when not yet complete.
type StageAdvancedEvent struct {
	Rollout ActiveRollout
}

func (StageAdvancedEvent) eventTag() {}

// RolloutCompletedEvent is emitted when the final stage is reached.
type RolloutCompletedEvent struct {
	Rollout ActiveRollout
}

func (RolloutCompletedEvent) eventTag() {}

// RolloutPausedEvent is emitted by PauseRollout.
type RolloutPausedEvent struct {
	RolloutID string
	Reason    string
}

func (RolloutPausedEvent) eventTag() {}

// RolloutResumedEvent is emitted by ResumeRollout.
type RolloutResumedEvent struct {
	RolloutID string
}

func (RolloutResumedEvent) eventTag() {}

// RollbackInitiatedEvent is emitted at the start of Rollback.
type RollbackInitiatedEvent struct {
	RolloutID string
	Reason    string
}

func (RollbackInitiatedEvent) eventTag() {}

// RollbackCompletedEvent is emitted once a rollback finishes reverting
// org assignments.
type RollbackCompletedEvent struct {
	RolloutID string
}

func (RollbackCompletedEvent) eventTag() {}
