package knowngood

// Event is the sum type of payloads KnownGoodRegistry emits.
type Event interface {
	eventTag()
}

// VersionRegisteredEvent is emitted by RegisterVersion.
type VersionRegisteredEvent struct {
	ProviderID string
	Version    string
}

func (VersionRegisteredEvent) eventTag() {}

// BuildRegisteredEvent is emitted by RegisterBuild.
type BuildRegisteredEvent struct {
	BuildID string
}

func (BuildRegisteredEvent) eventTag() {}

// BuildPromotedEvent is emitted by PromoteBuild.
type BuildPromotedEvent struct {
	BuildID string
}

func (BuildPromotedEvent) eventTag() {}

// BuildDeprecatedEvent is emitted by DeprecateBuild and AutoDeprecate.
type BuildDeprecatedEvent struct {
	BuildID string
	Reason  string
}

func (BuildDeprecatedEvent) eventTag() {}

// CompatResultAddedEvent is emitted by AddCompatibilityResult.
type CompatResultAddedEvent struct {
	BuildID string
	Status  CompatStatus
}

func (CompatResultAddedEvent) eventTag() {}
