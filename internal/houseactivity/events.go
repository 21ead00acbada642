package houseactivity

// Event is the sum type of payloads the core emits for observability;
// the externally visible broadcast itself goes through Broadcaster, not
// this bus.
type Event interface {
	eventTag()
}

// BroadcastSentEvent is emitted each time a coalesced broadcast is
// flushed for a repo key.
type BroadcastSentEvent struct {
	Message BroadcastMessage
}

func (BroadcastSentEvent) eventTag() {}
