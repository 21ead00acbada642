package houseactivity

// Broadcaster delivers a named event to a village room or a repo room.
// Actual transport (websocket, SSE, whatever the dashboard uses) is
// injected; this package only decides when and what to send.
type Broadcaster interface {
	EmitToVillage(villageID, event string, payload any)
	EmitToRepo(repoID, event string, payload any)
}

// BroadcasterFuncs adapts two plain functions to Broadcaster.
type BroadcasterFuncs struct {
	ToVillage func(villageID, event string, payload any)
	ToRepo    func(repoID, event string, payload any)
}

func (b BroadcasterFuncs) EmitToVillage(villageID, event string, payload any) {
	if b.ToVillage != nil {
		b.ToVillage(villageID, event, payload)
	}
}

func (b BroadcasterFuncs) EmitToRepo(repoID, event string, payload any) {
	if b.ToRepo != nil {
		b.ToRepo(repoID, event, payload)
	}
}
