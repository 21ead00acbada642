package houseactivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/scheduler"
)

// timers is the fixed-size set of cancellable handles one indicator
// owns: one expiry, one off-delay. Both are released on every exit path
// that turns the indicator off or tears the key down.
type timers struct {
	expiry   *scheduler.Handle
	offDelay *scheduler.Handle
}

func (t *timers) cancelAll() {
	if t.expiry != nil {
		t.expiry.Cancel()
		t.expiry = nil
	}
	if t.offDelay != nil {
		t.offDelay.Cancel()
		t.offDelay = nil
	}
}

type keyState struct {
	houseID          string
	indicators       map[Indicator]*IndicatorState
	handles          map[Indicator]*timers
	version          uint64
	broadcastPending bool
	broadcastHandle  *scheduler.Handle
}

func newKeyState() *keyState {
	return &keyState{
		indicators: make(map[Indicator]*IndicatorState),
		handles:    make(map[Indicator]*timers),
	}
}

// Core implements spec.md §4.7's HouseActivity core.
type Core struct {
	defaults    Defaults
	broadcaster Broadcaster
	sched       *scheduler.Scheduler
	log         *zap.Logger
	bus         *events.Bus[Event]

	mu   sync.Mutex
	keys map[string]*keyState // repoId -> state
}

// New constructs a Core over the given defaults and broadcaster.
func New(defaults Defaults, broadcaster Broadcaster, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	return &Core{
		defaults:    defaults,
		broadcaster: broadcaster,
		sched:       scheduler.New(),
		log:         log,
		bus:         events.NewBus[Event](log),
		keys:        make(map[string]*keyState),
	}
}

// Events returns the bus other components subscribe to.
func (c *Core) Events() *events.Bus[Event] { return c.bus }

// Apply processes one transition, updating indicator state and
// enqueueing a coalesced broadcast for the repo key.
func (c *Core) Apply(ctx context.Context, t Transition) {
	c.mu.Lock()
	ks, ok := c.keys[t.RepoID]
	if !ok {
		ks = newKeyState()
		c.keys[t.RepoID] = ks
	}
	if t.HouseID != "" {
		ks.houseID = t.HouseID
	}
	ind, ok := ks.indicators[t.Indicator]
	if !ok {
		ind = &IndicatorState{}
		ks.indicators[t.Indicator] = ind
	}
	h, ok := ks.handles[t.Indicator]
	if !ok {
		h = &timers{}
		ks.handles[t.Indicator] = h
	}

	now := time.Now()
	if t.On {
		c.applyOnLocked(ctx, t.RepoID, t.Indicator, t, ind, h, now)
		ks.version++
		c.enqueueBroadcastLocked(ctx, t.RepoID, ks)
	} else {
		c.applyOffLocked(ctx, t.RepoID, t.Indicator, ind, h, ks, now)
	}
	c.mu.Unlock()
}

func (c *Core) applyOnLocked(ctx context.Context, repoID string, indicator Indicator, t Transition, ind *IndicatorState, h *timers, now time.Time) {
	if !ind.Active {
		ind.StartedAt = now
	}
	ind.Active = true

	minVisible := c.defaults.MinVisible[indicator]
	candidate := now.Add(minVisible)
	if candidate.After(ind.MinVisibleUntil) {
		ind.MinVisibleUntil = candidate
	}
	ind.ExpiresAt = now.Add(c.defaults.TTL[indicator])
	ind.Source = t.Source
	if t.PRNumber != 0 {
		ind.PRNumber = t.PRNumber
	}
	if t.BuildStatus != "" {
		ind.BuildStatus = t.BuildStatus
	}

	if h.offDelay != nil {
		h.offDelay.Cancel()
		h.offDelay = nil
	}
	if h.expiry != nil {
		h.expiry.Cancel()
	}
	ttl := c.defaults.TTL[indicator]
	h.expiry = c.sched.After(ttl, func() { c.onExpiry(ctx, repoID, indicator) })
}

func (c *Core) applyOffLocked(ctx context.Context, repoID string, indicator Indicator, ind *IndicatorState, h *timers, ks *keyState, now time.Time) {
	if ind.MinVisibleUntil.After(now) {
		remaining := ind.MinVisibleUntil.Sub(now)
		if h.offDelay != nil {
			h.offDelay.Cancel()
		}
		h.offDelay = c.sched.After(remaining, func() { c.turnOffAsync(ctx, repoID, indicator) })
		return
	}
	c.turnOffLocked(ctx, repoID, indicator, ind, h, ks)
}

// onExpiry fires when an indicator's TTL elapses. If min-visible still
// holds, it defers to a trailing off-delay instead of turning off
// immediately.
func (c *Core) onExpiry(ctx context.Context, repoID string, indicator Indicator) {
	c.mu.Lock()
	ks, ok := c.keys[repoID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ind, ok := ks.indicators[indicator]
	if !ok {
		c.mu.Unlock()
		return
	}
	h := ks.handles[indicator]
	now := time.Now()
	if ind.MinVisibleUntil.After(now) {
		remaining := ind.MinVisibleUntil.Sub(now)
		if h.offDelay != nil {
			h.offDelay.Cancel()
		}
		h.offDelay = c.sched.After(remaining, func() { c.turnOffAsync(ctx, repoID, indicator) })
		c.mu.Unlock()
		return
	}
	c.turnOffLocked(ctx, repoID, indicator, ind, h, ks)
	c.mu.Unlock()
}

func (c *Core) turnOffAsync(ctx context.Context, repoID string, indicator Indicator) {
	c.mu.Lock()
	ks, ok := c.keys[repoID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ind, ok := ks.indicators[indicator]
	if !ok {
		c.mu.Unlock()
		return
	}
	h := ks.handles[indicator]
	c.turnOffLocked(ctx, repoID, indicator, ind, h, ks)
	c.mu.Unlock()
}

func (c *Core) turnOffLocked(ctx context.Context, repoID string, indicator Indicator, ind *IndicatorState, h *timers, ks *keyState) {
	h.cancelAll()
	ind.Active = false
	ind.StartedAt = time.Time{}
	ind.MinVisibleUntil = time.Time{}
	ind.ExpiresAt = time.Time{}
	ks.version++
	c.enqueueBroadcastLocked(ctx, repoID, ks)
}

// enqueueBroadcastLocked schedules a flush for repoID within the
// coalesce window, if one isn't already pending. c.mu must be held.
func (c *Core) enqueueBroadcastLocked(ctx context.Context, repoID string, ks *keyState) {
	if ks.broadcastPending {
		return
	}
	ks.broadcastPending = true
	ks.broadcastHandle = c.sched.After(c.defaults.CoalesceWindow, func() { c.flush(ctx, repoID) })
}

func (c *Core) flush(ctx context.Context, repoID string) {
	c.mu.Lock()
	ks, ok := c.keys[repoID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ks.broadcastPending = false
	ks.broadcastHandle = nil

	now := time.Now()
	summary := make(map[Indicator]IndicatorSummary, len(ks.indicators))
	for indicator, ind := range ks.indicators {
		s := IndicatorSummary{Active: ind.Active, PRNumber: ind.PRNumber, BuildStatus: ind.BuildStatus}
		if ind.Active {
			if remaining := ind.MinVisibleUntil.Sub(now); remaining > 0 {
				s.MinRemainingMs = remaining.Milliseconds()
			}
		}
		summary[indicator] = s
	}
	msg := BroadcastMessage{
		Type:       "house.activity",
		HouseID:    ks.houseID,
		RepoID:     repoID,
		Indicators: summary,
		Version:    ks.version,
		Timestamp:  now,
	}
	houseID := ks.houseID
	c.mu.Unlock()

	if c.broadcaster != nil {
		if houseID != "" {
			c.broadcaster.EmitToVillage(houseID, "house.activity", msg)
		}
		c.broadcaster.EmitToRepo(repoID, "house.activity", msg)
	}
	c.bus.Emit(ctx, BroadcastSentEvent{Message: msg})
}

// GetIndicator returns a copy of one repo's indicator state.
func (c *Core) GetIndicator(repoID string, indicator Indicator) (IndicatorState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keys[repoID]
	if !ok {
		return IndicatorState{}, false
	}
	ind, ok := ks.indicators[indicator]
	if !ok {
		return IndicatorState{}, false
	}
	return *ind, true
}

// Stop releases every timer owned by every key. Safe to call once at
// process shutdown.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ks := range c.keys {
		for _, h := range ks.handles {
			h.cancelAll()
		}
		if ks.broadcastHandle != nil {
			ks.broadcastHandle.Cancel()
			ks.broadcastHandle = nil
		}
	}
}
