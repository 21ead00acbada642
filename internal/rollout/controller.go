package rollout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/obs"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/perr"
)

// Config bounds the controller's concurrency and progression behavior.
type Config struct {
	MaxConcurrentRollouts int
	TickInterval          time.Duration
	Thresholds            RollbackThresholds
	AuditCapacity         int
}

// SetDefaults fills zero-valued fields with spec.md §6's defaults.
func (c *Config) SetDefaults() {
	if c.MaxConcurrentRollouts <= 0 {
		c.MaxConcurrentRollouts = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.Thresholds.MaxFailureRate <= 0 {
		c.Thresholds.MaxFailureRate = 0.10
	}
	if c.Thresholds.MaxDisconnectRate <= 0 {
		c.Thresholds.MaxDisconnectRate = 0.15
	}
	if c.Thresholds.MinSessionCount <= 0 {
		c.Thresholds.MinSessionCount = 100
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = 10000
	}
}

// Controller implements spec.md §4.4's RolloutController.
type Controller struct {
	mu             sync.Mutex
	cfg            Config
	channelConfigs map[Channel]ChannelConfig
	rollouts       map[string]*ActiveRollout
	assignments    map[string]*OrgAssignment // orgId -> assignment
	audit          *auditRingBuffer
	orgDir         OrgDirectory
	metrics        MetricsCollector
	cronRunner     *cron.Cron
	log            *zap.Logger
	bus            *events.Bus[Event]
}

// New constructs a Controller. channelConfigs may be nil to use
// DefaultChannelConfigs.
func New(cfg Config, channelConfigs map[Channel]ChannelConfig, orgDir OrgDirectory, metrics MetricsCollector, log *zap.Logger) *Controller {
	cfg.SetDefaults()
	if channelConfigs == nil {
		channelConfigs = DefaultChannelConfigs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:            cfg,
		channelConfigs: channelConfigs,
		rollouts:       make(map[string]*ActiveRollout),
		assignments:    make(map[string]*OrgAssignment),
		audit:          newAuditRingBuffer(cfg.AuditCapacity),
		orgDir:         orgDir,
		metrics:        metrics,
		log:            log,
		bus:            events.NewBus[Event](log),
	}
}

// Events returns the bus other components subscribe to.
func (c *Controller) Events() *events.Bus[Event] { return c.bus }

// InitiateRollout starts a staged rollout of build over channel, gated
// on a canary outcome when the channel requires one.
func (c *Controller) InitiateRollout(ctx context.Context, buildID string, channel Channel, canary *CanaryOutcome) (ActiveRollout, error) {
	cfgC, ok := c.channelConfigs[channel]
	if !ok || len(cfgC.RolloutStages) == 0 {
		return ActiveRollout{}, perr.New(perr.CategoryValidation, perr.CodeChannelMismatch, "unknown channel").WithDetail("channel", string(channel))
	}
	if cfgC.RequiresCanary {
		if canary == nil {
			return ActiveRollout{}, perr.NewCanaryRequired()
		}
		if !canary.Passed {
			return ActiveRollout{}, perr.NewCanaryNotPassed()
		}
		if canary.PassRate < cfgC.CanaryThreshold {
			return ActiveRollout{}, perr.NewBelowThreshold(cfgC.CanaryThreshold, canary.PassRate)
		}
	}

	c.mu.Lock()
	if c.activeRolloutCountLocked() >= c.cfg.MaxConcurrentRollouts {
		c.mu.Unlock()
		return ActiveRollout{}, perr.NewConcurrentRolloutLimit(c.cfg.MaxConcurrentRollouts)
	}

	now := time.Now()
	rollout := &ActiveRollout{
		RolloutID:         uuid.NewString(),
		TargetBuildID:     buildID,
		Channel:           channel,
		State:             StateRollingOut,
		CurrentPercentage: cfgC.RolloutStages[0],
		TargetPercentage:  100,
		StartedAt:         now,
		LastUpdatedAt:     now,
		AffectedOrgs:      make(map[string]bool),
	}
	if canary != nil {
		rollout.CanaryResultID = canary.ResultID
	}
	c.rollouts[rollout.RolloutID] = rollout
	c.assignPopulationLocked(rollout, cfgC, rollout.CurrentPercentage)
	c.appendAuditLocked(rollout, "rollout_started", "*", "")
	snapshot := *rollout
	c.mu.Unlock()

	c.bus.Emit(ctx, RolloutStartedEvent{Rollout: snapshot})
	return snapshot, nil
}

func (c *Controller) activeRolloutCountLocked() int {
	n := 0
	for _, r := range c.rollouts {
		if r.State == StateRollingOut {
			n++
		}
	}
	return n
}

// AdvanceRollout moves a rolling_out rollout to its next stage, or to
// completed if already at the last stage.
func (c *Controller) AdvanceRollout(ctx context.Context, rolloutID string) (ActiveRollout, error) {
	c.mu.Lock()
	rollout, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return ActiveRollout{}, perr.NewUnknownRollout(rolloutID)
	}
	if rollout.State != StateRollingOut {
		c.mu.Unlock()
		return ActiveRollout{}, perr.NewStatePrecondition("advance_rollout", string(rollout.State))
	}
	cfgC := c.channelConfigs[rollout.Channel]
	stages := cfgC.RolloutStages
	idx := indexOf(stages, rollout.CurrentPercentage)

	if idx < 0 || idx == len(stages)-1 {
		rollout.State = StateCompleted
		rollout.LastUpdatedAt = time.Now()
		c.appendAuditLocked(rollout, "rollout_completed", "*", "")
		snapshot := *rollout
		c.mu.Unlock()
		c.bus.Emit(ctx, RolloutCompletedEvent{Rollout: snapshot})
		return snapshot, nil
	}

	rollout.CurrentPercentage = stages[idx+1]
	rollout.LastUpdatedAt = time.Now()
	c.assignPopulationLocked(rollout, cfgC, rollout.CurrentPercentage)
	c.appendAuditLocked(rollout, "stage_advanced", "*", "")
	snapshot := *rollout
	c.mu.Unlock()

	c.bus.Emit(ctx, StageAdvancedEvent{Rollout: snapshot})
	return snapshot, nil
}

// PauseRollout moves a rolling_out rollout to paused.
func (c *Controller) PauseRollout(ctx context.Context, rolloutID, reason string) error {
	c.mu.Lock()
	rollout, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return perr.NewUnknownRollout(rolloutID)
	}
	if rollout.State != StateRollingOut {
		c.mu.Unlock()
		return perr.NewStatePrecondition("pause_rollout", string(rollout.State))
	}
	rollout.State = StatePaused
	rollout.LastUpdatedAt = time.Now()
	c.appendAuditLocked(rollout, "rollout_paused", "*", reason)
	c.mu.Unlock()

	c.bus.Emit(ctx, RolloutPausedEvent{RolloutID: rolloutID, Reason: reason})
	return nil
}

// ResumeRollout moves a paused rollout back to rolling_out.
func (c *Controller) ResumeRollout(ctx context.Context, rolloutID string) error {
	c.mu.Lock()
	rollout, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return perr.NewUnknownRollout(rolloutID)
	}
	if rollout.State != StatePaused {
		c.mu.Unlock()
		return perr.NewStatePrecondition("resume_rollout", string(rollout.State))
	}
	rollout.State = StateRollingOut
	rollout.LastUpdatedAt = time.Now()
	c.appendAuditLocked(rollout, "rollout_resumed", "*", "")
	c.mu.Unlock()

	c.bus.Emit(ctx, RolloutResumedEvent{RolloutID: rolloutID})
	return nil
}

// Rollback reverts every org assigned to this rollout's target build
// back to its prior build (or deletes the assignment if it had none),
// then marks the rollout rolled_back.
func (c *Controller) Rollback(ctx context.Context, rolloutID, reason string) error {
	c.mu.Lock()
	rollout, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return perr.NewUnknownRollout(rolloutID)
	}
	c.appendAuditLocked(rollout, "rollback_initiated", "*", reason)
	c.bus.Emit(ctx, RollbackInitiatedEvent{RolloutID: rolloutID, Reason: reason})

	for orgID := range rollout.AffectedOrgs {
		assignment, ok := c.assignments[orgID]
		if !ok || assignment.TargetBuildID != rollout.TargetBuildID {
			continue
		}
		if assignment.CurrentBuildID == "" {
			delete(c.assignments, orgID)
			continue
		}
		assignment.TargetBuildID = assignment.CurrentBuildID
		assignment.CurrentBuildID = ""
		assignment.AssignedAt = time.Now()
	}

	rollout.State = StateRolledBack
	rollout.Error = reason
	rollout.CurrentPercentage = 0
	rollout.AffectedOrgs = make(map[string]bool)
	rollout.LastUpdatedAt = time.Now()
	c.appendAuditLocked(rollout, "rollback_completed", "*", reason)
	c.mu.Unlock()

	c.bus.Emit(ctx, RollbackCompletedEvent{RolloutID: rolloutID})
	return nil
}

// assignPopulationLocked grows AffectedOrgs toward targetPercentage's
// ceil-based target count, assigning from unassigned orgs in
// deterministic (orgId-ascending) order. c.mu must be held.
func (c *Controller) assignPopulationLocked(rollout *ActiveRollout, cfgC ChannelConfig, targetPercentage int) {
	if c.orgDir == nil {
		return
	}
	population := c.orgDir.OrgsForChannel(rollout.Channel)
	if targetPercentage < 100 {
		filtered := population[:0:0]
		for _, o := range population {
			if !o.RequiresEnterpriseApproval {
				filtered = append(filtered, o)
			}
		}
		population = filtered
	}
	sort.Slice(population, func(i, j int) bool { return population[i].OrgID < population[j].OrgID })

	targetCount := ceilPercent(len(population), targetPercentage)
	toAssign := targetCount - len(rollout.AffectedOrgs)
	if toAssign <= 0 {
		return
	}

	now := time.Now()
	for _, org := range population {
		if toAssign <= 0 {
			break
		}
		if rollout.AffectedOrgs[org.OrgID] {
			continue
		}
		existing := c.assignments[org.OrgID]
		var priorBuild string
		if existing != nil {
			priorBuild = existing.TargetBuildID
		}
		c.assignments[org.OrgID] = &OrgAssignment{
			OrgID:          org.OrgID,
			CurrentBuildID: priorBuild,
			TargetBuildID:  rollout.TargetBuildID,
			Percentage:     targetPercentage,
			AssignedAt:     now,
			Channel:        rollout.Channel,
		}
		rollout.AffectedOrgs[org.OrgID] = true
		toAssign--
	}
}

func ceilPercent(population, percentage int) int {
	return (population*percentage + 99) / 100
}

func indexOf(stages []int, v int) int {
	for i, s := range stages {
		if s == v {
			return i
		}
	}
	return -1
}

func (c *Controller) appendAuditLocked(rollout *ActiveRollout, eventType, orgID, reason string) {
	ev := RolloutEvent{
		EventID:           uuid.NewString(),
		OrgID:             orgID,
		ToBuildID:         rollout.TargetBuildID,
		Channel:           rollout.Channel,
		EventType:         eventType,
		CurrentPercentage: rollout.CurrentPercentage,
		Timestamp:         time.Now(),
		Actor:             Actor{Type: "system", ID: "rollout-controller"},
	}
	if reason != "" {
		ev.Metadata = map[string]string{"reason": reason}
	}
	c.audit.append(ev)
}

// GetEventLog returns audit events matching f.
func (c *Controller) GetEventLog(f EventLogFilter) []RolloutEvent {
	return c.audit.query(f)
}

// GetRollout returns a copy of a tracked rollout.
func (c *Controller) GetRollout(rolloutID string) (ActiveRollout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rollouts[rolloutID]
	if !ok {
		return ActiveRollout{}, false
	}
	return *r, true
}

// GetOrgAssignment returns a copy of an org's current assignment.
func (c *Controller) GetOrgAssignment(orgID string) (OrgAssignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assignments[orgID]
	if !ok {
		return OrgAssignment{}, false
	}
	return *a, true
}

// ListActiveRollouts returns a snapshot of every rollout not yet in a
// terminal state (completed or rolled_back), for status reporting.
func (c *Controller) ListActiveRollouts() []ActiveRollout {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ActiveRollout, 0, len(c.rollouts))
	for _, r := range c.rollouts {
		if r.State == StateCompleted || r.State == StateRolledBack {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// StartAutoProgression begins the periodic tick driving automatic
// advance/rollback decisions. Safe to call once; a second call is a
// no-op.
func (c *Controller) StartAutoProgression(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cronRunner != nil {
		return
	}
	runner := cron.New()
	spec := fmt.Sprintf("@every %s", c.cfg.TickInterval)
	if _, err := runner.AddFunc(spec, func() { c.tick(ctx) }); err != nil {
		c.log.Error("failed to schedule rollout auto-progression tick", obs.Err(err))
		return
	}
	runner.Start()
	c.cronRunner = runner
}

// StopAutoProgression cancels the periodic tick.
func (c *Controller) StopAutoProgression() {
	c.mu.Lock()
	runner := c.cronRunner
	c.cronRunner = nil
	c.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
}

func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	var rolling []*ActiveRollout
	for _, r := range c.rollouts {
		if r.State == StateRollingOut {
			rolling = append(rolling, r)
		}
	}
	c.mu.Unlock()

	for _, r := range rolling {
		c.tickOne(ctx, r)
	}
}

func (c *Controller) tickOne(ctx context.Context, rollout *ActiveRollout) {
	c.mu.Lock()
	cfgC := c.channelConfigs[rollout.Channel]
	hoursSince := time.Since(rollout.LastUpdatedAt).Hours()
	if hoursSince < cfgC.RolloutDelayHours {
		c.mu.Unlock()
		return
	}
	orgIDs := make([]string, 0, len(rollout.AffectedOrgs))
	for id := range rollout.AffectedOrgs {
		orgIDs = append(orgIDs, id)
	}
	rolloutID := rollout.RolloutID
	c.mu.Unlock()

	if c.metrics == nil {
		return
	}
	snap, err := c.metrics.CollectMetrics(ctx, rolloutID, orgIDs)
	if err != nil {
		c.log.Warn("rollout metrics collection failed", obs.String("rollout_id", rolloutID), obs.Err(err))
		return
	}

	th := c.cfg.Thresholds
	switch {
	case snap.SessionsStarted >= th.MinSessionCount && (snap.FailureRate > th.MaxFailureRate || snap.DisconnectRate > th.MaxDisconnectRate):
		reason := fmt.Sprintf("automatic rollback: failureRate=%.3f disconnectRate=%.3f", snap.FailureRate, snap.DisconnectRate)
		if err := c.Rollback(ctx, rolloutID, reason); err != nil {
			c.log.Warn("automatic rollback failed", obs.String("rollout_id", rolloutID), obs.Err(err))
		}
	case snap.SessionsStarted >= th.MinSessionCount:
		if _, err := c.AdvanceRollout(ctx, rolloutID); err != nil {
			c.log.Warn("automatic advance failed", obs.String("rollout_id", rolloutID), obs.Err(err))
		}
	}
}
