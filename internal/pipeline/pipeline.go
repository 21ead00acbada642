// Package pipeline wires VersionWatcher, CanaryRunner, KnownGoodRegistry,
// RolloutController, and SweepManager into a single orchestrator, per
// spec.md §4.6. The HouseActivity core is not part of it. It owns no domain logic of its
// own beyond the auto-canary/auto-rollout/auto-sweep reactions and the
// re-emission of child events as pipeline-level events.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/canaryrunner"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/knowngood"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/obs"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/rollout"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/sweep"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/versionwatcher"
)

const subscriberID = "pipeline"

// ReposForBuild resolves the opted-in repo population a post-update
// sweep should target for a given build. Supplied by the host process
// (it knows the org/repo directory); Pipeline has no persistence of its
// own, per spec.md §1 Non-goals.
type ReposForBuild func(buildID string) []sweep.RepoTarget

// CanarySuiteForBuild resolves which suite to run for a newly registered
// version/build. It is consulted only when both autoCanary and
// autoRollout are enabled. Supplied by the host process.
type CanarySuiteForBuild func(providerID, version string) (buildID string, suite canaryrunner.TestSuite, ok bool)

// Status is the summary snapshot returned by GetStatus.
type Status struct {
	Running            bool
	ActiveRolloutCount int
	RunningSweepCount  int
	RecommendedBuilds  map[rollout.Channel]string // channel -> buildId, omitted if none
}

// Pipeline is spec.md §4.6's orchestrator.
type Pipeline struct {
	cfg Config

	Watcher  *versionwatcher.Watcher
	Canary   *canaryrunner.Runner
	Registry *knowngood.Registry
	Rollout  *rollout.Controller
	Sweep    *sweep.Manager

	reposForBuild  ReposForBuild
	canarySuiteFor CanarySuiteForBuild

	log *zap.Logger
	bus *events.Bus[Event]

	mu      sync.Mutex
	running bool
}

// New constructs a Pipeline over already-constructed components. Each
// component is independently configured and may be used standalone;
// Pipeline only adds cross-component wiring.
func New(
	cfg Config,
	watcher *versionwatcher.Watcher,
	canary *canaryrunner.Runner,
	registry *knowngood.Registry,
	rolloutCtrl *rollout.Controller,
	sweepMgr *sweep.Manager,
	reposForBuild ReposForBuild,
	canarySuiteFor CanarySuiteForBuild,
	log *zap.Logger,
) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		cfg:            cfg,
		Watcher:        watcher,
		Canary:         canary,
		Registry:       registry,
		Rollout:        rolloutCtrl,
		Sweep:          sweepMgr,
		reposForBuild:  reposForBuild,
		canarySuiteFor: canarySuiteFor,
		log:            log,
		bus:            events.NewBus[Event](log),
	}
}

// Events returns the pipeline-level bus.
func (p *Pipeline) Events() *events.Bus[Event] { return p.bus }

// Start wires child-component subscriptions and starts the components
// that own their own background work (VersionWatcher polling, the
// RolloutController's auto-progression tick). Idempotent: a second call
// is a documented no-op, per spec.md §8's idempotence law — a deliberate
// deviation from returning an error on double-start.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wireEvents(ctx)
	if p.Watcher != nil {
		p.Watcher.Start(ctx)
	}
	if p.Rollout != nil {
		p.Rollout.StartAutoProgression(ctx)
	}
}

// Stop halts VersionWatcher polling and the auto-progression tick.
// Child-component subscriptions made by Start stay in place. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	if p.Watcher != nil {
		p.Watcher.Stop()
	}
	if p.Rollout != nil {
		p.Rollout.StopAutoProgression()
	}
}

func (p *Pipeline) wireEvents(ctx context.Context) {
	if p.Watcher != nil {
		p.Watcher.Events().Subscribe(subscriberID, func(ctx context.Context, ev versionwatcher.Event) {
			p.onVersionWatcherEvent(ctx, ev)
		})
	}
	if p.Canary != nil {
		p.Canary.Events().Subscribe(subscriberID, func(ctx context.Context, ev canaryrunner.Event) {
			p.onCanaryEvent(ctx, ev)
		})
	}
	if p.Rollout != nil {
		p.Rollout.Events().Subscribe(subscriberID, func(ctx context.Context, ev rollout.Event) {
			p.onRolloutEvent(ctx, ev)
		})
	}
	if p.Sweep != nil {
		p.Sweep.Events().Subscribe(subscriberID, func(ctx context.Context, ev sweep.Event) {
			p.onSweepEvent(ctx, ev)
		})
	}
}

func (p *Pipeline) onVersionWatcherEvent(ctx context.Context, ev versionwatcher.Event) {
	dv, ok := ev.(versionwatcher.VersionDiscoveredEvent)
	if !ok {
		return
	}
	p.bus.Emit(ctx, NewVersionDetectedEvent{
		ProviderID:      dv.ProviderID,
		Version:         dv.Version,
		PreviousVersion: dv.PreviousVersion,
	})

	if !p.cfg.AutoCanary || p.Registry == nil {
		return
	}
	p.Registry.RegisterVersion(ctx, knowngood.RuntimeVersion{
		ProviderID: dv.ProviderID,
		Version:    dv.Version,
		SourceURL:  dv.SourceURL,
		ReleasedAt: dv.DiscoveredAt,
	})

	if p.cfg.AutoRollout && p.Canary != nil && p.canarySuiteFor != nil {
		buildID, suite, ok := p.canarySuiteFor(dv.ProviderID, dv.Version)
		if ok {
			go func() {
				if _, err := p.Canary.RunSuite(ctx, buildID, suite, true); err != nil {
					p.reportError(ctx, "canaryrunner", err)
				}
			}()
		}
	}
}

func (p *Pipeline) onCanaryEvent(ctx context.Context, ev canaryrunner.Event) {
	switch e := ev.(type) {
	case canaryrunner.SuiteStartedEvent:
		p.bus.Emit(ctx, CanaryStartedEvent{BuildID: e.BuildID, SuiteID: e.SuiteID})
	case canaryrunner.SuiteCompletedEvent:
		passed := e.Result.Status == canaryrunner.SuiteStatusPassed
		p.bus.Emit(ctx, CanaryCompletedEvent{
			BuildID:  e.Result.BuildID,
			SuiteID:  e.Result.SuiteID,
			Passed:   passed,
			PassRate: e.Result.Metrics.PassRate,
		})
		if p.cfg.AutoRollout && p.Rollout != nil && passed {
			outcome := &rollout.CanaryOutcome{Passed: passed, PassRate: e.Result.Metrics.PassRate}
			if _, err := p.Rollout.InitiateRollout(ctx, e.Result.BuildID, p.cfg.DefaultChannel, outcome); err != nil {
				p.reportError(ctx, "rollout", err)
			}
		}
	}
}

func (p *Pipeline) onRolloutEvent(ctx context.Context, ev rollout.Event) {
	switch e := ev.(type) {
	case rollout.RolloutStartedEvent:
		p.bus.Emit(ctx, RolloutInitiatedEvent{
			RolloutID: e.Rollout.RolloutID,
			BuildID:   e.Rollout.TargetBuildID,
			Channel:   string(e.Rollout.Channel),
		})
	case rollout.RolloutCompletedEvent:
		p.bus.Emit(ctx, RolloutCompletedEvent{
			RolloutID: e.Rollout.RolloutID,
			BuildID:   e.Rollout.TargetBuildID,
			Channel:   string(e.Rollout.Channel),
		})
		if p.cfg.AutoSweep && p.Sweep != nil && p.reposForBuild != nil {
			repos := p.reposForBuild(e.Rollout.TargetBuildID)
			if _, err := p.Sweep.TriggerPostUpdateSweep(ctx, e.Rollout.TargetBuildID, repos, sweep.Config{}); err != nil {
				p.reportError(ctx, "sweep", err)
			}
		}
	case rollout.RollbackCompletedEvent:
		p.bus.Emit(ctx, RollbackCompletedEvent{RolloutID: e.RolloutID})
	}
}

func (p *Pipeline) onSweepEvent(ctx context.Context, ev sweep.Event) {
	switch e := ev.(type) {
	case sweep.SweepStartedEvent:
		buildID := ""
		if job, ok := p.Sweep.GetJob(e.JobID); ok {
			buildID = job.Config.TriggeredByBuildID
		}
		p.bus.Emit(ctx, SweepTriggeredEvent{JobID: e.JobID, BuildID: buildID})
	case sweep.SweepCompletedEvent:
		p.bus.Emit(ctx, SweepCompletedEvent{JobID: e.Job.JobID})
	}
}

func (p *Pipeline) reportError(ctx context.Context, source string, err error) {
	p.log.Warn("pipeline auto-reaction failed", obs.String("source", source), obs.Err(err))
	p.bus.Emit(ctx, PipelineErrorEvent{Source: source, Message: err.Error()})
}

// GetStatus summarizes active counts and recommended builds per channel,
// per spec.md §4.6.
func (p *Pipeline) GetStatus() Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	status := Status{Running: running, RecommendedBuilds: make(map[rollout.Channel]string)}

	if p.Rollout != nil {
		status.ActiveRolloutCount = len(p.Rollout.ListActiveRollouts())
	}
	if p.Sweep != nil {
		status.RunningSweepCount = p.Sweep.RunningJobCount()
	}
	if p.Registry != nil {
		for _, channel := range []rollout.Channel{rollout.ChannelStable, rollout.ChannelBeta, rollout.ChannelPinned} {
			if build, ok := p.Registry.GetRecommendedBuild(string(channel)); ok {
				status.RecommendedBuilds[channel] = build.BuildID
			}
		}
	}
	return status
}

// DefaultStatusPollInterval is unused by Pipeline itself; components own their own
// timers. Retained as a documented constant for host processes wiring a
// status-polling loop around GetStatus.
const DefaultStatusPollInterval = 5 * time.Second
