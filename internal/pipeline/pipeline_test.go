package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/canaryrunner"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/knowngood"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/rollout"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/sweep"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/versionwatcher"
)

type fakeOrgDirectory struct{ orgs []rollout.Org }

func (f *fakeOrgDirectory) OrgsForChannel(channel rollout.Channel) []rollout.Org {
	var out []rollout.Org
	for _, o := range f.orgs {
		if o.Channel == channel {
			out = append(out, o)
		}
	}
	return out
}

func fiveOrgs(channel rollout.Channel) *fakeOrgDirectory {
	var orgs []rollout.Org
	for i := 0; i < 5; i++ {
		orgs = append(orgs, rollout.Org{OrgID: string(rune('a' + i)), Channel: channel})
	}
	return &fakeOrgDirectory{orgs: orgs}
}

func alwaysPassExecutor() canaryrunner.Executor {
	return canaryrunner.ExecutorFunc(func(ctx context.Context, suite canaryrunner.TestSuite, tc canaryrunner.TestCase, provider string) (canaryrunner.CaseStatus, string, error) {
		return canaryrunner.StatusPassed, "", nil
	})
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *fakeOrgDirectory) {
	t.Helper()
	log := zaptest.NewLogger(t)

	watcher := versionwatcher.New(nil, versionwatcher.Config{}, nil, log)
	canary := canaryrunner.New(canaryrunner.Config{}, alwaysPassExecutor(), log)
	registry := knowngood.New(knowngood.Config{}, log)
	orgDir := fiveOrgs(rollout.ChannelStable)
	rolloutCtrl := rollout.New(rollout.Config{}, nil, orgDir, nil, log)
	sweepMgr := sweep.New(sweep.ManagerConfig{}, sweep.RepoSweeperFunc(func(ctx context.Context, jobID, repoURL string, cfg sweep.Config) (sweep.Result, error) {
		return sweep.Result{SweepID: jobID, RepoURL: repoURL, Status: sweep.ResultSuccess}, nil
	}), log)

	reposForBuild := func(buildID string) []sweep.RepoTarget {
		return []sweep.RepoTarget{{RepoURL: "https://example.com/r1", OptedIn: true}}
	}
	canarySuiteFor := func(providerID, version string) (string, canaryrunner.TestSuite, bool) {
		suites := canaryrunner.BuiltinSuites()
		return "build-" + version, suites[0], true
	}

	p := New(cfg, watcher, canary, registry, rolloutCtrl, sweepMgr, reposForBuild, canarySuiteFor, log)
	return p, orgDir
}

func TestPipeline_StartStop_Idempotent(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultConfig())
	ctx := context.Background()

	p.Start(ctx)
	p.Start(ctx)
	assert.True(t, p.GetStatus().Running)

	p.Stop()
	p.Stop()
	assert.False(t, p.GetStatus().Running)
}

func TestPipeline_AutoCanary_RegistersVersionOnDiscovery(t *testing.T) {
	cfg := DefaultConfig()
	p, _ := newTestPipeline(t, cfg)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	p.Watcher.Events().Emit(ctx, versionwatcher.VersionDiscoveredEvent{
		DiscoveredVersion: versionwatcher.DiscoveredVersion{
			ProviderID:   "codex",
			Version:      "2.0.0",
			DiscoveredAt: time.Now(),
		},
	})

	require.NoError(t, p.Registry.MarkVersionCanaryPassed("codex", "2.0.0", false), "autoCanary registered the discovered version")
	require.NoError(t, p.Registry.RegisterBuild(ctx, knowngood.RunnerBuild{
		BuildID:         "b1",
		RuntimeVersions: map[string]string{"codex": "2.0.0"},
		BuiltAt:         time.Now(),
	}))
	matches := p.Registry.FindCompatibleBuilds("codex", "2.0.0")
	require.Len(t, matches, 1)
	assert.Equal(t, "b1", matches[0].BuildID)
}

func TestPipeline_AutoCanary_Disabled_DoesNotRegisterVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCanary = false
	p, _ := newTestPipeline(t, cfg)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	var gotPipelineEvent bool
	p.Events().Subscribe("test", func(ctx context.Context, ev Event) {
		if _, ok := ev.(NewVersionDetectedEvent); ok {
			gotPipelineEvent = true
		}
	})

	p.Watcher.Events().Emit(ctx, versionwatcher.VersionDiscoveredEvent{
		DiscoveredVersion: versionwatcher.DiscoveredVersion{ProviderID: "codex", Version: "3.0.0", DiscoveredAt: time.Now()},
	})

	assert.True(t, gotPipelineEvent, "the pipeline-level event still fires regardless of autoCanary")
	assert.Error(t, p.Registry.MarkVersionCanaryPassed("codex", "3.0.0", false), "the discovered version was not registered")
	require.NoError(t, p.Registry.RegisterBuild(ctx, knowngood.RunnerBuild{
		BuildID:         "b2",
		RuntimeVersions: map[string]string{"codex": "3.0.0"},
		BuiltAt:         time.Now(),
	}))
	matches := p.Registry.FindCompatibleBuilds("codex", "3.0.0")
	assert.Len(t, matches, 1, "RegisterBuild succeeds independent of whether the version was pre-registered")
}

func TestPipeline_EmitsPipelineLevelEventOnVersionDiscovered(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultConfig())
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	var got []Event
	p.Events().Subscribe("test", func(ctx context.Context, ev Event) { got = append(got, ev) })

	p.Watcher.Events().Emit(ctx, versionwatcher.VersionDiscoveredEvent{
		DiscoveredVersion: versionwatcher.DiscoveredVersion{ProviderID: "codex", Version: "2.0.0", DiscoveredAt: time.Now()},
	})

	require.Len(t, got, 1)
	nv, ok := got[0].(NewVersionDetectedEvent)
	require.True(t, ok)
	assert.Equal(t, "codex", nv.ProviderID)
	assert.Equal(t, "2.0.0", nv.Version)
}

func TestPipeline_AutoRollout_InitiatesRolloutOnCanaryPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRollout = true
	p, _ := newTestPipeline(t, cfg)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	var rolloutEvents []Event
	p.Events().Subscribe("test", func(ctx context.Context, ev Event) {
		if _, ok := ev.(RolloutInitiatedEvent); ok {
			rolloutEvents = append(rolloutEvents, ev)
		}
	})

	p.Canary.Events().Emit(ctx, canaryrunner.SuiteCompletedEvent{
		Result: canaryrunner.CanaryTestResult{
			BuildID: "build-x",
			SuiteID: "suite-1",
			Status:  canaryrunner.SuiteStatusPassed,
			Metrics: canaryrunner.CanaryMetrics{TotalTests: 1, Passed: 1, PassRate: 1.0},
		},
	})

	require.Len(t, rolloutEvents, 1)
	ri := rolloutEvents[0].(RolloutInitiatedEvent)
	assert.Equal(t, "build-x", ri.BuildID)
	assert.Equal(t, string(rollout.ChannelStable), ri.Channel)
}

func TestPipeline_AutoRollout_Disabled_DoesNotInitiateRollout(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultConfig())
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	p.Canary.Events().Emit(ctx, canaryrunner.SuiteCompletedEvent{
		Result: canaryrunner.CanaryTestResult{BuildID: "build-x", SuiteID: "suite-1", Status: canaryrunner.SuiteStatusPassed},
	})

	assert.Equal(t, 0, p.GetStatus().ActiveRolloutCount)
}

func TestPipeline_AutoSweep_TriggersSweepOnRolloutCompleted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoSweep = true
	p, _ := newTestPipeline(t, cfg)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	var mu sync.Mutex
	var sweepEvents []Event
	p.Events().Subscribe("test", func(ctx context.Context, ev Event) {
		if _, ok := ev.(SweepTriggeredEvent); ok {
			mu.Lock()
			sweepEvents = append(sweepEvents, ev)
			mu.Unlock()
		}
	})

	p.Rollout.Events().Emit(ctx, rollout.RolloutCompletedEvent{
		Rollout: rollout.ActiveRollout{RolloutID: "r1", TargetBuildID: "build-x", Channel: rollout.ChannelStable},
	})

	// The sweep job starts on its own goroutine, so sweep_triggered
	// arrives asynchronously.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sweepEvents) == 1
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return p.GetStatus().RunningSweepCount >= 0
	}, time.Second, time.Millisecond)
}

func TestPipeline_GetStatus_ReportsRecommendedBuildsPerChannel(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultConfig())
	ctx := context.Background()

	p.Registry.RegisterBuild(ctx, knowngood.RunnerBuild{BuildID: "b1", BuiltAt: time.Now()})
	require.NoError(t, p.Registry.AddCompatibilityResult(ctx, "b1", knowngood.CompatibilityResult{Status: knowngood.CompatCompatible}))
	require.NoError(t, p.Registry.PromoteBuild(ctx, "b1"))

	status := p.GetStatus()
	assert.Equal(t, "b1", status.RecommendedBuilds[rollout.ChannelStable])
}
