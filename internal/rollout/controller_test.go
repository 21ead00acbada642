package rollout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeOrgDirectory struct {
	orgs []Org
}

func (f *fakeOrgDirectory) OrgsForChannel(channel Channel) []Org {
	var out []Org
	for _, o := range f.orgs {
		if o.Channel == channel {
			out = append(out, o)
		}
	}
	return out
}

func tenOrgs(channel Channel) *fakeOrgDirectory {
	var orgs []Org
	for i := 0; i < 10; i++ {
		orgs = append(orgs, Org{OrgID: string(rune('a' + i)), Channel: channel})
	}
	return &fakeOrgDirectory{orgs: orgs}
}

func newTestController(t *testing.T, orgDir OrgDirectory) *Controller {
	return New(Config{MaxConcurrentRollouts: 2}, nil, orgDir, nil, zaptest.NewLogger(t))
}

func TestInitiateRollout_PinnedBypassesCanaryAndGoesTo100(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))
	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, rollout.CurrentPercentage)
	assert.Equal(t, StateRollingOut, rollout.State)
	assert.Len(t, rollout.AffectedOrgs, 10)
}

func TestInitiateRollout_StableRequiresCanary(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelStable))

	_, err := c.InitiateRollout(context.Background(), "build-1", ChannelStable, nil)
	require.Error(t, err)

	_, err = c.InitiateRollout(context.Background(), "build-1", ChannelStable, &CanaryOutcome{Passed: false})
	require.Error(t, err)

	_, err = c.InitiateRollout(context.Background(), "build-1", ChannelStable, &CanaryOutcome{Passed: true, PassRate: 0.5})
	require.Error(t, err, "pass rate below threshold must be rejected")

	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelStable, &CanaryOutcome{Passed: true, PassRate: 0.99})
	require.NoError(t, err)
	assert.Equal(t, 1, rollout.CurrentPercentage, "stable's first stage is 1%")
}

func TestInitiateRollout_RejectsOverMaxConcurrent(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))
	_, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)
	_, err = c.InitiateRollout(context.Background(), "build-2", ChannelPinned, nil)
	require.NoError(t, err)
	_, err = c.InitiateRollout(context.Background(), "build-3", ChannelPinned, nil)
	require.Error(t, err)
}

func TestAdvanceRollout_ProgressesThroughStagesThenCompletes(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelBeta))
	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelBeta, &CanaryOutcome{Passed: true, PassRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 10, rollout.CurrentPercentage)

	rollout, err = c.AdvanceRollout(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, 50, rollout.CurrentPercentage)
	assert.Equal(t, StateRollingOut, rollout.State)

	rollout, err = c.AdvanceRollout(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, 100, rollout.CurrentPercentage)

	rollout, err = c.AdvanceRollout(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rollout.State)
}

func TestAdvanceRollout_RejectsWhenNotRollingOut(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))
	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)
	_, err = c.AdvanceRollout(context.Background(), rollout.RolloutID) // already at 100, completes
	require.NoError(t, err)
	_, err = c.AdvanceRollout(context.Background(), rollout.RolloutID)
	require.Error(t, err)
}

func TestPauseResumeRollout(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))
	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)

	require.NoError(t, c.PauseRollout(context.Background(), rollout.RolloutID, "investigating"))
	got, _ := c.GetRollout(rollout.RolloutID)
	assert.Equal(t, StatePaused, got.State)

	_, err = c.AdvanceRollout(context.Background(), rollout.RolloutID)
	require.Error(t, err, "paused rollouts cannot advance")

	require.NoError(t, c.ResumeRollout(context.Background(), rollout.RolloutID))
	got, _ = c.GetRollout(rollout.RolloutID)
	assert.Equal(t, StateRollingOut, got.State)
}

func TestRollback_RevertsAssignmentsAndClearsAffectedOrgs(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))

	rollout1, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)
	_, err = c.AdvanceRollout(context.Background(), rollout1.RolloutID) // completes at 100
	require.NoError(t, err)

	rollout2, err := c.InitiateRollout(context.Background(), "build-2", ChannelPinned, nil)
	require.NoError(t, err)

	assignment, ok := c.GetOrgAssignment("a")
	require.True(t, ok)
	assert.Equal(t, "build-2", assignment.TargetBuildID)
	assert.Equal(t, "build-1", assignment.CurrentBuildID)

	require.NoError(t, c.Rollback(context.Background(), rollout2.RolloutID, "regression"))

	assignment, ok = c.GetOrgAssignment("a")
	require.True(t, ok)
	assert.Equal(t, "build-1", assignment.TargetBuildID)
	assert.Empty(t, assignment.CurrentBuildID)

	got, _ := c.GetRollout(rollout2.RolloutID)
	assert.Equal(t, StateRolledBack, got.State)
	assert.Equal(t, "regression", got.Error)
	assert.Equal(t, 0, got.CurrentPercentage)
	assert.Empty(t, got.AffectedOrgs)
}

func TestRollback_DeletesAssignmentWithNoPriorBuild(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))
	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)

	require.NoError(t, c.Rollback(context.Background(), rollout.RolloutID, "bad build"))
	_, ok := c.GetOrgAssignment("a")
	assert.False(t, ok, "org with no prior build must have its assignment deleted")
}

func TestGetEventLog_FiltersByOrgAndWildcard(t *testing.T) {
	c := newTestController(t, tenOrgs(ChannelPinned))
	rollout, err := c.InitiateRollout(context.Background(), "build-1", ChannelPinned, nil)
	require.NoError(t, err)
	require.NoError(t, c.PauseRollout(context.Background(), rollout.RolloutID, "pause"))

	events := c.GetEventLog(EventLogFilter{OrgID: "nonexistent-org"})
	assert.NotEmpty(t, events, "wildcard org='*' events match any org filter")

	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	assert.Contains(t, types, "rollout_started")
	assert.Contains(t, types, "rollout_paused")
}

func TestCeilPercent(t *testing.T) {
	assert.Equal(t, 1, ceilPercent(10, 1))
	assert.Equal(t, 10, ceilPercent(10, 100))
	assert.Equal(t, 4, ceilPercent(10, 31))
}
