package knowngood

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/perr"
)

func newTestRegistry(t *testing.T) *Registry {
	return New(Config{MaxVersionsPerProvider: 3, MaxBuilds: 3, AutoDeprecateDays: 90}, zaptest.NewLogger(t))
}

func TestRegisterVersion_TrimsOldestBeyondMax(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Now().Add(-10 * time.Hour)
	for i, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"} {
		r.RegisterVersion(context.Background(), RuntimeVersion{ProviderID: "codex", Version: v, ReleasedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	r.mu.RLock()
	byProvider := r.versions["codex"]
	r.mu.RUnlock()
	assert.Len(t, byProvider, 3)
	_, hasOldest := byProvider["1.0.0"]
	assert.False(t, hasOldest, "oldest version should have been trimmed")
}

func TestRegisterVersion_NeverEvictsKnownGoodReferencedVersion(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Now().Add(-10 * time.Hour)
	r.RegisterVersion(context.Background(), RuntimeVersion{ProviderID: "codex", Version: "1.0.0", ReleasedAt: base})

	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1", RuntimeVersions: map[string]string{"codex": "1.0.0"}, BuiltAt: base}))
	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatCompatible}))
	require.NoError(t, r.PromoteBuild(context.Background(), "b1"))

	for i, v := range []string{"1.1.0", "1.2.0", "1.3.0"} {
		r.RegisterVersion(context.Background(), RuntimeVersion{ProviderID: "codex", Version: v, ReleasedAt: base.Add(time.Duration(i+1) * time.Hour)})
	}

	r.mu.RLock()
	_, stillThere := r.versions["codex"]["1.0.0"]
	r.mu.RUnlock()
	assert.True(t, stillThere, "known_good-referenced version must never be evicted")
}

func TestRegisterBuild_RejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1"}))
	err := r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1"})
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.CodeDuplicateBuild))
}

func TestPromoteBuild_RequiresCompatibleResult(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1"}))

	err := r.PromoteBuild(context.Background(), "b1")
	require.Error(t, err)

	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatPartial}))
	err = r.PromoteBuild(context.Background(), "b1")
	require.Error(t, err, "partial-only results must not allow promotion")

	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatCompatible}))
	require.NoError(t, r.PromoteBuild(context.Background(), "b1"))

	entry, ok := r.GetEntry("b1")
	require.True(t, ok)
	assert.Equal(t, EntryKnownGood, entry.Status)
	assert.Equal(t, RecRecommended, entry.Recommendation)
	assert.False(t, entry.PromotedAt.IsZero())
}

func TestAddCompatibilityResult_RecomputesRecommendationFromLatest(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1"}))

	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatCompatible}))
	entry, _ := r.GetEntry("b1")
	assert.Equal(t, RecAcceptable, entry.Recommendation)

	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatIncompatible}))
	entry, _ = r.GetEntry("b1")
	assert.Equal(t, RecNotRecommended, entry.Recommendation, "recommendation must reflect the latest result, not history")
}

func TestMarkBuildBad_BlocksRecommendationFromAnyState(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1"}))
	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatCompatible}))
	require.NoError(t, r.PromoteBuild(context.Background(), "b1"))

	require.NoError(t, r.MarkBuildBad("b1", "rollback triggered"))
	entry, _ := r.GetEntry("b1")
	assert.Equal(t, EntryKnownBad, entry.Status)
	assert.Equal(t, RecBlocked, entry.Recommendation)
	assert.Equal(t, "rollback triggered", entry.StatusReason)
}

func TestGetRecommendedBuild_Stable_PicksNewestPromoted(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1", BuiltAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b2", BuiltAt: now.Add(-1 * time.Hour)}))
	for _, id := range []string{"b1", "b2"} {
		require.NoError(t, r.AddCompatibilityResult(context.Background(), id, CompatibilityResult{Status: CompatCompatible}))
	}
	require.NoError(t, r.PromoteBuild(context.Background(), "b1"))
	time.Sleep(time.Millisecond)
	require.NoError(t, r.PromoteBuild(context.Background(), "b2"))

	build, ok := r.GetRecommendedBuild("stable")
	require.True(t, ok)
	assert.Equal(t, "b2", build.BuildID)
}

func TestGetRecommendedBuild_Beta_IncludesTestingNotBlocked(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1", BuiltAt: time.Now()}))
	require.NoError(t, r.AddCompatibilityResult(context.Background(), "b1", CompatibilityResult{Status: CompatPartial}))

	build, ok := r.GetRecommendedBuild("beta")
	require.True(t, ok)
	assert.Equal(t, "b1", build.BuildID)

	require.NoError(t, r.MarkBuildBad("b1", "bad"))
	_, ok = r.GetRecommendedBuild("beta")
	assert.False(t, ok, "blocked builds must not be recommended")
}

func TestFindCompatibleBuilds_MatchesCaretRangeAndExact(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1", RuntimeVersions: map[string]string{"codex": "1.2.0"}}))
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b2", RuntimeVersions: map[string]string{"codex": "2.0.0"}}))

	matches := r.FindCompatibleBuilds("codex", "1.0.0")
	require.Len(t, matches, 1)
	assert.Equal(t, "b1", matches[0].BuildID)

	matches = r.FindCompatibleBuilds("codex", "2.0.0")
	require.Len(t, matches, 1)
	assert.Equal(t, "b2", matches[0].BuildID)
}

func TestAutoDeprecate_DeprecatesOldKnownGoodAndTesting(t *testing.T) {
	r := New(Config{AutoDeprecateDays: 1}, zaptest.NewLogger(t))
	old := time.Now().AddDate(0, 0, -2)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1", BuiltAt: old}))
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b2", BuiltAt: time.Now()}))

	deprecated := r.AutoDeprecate(context.Background())
	assert.Contains(t, deprecated, "b1")
	assert.NotContains(t, deprecated, "b2")

	entry, _ := r.GetEntry("b1")
	assert.Equal(t, EntryDeprecated, entry.Status)
	assert.Equal(t, "Auto-deprecated due to age", entry.StatusReason)
}

func TestExportImport_RoundTrips(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterBuild(context.Background(), RunnerBuild{BuildID: "b1", RuntimeVersions: map[string]string{"codex": "1.0.0"}}))
	r.RegisterVersion(context.Background(), RuntimeVersion{ProviderID: "codex", Version: "1.0.0", ReleasedAt: time.Now()})

	data, err := r.Export()
	require.NoError(t, err)

	r2 := newTestRegistry(t)
	require.NoError(t, r2.Import(data))

	_, ok := r2.GetBuild("b1")
	assert.True(t, ok)
	r2.mu.RLock()
	_, ok = r2.versions["codex"]["1.0.0"]
	r2.mu.RUnlock()
	assert.True(t, ok)
}
