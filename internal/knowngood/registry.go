package knowngood

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/perr"
)

// Config bounds the registry's retention behavior; see spec.md §6.
type Config struct {
	MaxVersionsPerProvider int
	MaxBuilds              int
	AutoDeprecateDays      int
}

// SetDefaults fills zero-valued fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.MaxVersionsPerProvider <= 0 {
		c.MaxVersionsPerProvider = 20
	}
	if c.MaxBuilds <= 0 {
		c.MaxBuilds = 100
	}
	if c.AutoDeprecateDays <= 0 {
		c.AutoDeprecateDays = 90
	}
}

// Registry implements spec.md §4.3's KnownGoodRegistry.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	versions map[string]map[string]RuntimeVersion // providerId -> version -> RuntimeVersion
	builds   map[string]RunnerBuild
	entries  map[string]*KnownGoodEntry // buildId -> entry
	log      *zap.Logger
	bus      *events.Bus[Event]
}

// New constructs an empty Registry.
func New(cfg Config, log *zap.Logger) *Registry {
	cfg.SetDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		versions: make(map[string]map[string]RuntimeVersion),
		builds:   make(map[string]RunnerBuild),
		entries:  make(map[string]*KnownGoodEntry),
		log:      log,
		bus:      events.NewBus[Event](log),
	}
}

// Events returns the bus other components subscribe to.
func (r *Registry) Events() *events.Bus[Event] { return r.bus }

// RegisterVersion inserts or replaces a version and trims the oldest
// versions beyond MaxVersionsPerProvider, never evicting a version
// referenced by a known_good build.
func (r *Registry) RegisterVersion(ctx context.Context, v RuntimeVersion) {
	r.mu.Lock()
	byProvider, ok := r.versions[v.ProviderID]
	if !ok {
		byProvider = make(map[string]RuntimeVersion)
		r.versions[v.ProviderID] = byProvider
	}
	byProvider[v.Version] = v
	r.trimVersionsLocked(v.ProviderID)
	r.mu.Unlock()

	r.bus.Emit(ctx, VersionRegisteredEvent{ProviderID: v.ProviderID, Version: v.Version})
}

func (r *Registry) trimVersionsLocked(providerID string) {
	byProvider := r.versions[providerID]
	if len(byProvider) <= r.cfg.MaxVersionsPerProvider {
		return
	}
	protected := r.knownGoodVersionsLocked(providerID)

	versions := make([]RuntimeVersion, 0, len(byProvider))
	for _, v := range byProvider {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ReleasedAt.Before(versions[j].ReleasedAt) })

	excess := len(byProvider) - r.cfg.MaxVersionsPerProvider
	for _, v := range versions {
		if excess <= 0 {
			break
		}
		if protected[v.Version] {
			continue
		}
		delete(byProvider, v.Version)
		excess--
	}
}

func (r *Registry) knownGoodVersionsLocked(providerID string) map[string]bool {
	protected := make(map[string]bool)
	for buildID, entry := range r.entries {
		if entry.Status != EntryKnownGood {
			continue
		}
		build, ok := r.builds[buildID]
		if !ok {
			continue
		}
		if version, ok := build.RuntimeVersions[providerID]; ok {
			protected[version] = true
		}
	}
	return protected
}

// MarkVersionCanaryPassed records that a canary suite passed (or not)
// against a provider version.
func (r *Registry) MarkVersionCanaryPassed(providerID, version string, passed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byProvider, ok := r.versions[providerID]
	if !ok {
		return perr.New(perr.CategoryValidation, perr.CodeUnknownBuild, "unknown provider").WithDetail("provider_id", providerID)
	}
	v, ok := byProvider[version]
	if !ok {
		return perr.New(perr.CategoryValidation, perr.CodeUnknownBuild, "unknown version").WithDetail("version", version)
	}
	if passed {
		v.CanaryPassed = true
		v.CanaryPassedAt = time.Now()
	} else {
		v.CanaryPassed = false
		v.CanaryPassedAt = time.Time{}
	}
	byProvider[version] = v
	return nil
}

// RegisterBuild registers an immutable build and creates its testing
// KnownGoodEntry, rejecting duplicate build IDs.
func (r *Registry) RegisterBuild(ctx context.Context, build RunnerBuild) error {
	r.mu.Lock()
	if _, exists := r.builds[build.BuildID]; exists {
		r.mu.Unlock()
		return perr.NewDuplicateBuild(build.BuildID)
	}
	if build.BuiltAt.IsZero() {
		build.BuiltAt = time.Now()
	}
	r.builds[build.BuildID] = build
	r.entries[build.BuildID] = &KnownGoodEntry{
		EntryID:        build.BuildID,
		BuildID:        build.BuildID,
		Status:         EntryTesting,
		Recommendation: RecNotRecommended,
	}
	r.trimBuildsLocked()
	r.mu.Unlock()

	r.bus.Emit(ctx, BuildRegisteredEvent{BuildID: build.BuildID})
	return nil
}

func (r *Registry) trimBuildsLocked() {
	if len(r.builds) <= r.cfg.MaxBuilds {
		return
	}
	type candidate struct {
		buildID string
		builtAt time.Time
	}
	var candidates []candidate
	for id, b := range r.builds {
		if entry, ok := r.entries[id]; ok && entry.Status == EntryKnownGood {
			continue
		}
		candidates = append(candidates, candidate{id, b.BuiltAt})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].builtAt.Before(candidates[j].builtAt) })

	excess := len(r.builds) - r.cfg.MaxBuilds
	for _, c := range candidates {
		if excess <= 0 {
			break
		}
		delete(r.builds, c.buildID)
		delete(r.entries, c.buildID)
		excess--
	}
}

// AddCompatibilityResult appends a result and recomputes the entry's
// recommendation from it.
func (r *Registry) AddCompatibilityResult(ctx context.Context, buildID string, result CompatibilityResult) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return perr.NewUnknownBuild(buildID)
	}
	result.BuildID = buildID
	if result.TestedAt.IsZero() {
		result.TestedAt = time.Now()
	}
	entry.CompatResults = append(entry.CompatResults, result)
	entry.Recommendation = recommendationFor(result.Status)
	r.mu.Unlock()

	r.bus.Emit(ctx, CompatResultAddedEvent{BuildID: buildID, Status: result.Status})
	return nil
}

func recommendationFor(status CompatStatus) Recommendation {
	switch status {
	case CompatCompatible, CompatPartial:
		return RecAcceptable
	default:
		return RecNotRecommended
	}
}

// PromoteBuild requires at least one compatibility result with status
// compatible; on success it sets the entry to known_good.
func (r *Registry) PromoteBuild(ctx context.Context, buildID string) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return perr.NewUnknownBuild(buildID)
	}
	if !hasCompatibleResult(entry.CompatResults) {
		r.mu.Unlock()
		return perr.NewInsufficientCompatResult(buildID)
	}
	entry.Status = EntryKnownGood
	entry.PromotedAt = time.Now()
	entry.Recommendation = RecRecommended
	r.mu.Unlock()

	r.bus.Emit(ctx, BuildPromotedEvent{BuildID: buildID})
	return nil
}

func hasCompatibleResult(results []CompatibilityResult) bool {
	for _, res := range results {
		if res.Status == CompatCompatible {
			return true
		}
	}
	return false
}

// DeprecateBuild moves an entry to deprecated from any prior state.
func (r *Registry) DeprecateBuild(ctx context.Context, buildID, reason string) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return perr.NewUnknownBuild(buildID)
	}
	entry.Status = EntryDeprecated
	entry.DeprecatedAt = time.Now()
	entry.StatusReason = reason
	r.mu.Unlock()

	r.bus.Emit(ctx, BuildDeprecatedEvent{BuildID: buildID, Reason: reason})
	return nil
}

// MarkBuildBad moves an entry to known_bad from any prior state and
// blocks its recommendation.
func (r *Registry) MarkBuildBad(buildID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[buildID]
	if !ok {
		return perr.NewUnknownBuild(buildID)
	}
	entry.Status = EntryKnownBad
	entry.Recommendation = RecBlocked
	entry.StatusReason = reason
	return nil
}

// GetRecommendedBuild implements spec.md §4.3's channel-specific
// recommendation rule. For stable it picks the newest known_good +
// recommended build by PromotedAt desc; for beta it picks the newest
// known_good-or-testing build whose recommendation isn't blocked or
// not_recommended, by BuiltAt desc. Equal times are broken by the
// lexically smaller BuildID.
func (r *Registry) GetRecommendedBuild(channel string) (RunnerBuild, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *RunnerBuild
	var bestEntry *KnownGoodEntry
	for id, entry := range r.entries {
		build, ok := r.builds[id]
		if !ok {
			continue
		}
		if !qualifiesForChannel(channel, entry) {
			continue
		}
		if best == nil || betterCandidate(channel, build, entry, *best, *bestEntry) {
			b := build
			e := entry
			best, bestEntry = &b, e
		}
	}
	if best == nil {
		return RunnerBuild{}, false
	}
	return *best, true
}

func qualifiesForChannel(channel string, entry *KnownGoodEntry) bool {
	switch channel {
	case "stable":
		return entry.Status == EntryKnownGood && entry.Recommendation == RecRecommended
	case "beta":
		if entry.Status != EntryKnownGood && entry.Status != EntryTesting {
			return false
		}
		return entry.Recommendation != RecBlocked && entry.Recommendation != RecNotRecommended
	default:
		return false
	}
}

func betterCandidate(channel string, build RunnerBuild, entry *KnownGoodEntry, curBuild RunnerBuild, curEntry *KnownGoodEntry) bool {
	if channel == "stable" {
		if !entry.PromotedAt.Equal(curEntry.PromotedAt) {
			return entry.PromotedAt.After(curEntry.PromotedAt)
		}
		return build.BuildID < curBuild.BuildID
	}
	if !build.BuiltAt.Equal(curBuild.BuiltAt) {
		return build.BuiltAt.After(curBuild.BuiltAt)
	}
	return build.BuildID < curBuild.BuildID
}

// FindCompatibleBuilds returns every build whose bundled version for
// providerID satisfies ^version or equals version exactly.
func (r *Registry) FindCompatibleBuilds(providerID, version string) []RunnerBuild {
	r.mu.RLock()
	defer r.mu.RUnlock()

	constraint, err := semver.NewConstraint("^" + version)
	var out []RunnerBuild
	for _, build := range r.builds {
		bundled, ok := build.RuntimeVersions[providerID]
		if !ok {
			continue
		}
		if bundled == version {
			out = append(out, build)
			continue
		}
		if err != nil {
			continue
		}
		bv, verr := semver.NewVersion(bundled)
		if verr != nil {
			continue
		}
		if constraint.Check(bv) {
			out = append(out, build)
		}
	}
	return out
}

// AutoDeprecate deprecates every known_good or testing build whose
// BuiltAt is older than AutoDeprecateDays, returning the deprecated
// build IDs.
func (r *Registry) AutoDeprecate(ctx context.Context) []string {
	cutoff := time.Now().AddDate(0, 0, -r.cfg.AutoDeprecateDays)

	r.mu.Lock()
	var toDeprecate []string
	for id, entry := range r.entries {
		if entry.Status != EntryKnownGood && entry.Status != EntryTesting {
			continue
		}
		build, ok := r.builds[id]
		if !ok || !build.BuiltAt.Before(cutoff) {
			continue
		}
		entry.Status = EntryDeprecated
		entry.DeprecatedAt = time.Now()
		entry.StatusReason = "Auto-deprecated due to age"
		toDeprecate = append(toDeprecate, id)
	}
	r.mu.Unlock()

	for _, id := range toDeprecate {
		r.bus.Emit(ctx, BuildDeprecatedEvent{BuildID: id, Reason: "Auto-deprecated due to age"})
	}
	return toDeprecate
}

// GetEntry returns a copy of the KnownGoodEntry for a build.
func (r *Registry) GetEntry(buildID string) (KnownGoodEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[buildID]
	if !ok {
		return KnownGoodEntry{}, false
	}
	return *entry, true
}

// GetBuild returns a copy of a registered build.
func (r *Registry) GetBuild(buildID string) (RunnerBuild, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builds[buildID]
	return b, ok
}

// exportedData is the JSON-serializable snapshot used by Export/Import.
type exportedData struct {
	Versions map[string]map[string]RuntimeVersion `json:"versions"`
	Builds   map[string]RunnerBuild               `json:"builds"`
	Entries  map[string]KnownGoodEntry             `json:"entries"`
}

// Export serializes the registry's full state for external persistence.
func (r *Registry) Export() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make(map[string]KnownGoodEntry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = *e
	}
	return json.Marshal(exportedData{Versions: r.versions, Builds: r.builds, Entries: entries})
}

// Import replaces the registry's state with a previously exported
// snapshot.
func (r *Registry) Import(data []byte) error {
	var d exportedData
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = d.Versions
	if r.versions == nil {
		r.versions = make(map[string]map[string]RuntimeVersion)
	}
	r.builds = d.Builds
	if r.builds == nil {
		r.builds = make(map[string]RunnerBuild)
	}
	r.entries = make(map[string]*KnownGoodEntry, len(d.Entries))
	for id, e := range d.Entries {
		entry := e
		r.entries[id] = &entry
	}
	return nil
}
