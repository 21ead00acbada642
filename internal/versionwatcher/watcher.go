package versionwatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/obs"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/scheduler"
	"go.uber.org/zap"
)

// Config bounds the watcher's behavior; see SPEC_FULL.md Domain Stack.
type Config struct {
	RequestTimeout time.Duration
	// RatePerSecond caps outbound fetch bursts across all sources sharing
	// one process, since many sources may point at the same upstream host
	// (e.g. GitHub's unauthenticated rate limit).
	RatePerSecond rate.Limit
	RateBurst     int
}

// SetDefaults fills zero-valued fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
}

// Watcher implements spec.md §4.1's VersionWatcher.
type Watcher struct {
	mu      sync.RWMutex
	known   map[string]KnownVersion // providerId -> last known version
	sources []Source
	fetcher Fetcher
	limiter *rate.Limiter
	sched   *scheduler.Scheduler
	handles []*scheduler.Handle
	running bool
	log     *zap.Logger
	bus     *events.Bus[Event]
}

// New constructs a Watcher over the given sources. fetcher may be nil to
// use the default HTTP-backed implementation.
func New(sources []Source, cfg Config, fetcher Fetcher, log *zap.Logger) *Watcher {
	cfg.SetDefaults()
	if fetcher == nil {
		fetcher = NewHTTPFetcher(cfg.RequestTimeout)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		known:   make(map[string]KnownVersion),
		sources: sources,
		fetcher: fetcher,
		limiter: rate.NewLimiter(cfg.RatePerSecond, cfg.RateBurst),
		sched:   scheduler.New(),
		log:     log,
		bus:     events.NewBus[Event](log),
	}
}

// Events returns the bus other components subscribe to.
func (w *Watcher) Events() *events.Bus[Event] { return w.bus }

// Start performs an initial sweep then begins per-source periodic
// polling. Idempotent: a second call is a no-op, per spec.md §4.1/§8.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	sources := append([]Source(nil), w.sources...)
	w.mu.Unlock()

	w.checkAllSourcesLocked(ctx, sources)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, src := range sources {
		src := src
		interval := time.Duration(src.CheckIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = time.Minute
		}
		h := w.sched.Every(interval, func() {
			w.checkSourceAsync(context.Background(), src)
		})
		w.handles = append(w.handles, h)
	}
}

// Stop cancels all pending timers. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.handles {
		h.Cancel()
	}
	w.handles = nil
	w.running = false
}

func (w *Watcher) checkSourceAsync(ctx context.Context, src Source) {
	if _, err := w.CheckSource(ctx, src); err != nil {
		w.log.Warn("version source check failed", obs.String("provider", src.ProviderID), obs.Err(err))
	}
}

// CheckAllSources returns the list of newly detected versions across all
// configured sources. Errors in one source do not abort others.
func (w *Watcher) CheckAllSources(ctx context.Context) []DiscoveredVersion {
	w.mu.RLock()
	sources := append([]Source(nil), w.sources...)
	w.mu.RUnlock()
	return w.checkAllSourcesLocked(ctx, sources)
}

func (w *Watcher) checkAllSourcesLocked(ctx context.Context, sources []Source) []DiscoveredVersion {
	var discovered []DiscoveredVersion
	for _, src := range sources {
		dv, err := w.CheckSource(ctx, src)
		if err != nil {
			continue
		}
		if dv != nil {
			discovered = append(discovered, *dv)
		}
	}
	return discovered
}

// CheckSource fetches the latest version for one source; if it differs
// from the prior known version it is recorded and a VersionDiscovered
// event is emitted.
func (w *Watcher) CheckSource(ctx context.Context, src Source) (*DiscoveredVersion, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	version, sourceURL, err := w.fetcher.Fetch(ctx, src)
	if err != nil {
		w.bus.Emit(ctx, CheckErrorEvent{ProviderID: src.ProviderID, Message: err.Error()})
		return nil, err
	}

	w.mu.Lock()
	prev, had := w.known[src.ProviderID]
	if had && prev.Version == version {
		w.mu.Unlock()
		return nil, nil
	}
	now := time.Now()
	w.known[src.ProviderID] = KnownVersion{ProviderID: src.ProviderID, Version: version, SourceURL: sourceURL, ObservedAt: now}
	w.mu.Unlock()

	dv := DiscoveredVersion{
		ProviderID:   src.ProviderID,
		Version:      version,
		SourceURL:    sourceURL,
		DiscoveredAt: now,
	}
	if had {
		dv.PreviousVersion = prev.Version
	}
	w.bus.Emit(ctx, VersionDiscoveredEvent{DiscoveredVersion: dv})
	return &dv, nil
}

// RegisterHeartbeatVersion is called by external runner heartbeats to
// inform the watcher of an installed version observed in the wild. It
// does not emit VersionDiscovered (heartbeats are not upstream releases).
func (w *Watcher) RegisterHeartbeatVersion(providerID, version string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[providerID] = KnownVersion{ProviderID: providerID, Version: version, ObservedAt: time.Now()}
}

// GetKnownVersion returns the last known version for a provider.
func (w *Watcher) GetKnownVersion(providerID string) (KnownVersion, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.known[providerID]
	return v, ok
}

// GetAllKnownVersions returns a snapshot of every known version.
func (w *Watcher) GetAllKnownVersions() map[string]KnownVersion {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]KnownVersion, len(w.known))
	for k, v := range w.known {
		out[k] = v
	}
	return out
}
