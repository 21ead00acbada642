package sweep

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/obs"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/perr"
)

// ManagerConfig bounds the manager's concurrency and per-sweep
// defaults.
type ManagerConfig struct {
	MaxConcurrentSweeps   int
	DefaultMaxReposPerRun int
	DefaultRateLimit      int // repos per minute
}

// SetDefaults fills zero-valued fields with spec.md §6's defaults.
func (c *ManagerConfig) SetDefaults() {
	if c.MaxConcurrentSweeps <= 0 {
		c.MaxConcurrentSweeps = 3
	}
	if c.DefaultMaxReposPerRun <= 0 {
		c.DefaultMaxReposPerRun = 100
	}
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = 10
	}
}

// Manager implements spec.md §4.5's SweepManager.
type Manager struct {
	cfg     ManagerConfig
	sweeper RepoSweeper
	log     *zap.Logger
	bus     *events.Bus[Event]

	mu       sync.Mutex
	jobs     map[string]*Job
	cancels  map[string]*atomic.Bool
	stats    Stats
}

// New constructs a Manager. sweeper drives the actual per-repo work.
func New(cfg ManagerConfig, sweeper RepoSweeper, log *zap.Logger) *Manager {
	cfg.SetDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		sweeper: sweeper,
		log:     log,
		bus:     events.NewBus[Event](log),
		jobs:    make(map[string]*Job),
		cancels: make(map[string]*atomic.Bool),
	}
}

// Events returns the bus other components subscribe to.
func (m *Manager) Events() *events.Bus[Event] { return m.bus }

// TriggerPostUpdateSweep filters repos to those opted in and starts a
// sweep over them. AutoMerge is always forced false regardless of what
// opts carries, per spec.md §4.5's hard safety invariant.
func (m *Manager) TriggerPostUpdateSweep(ctx context.Context, buildID string, repos []RepoTarget, opts Config) (Job, error) {
	var targets []string
	for _, r := range repos {
		if r.OptedIn {
			targets = append(targets, r.RepoURL)
		}
	}
	if len(targets) == 0 {
		return Job{}, perr.NewEmptyOptedInRepos()
	}

	cfg := opts
	cfg.TriggeredByBuildID = buildID
	cfg.TargetRepos = targets
	cfg.AutoMerge = false
	if cfg.MaxReposPerRun <= 0 {
		cfg.MaxReposPerRun = m.cfg.DefaultMaxReposPerRun
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = m.cfg.DefaultRateLimit
	}
	if cfg.SweepID == "" {
		cfg.SweepID = uuid.NewString()
	}
	return m.StartSweep(ctx, cfg)
}

// StartSweep creates a job from cfg and launches it asynchronously,
// returning the job handle (in state pending) immediately. A negative
// RateLimit is rejected rather than silently defaulted; zero/unset
// means "use the manager's default".
func (m *Manager) StartSweep(ctx context.Context, cfg Config) (Job, error) {
	cfg.AutoMerge = false // hard safety invariant, never trust the caller

	if cfg.RateLimit < 0 {
		return Job{}, perr.NewInvalidRateLimit(cfg.RateLimit)
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = m.cfg.DefaultRateLimit
	}

	m.mu.Lock()
	if m.activeJobCountLocked() >= m.cfg.MaxConcurrentSweeps {
		m.mu.Unlock()
		return Job{}, perr.NewConcurrentSweepLimit(m.cfg.MaxConcurrentSweeps)
	}

	limit := cfg.MaxReposPerRun
	if limit <= 0 || limit > len(cfg.TargetRepos) {
		limit = len(cfg.TargetRepos)
	}
	job := &Job{
		JobID:          uuid.NewString(),
		Config:         cfg,
		State:          JobPending,
		ReposRemaining: limit,
	}
	m.jobs[job.JobID] = job
	m.cancels[job.JobID] = &atomic.Bool{}
	snapshot := *job
	m.mu.Unlock()

	go m.runJob(ctx, job.JobID)
	return snapshot, nil
}

func (m *Manager) activeJobCountLocked() int {
	n := 0
	for _, j := range m.jobs {
		if j.State == JobPending || j.State == JobRunning {
			n++
		}
	}
	return n
}

// runJob drives one job's per-repo loop to completion. A panicking
// RepoSweeper (or any other fatal error outside the per-repo loop) is
// caught here rather than crashing the process: the job is marked
// failed and a sweep_failed event is emitted, mirroring how
// events.Bus.Emit guards against a misbehaving subscriber.
func (m *Manager) runJob(ctx context.Context, jobID string) {
	defer m.recoverFatal(ctx, jobID)

	m.mu.Lock()
	job := m.jobs[jobID]
	cancelled := m.cancels[jobID]
	job.State = JobRunning
	job.StartedAt = time.Now()
	cfg := job.Config
	limit := job.ReposRemaining
	m.mu.Unlock()

	m.bus.Emit(ctx, SweepStartedEvent{JobID: jobID})

	repos := cfg.TargetRepos
	if limit < len(repos) {
		repos = repos[:limit]
	}

	delay := rateLimitDelay(cfg.RateLimit)
	for i, repoURL := range repos {
		if cancelled.Load() {
			m.finishCancelled(ctx, jobID)
			return
		}

		result := m.sweepOne(ctx, jobID, repoURL, cfg)

		m.mu.Lock()
		job.Results = append(job.Results, result)
		job.ReposCompleted++
		job.ReposRemaining--
		m.mu.Unlock()

		m.bus.Emit(ctx, RepoSweptEvent{JobID: jobID, Result: result})
		if result.PRURL != "" {
			m.bus.Emit(ctx, PRCreatedEvent{JobID: jobID, RepoURL: repoURL, PRURL: result.PRURL})
		}

		if i < len(repos)-1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	m.mu.Lock()
	job.State = JobCompleted
	job.CompletedAt = time.Now()
	m.updateStatsLocked(job)
	snapshot := *job
	m.mu.Unlock()

	m.bus.Emit(ctx, SweepCompletedEvent{Job: snapshot})
}

// recoverFatal is runJob's deferred panic guard. It is a no-op when
// runJob returned normally (recover() is nil in that case).
func (m *Manager) recoverFatal(ctx context.Context, jobID string) {
	r := recover()
	if r == nil {
		return
	}
	msg := fmt.Sprintf("%v", r)

	m.mu.Lock()
	if job, ok := m.jobs[jobID]; ok {
		job.State = JobFailed
		job.Error = msg
		job.CompletedAt = time.Now()
	}
	m.mu.Unlock()

	m.log.Error("sweep job failed fatally", obs.String("job_id", jobID), obs.String("error", msg))
	m.bus.Emit(ctx, SweepFailedEvent{JobID: jobID, Error: msg})
}

func (m *Manager) sweepOne(ctx context.Context, jobID, repoURL string, cfg Config) Result {
	spanCtx, span := obs.ContextWithSweepRepoSpan(ctx, jobID, repoURL)
	defer span.End()

	start := time.Now()
	result, err := m.sweeper.Sweep(spanCtx, jobID, repoURL, cfg)
	if err != nil {
		obs.RecordError(spanCtx, err)
		return Result{
			SweepID:     cfg.SweepID,
			RepoURL:     repoURL,
			Status:      ResultFailed,
			Error:       err.Error(),
			DurationMs:  time.Since(start).Milliseconds(),
			CompletedAt: time.Now(),
		}
	}
	obs.SetSpanSuccess(spanCtx)
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	if result.SweepID == "" {
		result.SweepID = cfg.SweepID
	}
	return result
}

func (m *Manager) finishCancelled(ctx context.Context, jobID string) {
	m.mu.Lock()
	job := m.jobs[jobID]
	job.State = JobCancelled
	job.CompletedAt = time.Now()
	m.mu.Unlock()
	m.bus.Emit(ctx, SweepCancelledEvent{JobID: jobID})
}

// rateLimitDelay implements spec.md §4.5's literal "60000 / rateLimit"
// milliseconds pause between repos.
func rateLimitDelay(rateLimit int) time.Duration {
	if rateLimit <= 0 {
		rateLimit = 10
	}
	return time.Duration(60000/rateLimit) * time.Millisecond
}

func (m *Manager) updateStatsLocked(job *Job) {
	m.stats.TotalSweeps++
	successCount := 0
	var totalDuration int64
	for _, r := range job.Results {
		m.stats.TotalReposSwept++
		totalDuration += r.DurationMs
		if r.PRURL != "" {
			m.stats.TotalPRsCreated++
		}
		if r.Status == ResultSuccess || r.Status == ResultNoChanges {
			successCount++
		}
	}
	if len(job.Results) > 0 {
		runDuration := float64(totalDuration) / float64(len(job.Results))
		n := float64(m.stats.TotalSweeps)
		m.stats.AvgDurationMs = (m.stats.AvgDurationMs*(n-1) + runDuration) / n
	}
	if m.stats.TotalReposSwept > 0 {
		prevRepos := float64(m.stats.TotalReposSwept - len(job.Results))
		m.stats.SuccessRate = (m.stats.SuccessRate*prevRepos + float64(successCount)) / float64(m.stats.TotalReposSwept)
	}
}

// CancelSweep marks a pending or running job cancelled and sets its
// CompletedAt. The job's repo loop stops at its next repo boundary; a
// repo sweep already in flight is not interrupted.
func (m *Manager) CancelSweep(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return perr.NewUnknownJob(jobID)
	}
	if job.State != JobPending && job.State != JobRunning {
		return perr.NewStatePrecondition("cancel_sweep", string(job.State))
	}
	m.cancels[jobID].Store(true)
	job.State = JobCancelled
	job.CompletedAt = time.Now()
	return nil
}

// GetJob returns a copy of a tracked job.
func (m *Manager) GetJob(jobID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// GetStats returns a copy of the running aggregate stats.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// RunningJobCount reports how many sweep jobs are currently running, for
// status reporting.
func (m *Manager) RunningJobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.State == JobRunning {
			n++
		}
	}
	return n
}
