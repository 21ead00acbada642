package canaryrunner

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/events"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/obs"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/perr"
)

// Config bounds retry and timeout behavior for every suite run.
// MaxConcurrency is carried for interface parity with spec.md §6's
// enumerated configuration but is not read anywhere: the runner is
// deliberately single-flighted per suite (see tryAcquire/release) rather
// than running N suites concurrently, per SPEC_FULL.md's Open Question
// resolution favoring the documented observable behavior over the
// field's apparent intent.
type Config struct {
	MaxConcurrency int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	DefaultTimeout time.Duration
}

// SetDefaults fills zero-valued fields with spec.md §6's documented
// defaults.
func (c *Config) SetDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
}

// Runner implements spec.md §4.2's CanaryRunner: it executes a suite's
// cases across providers, retries transient failures, and aggregates a
// pass/fail/error/timeout verdict.
type Runner struct {
	cfg      Config
	executor Executor
	log      *zap.Logger
	bus      *events.Bus[Event]

	mu      sync.Mutex
	running map[string]bool
}

// New constructs a Runner. executor drives the actual provider sessions;
// see Executor's doc comment for why that is injected rather than owned.
func New(cfg Config, executor Executor, log *zap.Logger) *Runner {
	cfg.SetDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		executor: executor,
		log:      log,
		bus:      events.NewBus[Event](log),
		running:  make(map[string]bool),
	}
}

// Events returns the bus other components subscribe to.
func (r *Runner) Events() *events.Bus[Event] { return r.bus }

// IsRunning reports whether a suite is currently executing. Runs of the
// same suite ID are single-flighted: a second RunSuite call for a suite
// already in flight returns an error instead of racing it.
func (r *Runner) IsRunning(suiteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[suiteID]
}

func (r *Runner) tryAcquire(suiteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[suiteID] {
		return false
	}
	r.running[suiteID] = true
	return true
}

func (r *Runner) release(suiteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, suiteID)
}

// RunSuite runs every case in suite, in order, across each case's
// providers (or DefaultProviders). When continueOnFailure is false, the
// first case/provider attempt that does not end in StatusPassed aborts
// all remaining attempts, which are recorded as StatusError with an
// "Aborted" message.
func (r *Runner) RunSuite(ctx context.Context, buildID string, suite TestSuite, continueOnFailure bool) (CanaryTestResult, error) {
	if !r.tryAcquire(suite.SuiteID) {
		return CanaryTestResult{}, perr.New(perr.CategoryCapacity, perr.CodeConcurrentSweepLimit, "suite already running").WithDetail("suite_id", suite.SuiteID)
	}
	defer r.release(suite.SuiteID)

	suiteCtx := ctx
	var cancel context.CancelFunc
	if suite.TimeoutMs > 0 {
		suiteCtx, cancel = context.WithTimeout(ctx, time.Duration(suite.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result := CanaryTestResult{BuildID: buildID, SuiteID: suite.SuiteID, StartedAt: time.Now()}
	r.bus.Emit(ctx, SuiteStartedEvent{BuildID: buildID, SuiteID: suite.SuiteID})

	aborted := false
	for _, tc := range suite.TestCases {
		providers := tc.Providers
		if len(providers) == 0 {
			providers = DefaultProviders
		}
		for _, provider := range providers {
			var cr TestCaseResult
			if aborted {
				cr = TestCaseResult{TestID: tc.TestID, Provider: provider, Status: StatusError, ErrorMessage: "Aborted"}
			} else {
				r.bus.Emit(suiteCtx, TestStartedEvent{BuildID: buildID, SuiteID: suite.SuiteID, TestID: tc.TestID, Provider: provider})
				spanCtx, span := obs.ContextWithCaseSpan(suiteCtx, suite.SuiteID, tc.TestID, provider)
				cr = r.runCaseWithRetry(spanCtx, buildID, suite, tc, provider)
				if cr.ErrorMessage != "" {
					obs.RecordError(spanCtx, perr.New(perr.CategoryTransient, perr.CodeTransientIO, cr.ErrorMessage))
				} else {
					obs.SetSpanSuccess(spanCtx)
				}
				span.End()
				if !continueOnFailure && cr.Status != StatusPassed {
					aborted = true
				}
			}
			r.bus.Emit(suiteCtx, TestCompletedEvent{BuildID: buildID, SuiteID: suite.SuiteID, Result: cr})
			result.TestResults = append(result.TestResults, cr)
		}
	}

	result.CompletedAt = time.Now()
	result.Metrics = computeMetrics(result.TestResults)
	result.Status = overallStatus(result.TestResults)
	r.bus.Emit(ctx, SuiteCompletedEvent{Result: result})
	return result, nil
}

func (r *Runner) runCaseWithRetry(ctx context.Context, buildID string, suite TestSuite, tc TestCase, provider string) TestCaseResult {
	caseCtx := ctx
	timeout := r.cfg.DefaultTimeout
	if tc.Config.TimeoutMs > 0 {
		timeout = time.Duration(tc.Config.TimeoutMs) * time.Millisecond
	}

	attempt := 0
	for {
		attemptCtx, cancel := context.WithTimeout(caseCtx, timeout)
		start := time.Now()
		status, output, err := r.executor.Execute(attemptCtx, suite, tc, provider)
		duration := time.Since(start)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if timedOut && status == "" {
			status = StatusTimeout
		}

		result := TestCaseResult{
			TestID:     tc.TestID,
			Provider:   provider,
			Status:     status,
			DurationMs: duration.Milliseconds(),
			Output:     output,
			Retries:    attempt,
		}
		if err != nil {
			result.ErrorMessage = err.Error()
			if result.Status == "" {
				result.Status = StatusError
			}
		}

		if attempt >= r.cfg.MaxRetries || !isRetriable(result.Status, err) {
			r.logCaseOutcome(suite.SuiteID, result)
			return result
		}

		attempt++
		r.bus.Emit(ctx, TestRetriedEvent{BuildID: buildID, SuiteID: suite.SuiteID, TestID: tc.TestID, Provider: provider, Attempt: attempt, ErrMessage: result.ErrorMessage})

		delay := r.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result
		case <-timer.C:
		}
	}
}

// isRetriable classifies a case outcome as worth retrying: timeouts and
// errors that look transient (network blips, not logic errors).
func isRetriable(status CaseStatus, err error) bool {
	if status == StatusTimeout {
		return true
	}
	if status != StatusError || err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{"timeout", "timed out", "connection reset", "connection refused", "temporary failure", "eof", "i/o timeout"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func computeMetrics(results []TestCaseResult) CanaryMetrics {
	m := CanaryMetrics{TotalTests: len(results)}
	var totalDuration int64
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			m.Passed++
		case StatusFailed, StatusTimeout:
			m.Failed++
		case StatusError:
			m.Errored++
		case StatusSkipped:
			m.Skipped++
		}
		totalDuration += r.DurationMs
	}
	if m.TotalTests > 0 {
		m.PassRate = float64(m.Passed) / float64(m.TotalTests)
		m.AvgSessionStartMs = float64(totalDuration) / float64(m.TotalTests)
	}
	return m
}

// overallStatus applies spec.md §4.2's timeout > error > failed > passed
// precedence across every case/provider result in the suite.
func overallStatus(results []TestCaseResult) SuiteStatus {
	haveError, haveFailed, haveTimeout := false, false, false
	for _, r := range results {
		switch r.Status {
		case StatusTimeout:
			haveTimeout = true
		case StatusError:
			haveError = true
		case StatusFailed:
			haveFailed = true
		}
	}
	switch {
	case haveTimeout:
		return SuiteStatusTimeout
	case haveError:
		return SuiteStatusError
	case haveFailed:
		return SuiteStatusFailed
	default:
		return SuiteStatusPassed
	}
}

func (r *Runner) logCaseOutcome(suiteID string, result TestCaseResult) {
	r.log.Debug("canary case completed",
		obs.String("suite_id", suiteID),
		obs.String("test_id", result.TestID),
		obs.String("provider", result.Provider),
		obs.String("status", string(result.Status)),
	)
}
