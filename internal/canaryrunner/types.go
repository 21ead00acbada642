// Package canaryrunner executes ordered test suites against a candidate
// build and summarizes pass/fail/error/skip/timeout outcomes, retrying
// transient failures before giving up.
package canaryrunner

import "time"

// CaseType enumerates the built-in canary test case kinds.
type CaseType string

const (
	CaseAdapterContract CaseType = "adapter_contract"
	CaseGoldenPath      CaseType = "golden_path"
	CaseApprovalGate    CaseType = "approval_gate"
	CaseMetering        CaseType = "metering"
)

// CaseStatus is the outcome of a single test case execution (for one
// provider).
type CaseStatus string

const (
	StatusPassed  CaseStatus = "passed"
	StatusFailed  CaseStatus = "failed"
	StatusError   CaseStatus = "error"
	StatusSkipped CaseStatus = "skipped"
	StatusTimeout CaseStatus = "timeout"
)

// CaseConfig holds per-case execution parameters.
type CaseConfig struct {
	RepoURL         string
	Prompt          string
	ExpectedOutcome string
	TimeoutMs       int64
}

// TestCase is one canary test case, executed once per provider in
// Providers (or the suite's default providers if empty).
type TestCase struct {
	TestID      string
	Description string
	Providers   []string
	Type        CaseType
	Config      CaseConfig
}

// TestSuite is an ordered set of test cases sharing one overall timeout.
type TestSuite struct {
	SuiteID   string
	Name      string
	TestCases []TestCase
	TimeoutMs int64
}

// TestCaseResult is the outcome of one case/provider execution.
type TestCaseResult struct {
	TestID       string
	Provider     string
	Status       CaseStatus
	DurationMs   int64
	ErrorMessage string
	Output       string
	Retries      int
}

// SuiteStatus is the aggregate outcome of a suite run.
type SuiteStatus string

const (
	SuiteStatusPassed  SuiteStatus = "passed"
	SuiteStatusFailed  SuiteStatus = "failed"
	SuiteStatusError   SuiteStatus = "error"
	SuiteStatusTimeout SuiteStatus = "timeout"
)

// CanaryMetrics aggregates case outcomes for one suite run. Invariant:
// Passed+Failed+Errored+Skipped == TotalTests, and PassRate is 0 when
// TotalTests is 0. Failed includes timed-out cases; Errored is
// execution errors only.
type CanaryMetrics struct {
	TotalTests             int
	Passed                 int
	Failed                 int
	Errored                int
	Skipped                int
	PassRate               float64
	AvgSessionStartMs      float64
	AvgTimeToFirstOutputMs float64
	DisconnectRate         float64
}

// CanaryTestResult is the full result of running one suite against one
// build.
type CanaryTestResult struct {
	BuildID     string
	SuiteID     string
	Status      SuiteStatus
	StartedAt   time.Time
	CompletedAt time.Time
	TestResults []TestCaseResult
	Metrics     CanaryMetrics
}
