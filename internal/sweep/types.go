// Package sweep implements spec.md §4.5's SweepManager: it dispatches
// post-update improvement tasks across opted-in repos, producing PRs
// but never merging them.
package sweep

import "time"

// SweepType is the kind of improvement task a sweep performs.
type SweepType string

const (
	SweepMaintenance      SweepType = "maintenance"
	SweepLintFix          SweepType = "lint_fix"
	SweepDependencyUpdate SweepType = "dependency_update"
	SweepCustom           SweepType = "custom"
)

// Config drives one sweep run. AutoMerge is always false:
// TriggerPostUpdateSweep and StartSweep overwrite it with false whatever
// the caller passes.
type Config struct {
	SweepID            string
	TriggeredByBuildID string
	TargetRepos        []string
	SweepType          SweepType
	CreatePRs          bool
	AutoMerge          bool
	Priority           int
	MaxReposPerRun     int
	RateLimit          int // repos per minute; 0 uses the manager default, negative is rejected
}

// RepoTarget is one candidate repo for a sweep.
type RepoTarget struct {
	RepoURL     string
	OrgID       string
	OptedIn     bool
	LastSweptAt time.Time
}

// ResultStatus is the outcome of sweeping one repo.
type ResultStatus string

const (
	ResultSuccess   ResultStatus = "success"
	ResultFailed    ResultStatus = "failed"
	ResultSkipped   ResultStatus = "skipped"
	ResultNoChanges ResultStatus = "no_changes"
)

// Result is the outcome of running a sweep against one repo.
type Result struct {
	SweepID        string
	RepoURL        string
	Status         ResultStatus
	PRURL          string
	ChangesSummary string
	DurationMs     int64
	Error          string
	CompletedAt    time.Time
}

// JobState is a SweepJob's lifecycle state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is the runtime wrapper around a Config's in-progress execution.
type Job struct {
	JobID          string
	Config         Config
	State          JobState
	ReposCompleted int
	ReposRemaining int
	Results        []Result
	StartedAt      time.Time
	CompletedAt    time.Time
	Error          string
}

// Stats accumulates running totals across every completed sweep job.
type Stats struct {
	TotalSweeps       int
	TotalReposSwept   int
	TotalPRsCreated   int
	AvgDurationMs     float64
	SuccessRate       float64
}
