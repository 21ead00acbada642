// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VersionsDiscovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versionwatcher_versions_discovered_total",
		Help: "Total number of new upstream versions discovered, by provider",
	}, []string{"provider"})
	VersionCheckErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versionwatcher_check_errors_total",
		Help: "Total number of source check failures, by provider",
	}, []string{"provider"})

	CanarySuitesRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canaryrunner_suites_total",
		Help: "Total number of canary suites executed, by overall status",
	}, []string{"status"})
	CanaryCasesRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canaryrunner_cases_total",
		Help: "Total number of canary test cases executed, by status",
	}, []string{"status"})
	CanaryCaseRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "canaryrunner_case_retries_total",
		Help: "Total number of canary test case retry attempts",
	})
	CanarySuiteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "canaryrunner_suite_duration_seconds",
		Help:    "Histogram of canary suite durations",
		Buckets: prometheus.DefBuckets,
	})

	BuildsPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "knowngood_builds_promoted_total",
		Help: "Total number of builds promoted to known_good",
	})
	BuildsDeprecated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "knowngood_builds_deprecated_total",
		Help: "Total number of builds deprecated or marked bad",
	})

	RolloutsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollout_active_rollouts",
		Help: "Number of non-terminal rollouts, by channel",
	}, []string{"channel"})
	RolloutStageAdvances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_stage_advances_total",
		Help: "Total number of stage advances, by channel",
	}, []string{"channel"})
	RolloutRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_rollbacks_total",
		Help: "Total number of rollbacks, by channel",
	}, []string{"channel"})

	SweepJobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_jobs_completed_total",
		Help: "Total number of completed sweep jobs",
	})
	SweepReposSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_repos_swept_total",
		Help: "Total number of repos swept across all jobs",
	})
	SweepPRsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_prs_created_total",
		Help: "Total number of PRs created by sweep jobs",
	})

	HouseBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "houseactivity_broadcasts_total",
		Help: "Total number of coalesced house activity broadcasts, by indicator",
	}, []string{"indicator"})
)

func init() {
	prometheus.MustRegister(
		VersionsDiscovered, VersionCheckErrors,
		CanarySuitesRun, CanaryCasesRun, CanaryCaseRetries, CanarySuiteDuration,
		BuildsPromoted, BuildsDeprecated,
		RolloutsActive, RolloutStageAdvances, RolloutRollbacks,
		SweepJobsCompleted, SweepReposSwept, SweepPRsCreated,
		HouseBroadcasts,
	)
}

// StartMetricsServer exposes /metrics on the given port and returns the server
// for controlled shutdown.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
