// Command updatepipelined runs the update pipeline as a standalone
// process: it wires VersionWatcher, CanaryRunner, KnownGoodRegistry,
// RolloutController, and SweepManager into one pipeline.Pipeline and
// exposes its status alongside the usual /healthz, /readyz and
// /metrics surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/canaryrunner"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/config"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/knowngood"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/obs"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/pipeline"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/rollout"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/sweep"
	"github.com/CryptoJym/ai-agent-village-monitor-sub004/internal/versionwatcher"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	p := buildPipeline(cfg, logger)

	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, nil)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	statusSrv := startStatusServer(cfg.Observability.ListenAddr, p, logger)
	defer func() { _ = statusSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	p.Start(ctx)
	logger.Info("update pipeline started", obs.String("version", version))
	<-ctx.Done()
	p.Stop()
	logger.Info("update pipeline stopped")
}

// buildPipeline constructs every component from cfg and wires them into
// a pipeline.Pipeline. The host-supplied resolvers (org directory, repo
// opt-in list, canary suite selection) start out as static in-memory
// stand-ins; production deployments can inject richer implementations
// backed by the dashboard's own stores.
func buildPipeline(cfg *config.PipelineConfig, logger *zap.Logger) *pipeline.Pipeline {
	sources := make([]versionwatcher.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, versionwatcher.Source{
			ProviderID:      s.ProviderID,
			Type:            versionwatcher.SourceType(s.Type),
			Source:          s.Source,
			CheckIntervalMs: s.CheckIntervalMs,
		})
	}
	watcher := versionwatcher.New(sources, versionwatcher.Config{}, nil, logger)

	canary := canaryrunner.New(canaryrunner.Config{
		MaxConcurrency: cfg.Canary.MaxConcurrency,
		MaxRetries:     cfg.Canary.RetryCount,
		DefaultTimeout: cfg.Canary.DefaultTimeout,
	}, noopExecutor{}, logger)

	registry := knowngood.New(knowngood.Config{
		MaxVersionsPerProvider: cfg.Registry.MaxVersionsPerProvider,
		MaxBuilds:              cfg.Registry.MaxBuilds,
		AutoDeprecateDays:      cfg.Registry.AutoDeprecateDays,
	}, logger)

	rolloutCtrl := rollout.New(rollout.Config{
		MaxConcurrentRollouts: cfg.Rollout.MaxConcurrentRollouts,
		TickInterval:          cfg.Rollout.TickInterval,
		Thresholds: rollout.RollbackThresholds{
			MaxFailureRate:    cfg.Rollout.MaxFailureRate,
			MaxDisconnectRate: cfg.Rollout.MaxDisconnectRate,
			MinSessionCount:   cfg.Rollout.MinSessionCount,
		},
		AuditCapacity: cfg.Rollout.AuditCapacity,
	}, nil, emptyOrgDirectory{}, healthyMetricsCollector{}, logger)

	sweepMgr := sweep.New(sweep.ManagerConfig{
		MaxConcurrentSweeps:   cfg.Sweep.MaxConcurrentSweeps,
		DefaultMaxReposPerRun: cfg.Sweep.DefaultMaxReposPerRun,
		DefaultRateLimit:      cfg.Sweep.DefaultRateLimit,
	}, noopSweeper{}, logger)

	pcfg := pipeline.DefaultConfig()
	pcfg.AutoCanary = cfg.Pipeline.AutoCanary
	pcfg.AutoRollout = cfg.Pipeline.AutoRollout
	pcfg.AutoSweep = cfg.Pipeline.AutoSweep
	pcfg.DefaultChannel = rollout.Channel(cfg.Pipeline.DefaultChannel)

	return pipeline.New(pcfg, watcher, canary, registry, rolloutCtrl, sweepMgr,
		noOptedInRepos, firstBuiltinSuite, logger)
}

// noOptedInRepos is the default ReposForBuild: no repos are opted into
// sweeps until a real directory is wired in.
func noOptedInRepos(buildID string) []sweep.RepoTarget { return nil }

// firstBuiltinSuite is the default CanarySuiteForBuild: it always runs
// the first built-in suite against a synthetic build ID derived from
// the provider/version pair, since this process has no build registry
// of its own to look up a real buildID from.
func firstBuiltinSuite(providerID, ver string) (string, canaryrunner.TestSuite, bool) {
	suites := canaryrunner.BuiltinSuites()
	if len(suites) == 0 {
		return "", canaryrunner.TestSuite{}, false
	}
	return providerID + "@" + ver, suites[0], true
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, suite canaryrunner.TestSuite, tc canaryrunner.TestCase, provider string) (canaryrunner.CaseStatus, string, error) {
	return canaryrunner.StatusSkipped, "no executor wired", nil
}

type noopSweeper struct{}

func (noopSweeper) Sweep(ctx context.Context, jobID, repoURL string, cfg sweep.Config) (sweep.Result, error) {
	return sweep.Result{RepoURL: repoURL, Status: sweep.ResultSkipped}, nil
}

type emptyOrgDirectory struct{}

func (emptyOrgDirectory) OrgsForChannel(channel rollout.Channel) []rollout.Org { return nil }

type healthyMetricsCollector struct{}

func (healthyMetricsCollector) CollectMetrics(ctx context.Context, rolloutID string, orgIDs []string) (rollout.MetricsSnapshot, error) {
	return rollout.MetricsSnapshot{SessionsStarted: len(orgIDs)}, nil
}

// startStatusServer exposes the pipeline's aggregate status as JSON,
// routed with gorilla/mux to match the rest of the corpus's HTTP
// layering.
func startStatusServer(addr string, p *pipeline.Pipeline, logger *zap.Logger) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.GetStatus())
	}).Methods(http.MethodGet)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", obs.Err(err))
		}
	}()
	return srv
}
