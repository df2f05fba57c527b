package main

import (
	"context"
	"fmt"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/cycle"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/gate"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/idle"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/observability"
	"github.com/metyatech/agent-runner/internal/review"
	"github.com/metyatech/agent-runner/internal/runtime"
	"github.com/metyatech/agent-runner/internal/state"
	"github.com/metyatech/agent-runner/internal/worktree"
)

// readerCacheTTL bounds how stale polled GitHub reads may be within one
// interval.
const readerCacheTTL = 30 * time.Second

// app holds everything a daemon command needs, built once per invocation.
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	store   *state.Store
	reader  githubapi.Reader
	writer  githubapi.Writer
	metrics *observability.MetricsCollector
	tracing *observability.TracerProvider
}

// newApp loads config, opens the store, and wires the GitHub clients.
func newApp(ctx context.Context, daemon bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := setupLogging(cfg, daemon)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.DBPath(), logging.NewComponentLogger("state"))
	if err != nil {
		return nil, err
	}

	client := githubapi.NewClient(ctx, config.GitHubToken(), logging.NewComponentLogger("github"))
	var reader githubapi.Reader = githubapi.NewCachingReader(client, readerCacheTTL)

	// Comments go out under the App identity when one is configured, so
	// notifications do not appear under the user token's login.
	var writer githubapi.Writer = client
	if notify := config.NotifyAppFromEnv(); notify != nil {
		appClient, err := githubapi.NewAppClient(notify, logging.NewComponentLogger("github-app"))
		if err != nil {
			logger.Warn("notify app unusable, falling back to token identity: %v", err)
		} else {
			writer = appClient
		}
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		reader: reader,
		writer: writer,
	}

	if daemon {
		metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
		if err != nil {
			logger.Warn("metrics disabled: %v", err)
		} else {
			a.metrics = metrics
		}
		if cfg.Observability.Tracing.Enabled {
			tracing, err := observability.NewTracerProvider(cfg.Observability.Tracing)
			if err != nil {
				logger.Warn("tracing disabled: %v", err)
			} else {
				a.tracing = tracing
			}
		}
	}
	return a, nil
}

// Close releases the store and flushes observability pipelines.
func (a *app) Close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tracing.Shutdown(ctx)
		cancel()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// newDriver assembles the cycle driver on top of the app's shared pieces.
func (a *app) newDriver() *cycle.Driver {
	cfg := a.cfg
	engines := engine.NewRegistry(cfg.Engines)
	evaluator := engine.NewUsageEvaluator(cfg, a.store, logging.NewComponentLogger("usage"))

	worktrees := worktree.NewManager(worktree.Options{
		CacheRoot:   cfg.GitCacheDir(),
		WorkRoot:    cfg.WorkDir(),
		CloneRoot:   cfg.WorkdirRoot,
		LockTimeout: 2 * time.Minute,
		Ownership:   cycle.StoreOwnership(a.store),
		Logger:      logging.NewComponentLogger("worktree"),
	})

	runner := runtime.NewRunner(cfg.LogsDir(), logging.NewComponentLogger("runtime"))

	return cycle.NewDriver(cycle.Deps{
		Config:    cfg,
		Store:     a.store,
		Reader:    a.reader,
		Writer:    a.writer,
		Lifecycle: issues.NewLifecycle(cfg.GitHub.Labels, a.writer, logging.NewComponentLogger("labels")),
		Engines:   engines,
		Usage:     evaluator,
		Gate:      gate.New(cfg.Scheduler.Concurrency, serviceWidths(cfg, engines)),
		Worktrees: worktrees,
		Runner:    cycle.NewRunnerRuntime(runner),
		Idle:      idle.NewPlanner(cfg.Idle, a.store, logging.NewComponentLogger("idle")),
		Review:    review.NewClassifier(cfg.Review, cfg.GitHub.ReviewBots),
		Metrics:   a.metrics,
		Logger:    logging.NewComponentLogger("cycle"),
	})
}

// serviceWidths registers one gate per enabled engine family. Limits come
// from config; a missing entry defaults to one parallel run.
func serviceWidths(cfg *config.Config, engines *engine.Registry) map[string]int {
	widths := map[string]int{}
	for _, kind := range engines.Kinds() {
		service := kind.Service()
		width := cfg.Scheduler.ServiceLimits[service]
		if width < 1 {
			width = 1
		}
		widths[service] = width
	}
	return widths
}

// resolveRepos expands the configured repo list for one-shot commands.
func (a *app) resolveRepos(ctx context.Context) ([]issues.RepoRef, error) {
	repos, err := cycle.ResolveRepos(ctx, a.cfg, a.reader, a.logger)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("no repositories configured; set github.owner and github.repos")
	}
	return repos, nil
}
