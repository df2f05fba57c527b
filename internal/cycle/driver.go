// Package cycle is the scheduler's decision engine: one RunCycle pass
// discovers work, recovers crashes, consumes retries, and dispatches runs
// through the concurrency gate to the runtime. The Driver repeats RunCycle
// on an interval until the stop flag appears.
package cycle

import (
	"context"
	"os"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
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
	"github.com/metyatech/agent-runner/internal/usage"
	"github.com/metyatech/agent-runner/internal/worktree"
)

// Execution is a started child run, as the driver sees it.
type Execution interface {
	PID() int
	LogPath() string
	Wait() *runtime.Result
}

// Runtime is the slice of the execution runtime the driver dispatches
// through; tests substitute a scripted implementation.
type Runtime interface {
	Start(ctx context.Context, spec runtime.Spec) (Execution, error)
}

type runnerRuntime struct{ r *runtime.Runner }

func (a runnerRuntime) Start(ctx context.Context, spec runtime.Spec) (Execution, error) {
	ex, err := a.r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// NewRunnerRuntime adapts the real runner to the Runtime contract.
func NewRunnerRuntime(r *runtime.Runner) Runtime { return runnerRuntime{r: r} }

// Deps are the driver's collaborators.
type Deps struct {
	Config    *config.Config
	Store     *state.Store
	Reader    githubapi.Reader
	Writer    githubapi.Writer
	Lifecycle *issues.Lifecycle
	Engines   *engine.Registry
	Usage     *usage.Evaluator
	Gate      *gate.Gate
	Worktrees *worktree.Manager
	Runner    Runtime
	Idle      *idle.Planner
	Review    *review.Classifier
	Metrics   *observability.MetricsCollector
	Logger    logging.Logger
}

// Driver runs scheduling cycles.
type Driver struct {
	Deps
	logger logging.Logger
	now    func() time.Time
	// issuePreference orders engine candidates for user-requested work.
	issuePreference []engine.Kind
}

// NewDriver builds a Driver.
func NewDriver(deps Deps) *Driver {
	return &Driver{
		Deps:   deps,
		logger: logging.OrNop(deps.Logger),
		now:    time.Now,
		issuePreference: []engine.Kind{
			engine.Codex, engine.Claude, engine.Copilot,
			engine.GeminiPro, engine.GeminiFlash, engine.AmazonQ,
		},
	}
}

// Run repeats RunCycle on the configured interval until ctx is canceled or
// the stop flag appears. Cycle errors are logged, never fatal.
func (d *Driver) Run(ctx context.Context) error {
	interval := d.Config.Interval()
	d.logger.Info("driver loop started, interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if d.stopRequested() {
			d.logger.Info("stop flag observed at %s, draining", d.Config.StopFlagPath())
			return nil
		}
		if err := d.RunCycle(ctx); err != nil {
			d.logger.Error("cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) stopRequested() bool {
	_, err := os.Stat(d.Config.StopFlagPath())
	return err == nil
}

// RunCycle performs one scheduling pass: the ten steps run strictly in
// order, then all dispatched work drains before it returns.
func (d *Driver) RunCycle(ctx context.Context) error {
	started := d.now()
	outcome := "ok"
	defer func() {
		if d.Metrics != nil {
			d.Metrics.RecordCycle(ctx, outcome, time.Since(started))
		}
	}()

	repos, err := d.discoverRepos(ctx)
	if err != nil {
		outcome = "error"
		return err
	}

	if err := d.recoverCrashedRuns(ctx); err != nil {
		d.logger.Warn("crash recovery: %v", err)
	}

	queue := newWorkQueue()
	d.resumeUserReplies(ctx, repos, queue)
	d.resumeDueRetries(ctx, queue)
	d.catchupWebhookComments(ctx, repos)
	d.drainWebhookQueue(ctx, queue)
	d.discoverCommandComments(ctx, repos, queue)
	d.collectQueuedIssues(ctx, repos, queue)
	d.scanManagedPRs(ctx)
	d.enqueueReviewFollowups(ctx, queue)

	picked, err := d.selectWork(ctx, queue)
	if err != nil {
		outcome = "error"
		return err
	}

	plans := d.planIdle(ctx, repos, len(picked))

	d.dispatchAll(ctx, picked, plans)

	if d.Worktrees != nil {
		live := d.liveRunIDs(ctx)
		if err := d.Worktrees.PruneWork(ctx, func(id string) bool { return live[id] }); err != nil {
			d.logger.Warn("worktree prune: %v", err)
		}
	}
	return nil
}

// liveRunIDs are activity ids with a live pid; their work dirs survive GC.
func (d *Driver) liveRunIDs(ctx context.Context) map[string]bool {
	live := map[string]bool{}
	acts, err := d.Store.ListActivities(ctx)
	if err != nil {
		d.logger.Warn("list activities: %v", err)
		return live
	}
	for _, a := range acts {
		live[a.ID] = true
	}
	return live
}
