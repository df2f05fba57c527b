package cycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/metyatech/agent-runner/internal/async"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/idle"
	"github.com/metyatech/agent-runner/internal/ids"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/prompt"
	"github.com/metyatech/agent-runner/internal/runtime"
	"github.com/metyatech/agent-runner/internal/state"
)

// selectWork picks at most concurrency − running items, FIFO.
func (d *Driver) selectWork(ctx context.Context, queue *workQueue) ([]workItem, error) {
	running, err := d.Store.CountRunning(ctx)
	if err != nil {
		return nil, err
	}
	slots := d.Config.Scheduler.Concurrency - running
	picked := queue.take(slots)
	if len(picked) > 0 {
		d.logger.Info("selected %d of %d queued items (%d slots)", len(picked), len(queue.items), slots)
	}
	return picked, nil
}

// planIdle fills slack slots with idle work when user work leaves room.
func (d *Driver) planIdle(ctx context.Context, repos []issues.RepoRef, pickedCount int) []idle.Plan {
	if d.Idle == nil {
		return nil
	}
	running, err := d.Store.CountRunning(ctx)
	if err != nil {
		d.logger.Warn("count running: %v", err)
		return nil
	}
	if d.Config.Scheduler.Concurrency-running-pickedCount <= 0 {
		return nil
	}

	candidates := repos
	if d.Config.Idle.LocalReposOnly {
		candidates = d.localRepos()
	}
	allowed := d.allowedEngines(ctx)
	if len(allowed) == 0 {
		return nil
	}

	plans, err := d.Idle.Plan(ctx, candidates, allowed)
	if err != nil {
		d.logger.Warn("idle planning: %v", err)
	}
	return plans
}

// allowedEngines evaluates every enabled engine's usage gate once.
func (d *Driver) allowedEngines(ctx context.Context) []engine.Kind {
	now := d.now()
	var allowed []engine.Kind
	for _, kind := range d.Engines.Kinds() {
		decision := d.Usage.Allow(ctx, string(kind), now)
		if decision.Allowed {
			allowed = append(allowed, kind)
			continue
		}
		d.logger.Debug("engine %s denied: %s", kind, decision.Reason)
		if d.Metrics != nil {
			d.Metrics.RecordUsageDenied(ctx, string(kind), decision.Reason)
		}
	}
	return allowed
}

// dispatchAll runs selected issues and idle plans concurrently and waits
// for every dispatch to finish before returning.
func (d *Driver) dispatchAll(ctx context.Context, picked []workItem, plans []idle.Plan) {
	var wg sync.WaitGroup
	for _, item := range picked {
		item := item
		wg.Add(1)
		async.Go(d.logger, fmt.Sprintf("dispatch-%d", item.issue.Number), func() {
			defer wg.Done()
			d.dispatchIssue(ctx, item)
		})
	}
	for _, plan := range plans {
		plan := plan
		wg.Add(1)
		async.Go(d.logger, "dispatch-idle-"+plan.Repo.Name, func() {
			defer wg.Done()
			d.dispatchIdle(ctx, plan)
		})
	}
	wg.Wait()
}

// pickEngine chooses the engine for a user-requested run: the first of the
// preference order that is enabled and within quota.
func (d *Driver) pickEngine(ctx context.Context) engine.Engine {
	now := d.now()
	for _, kind := range d.issuePreference {
		eng := d.Engines.Get(kind)
		if eng == nil {
			continue
		}
		decision := d.Usage.Allow(ctx, string(kind), now)
		if decision.Allowed {
			return eng
		}
		d.logger.Debug("engine %s denied for issue work: %s", kind, decision.Reason)
		if d.Metrics != nil {
			d.Metrics.RecordUsageDenied(ctx, string(kind), decision.Reason)
		}
	}
	return nil
}

// dispatchIssue runs one issue end to end: engine choice, slot, worktree,
// child process, result publication. Errors never escape this frame.
func (d *Driver) dispatchIssue(ctx context.Context, item workItem) {
	issue := item.issue
	repo := issue.Repo

	eng := d.pickEngine(ctx)
	if eng == nil {
		d.logger.Info("no engine within quota for %s#%d, staying queued", repo.String(), issue.Number)
		return
	}

	slot, err := d.Gate.TryAcquire(eng.Kind().Service())
	if err != nil {
		d.logger.Error("acquire %s slot: %v", eng.Kind().Service(), err)
		return
	}
	if slot == nil {
		d.logger.Info("no %s slot for %s#%d, staying queued", eng.Kind().Service(), repo.String(), issue.Number)
		return
	}
	defer slot.Release()

	if !d.chargeAmazonQ(ctx, eng.Kind()) {
		return
	}

	if err := d.Lifecycle.MarkRunning(ctx, issue); err != nil {
		d.logger.Warn("label %s#%d running: %v", repo.String(), issue.Number, err)
	}

	runID := ids.NewRunID()
	workPath, err := d.prepareWorktree(ctx, runID, item, eng.Kind())
	if err != nil {
		d.logger.Error("worktree for %s#%d: %v", repo.String(), issue.Number, err)
		d.failIssue(ctx, issue, fmt.Sprintf("Could not prepare a working copy: %v", err))
		return
	}
	defer func() {
		if err := d.Worktrees.Remove(ctx, repo, workPath); err != nil {
			d.logger.Warn("remove worktree %s: %v", workPath, err)
		}
	}()

	started := d.now()
	if d.Metrics != nil {
		d.Metrics.IncrementActiveRuns(ctx)
		defer d.Metrics.DecrementActiveRuns(ctx)
	}

	res := d.runWithSessionRetry(ctx, runID, item, eng, workPath)
	if res == nil {
		d.failIssue(ctx, issue, "The engine process could not be started.")
		return
	}
	if d.Metrics != nil {
		d.Metrics.RecordDispatch(ctx, "issue", string(eng.Kind()), string(res.Kind), time.Since(started))
	}
	d.publishResult(ctx, issue, eng, res)
}

// runWithSessionRetry starts the child, tracks it in RunningRecord, and
// retries once in place when the failure happened after a session existed.
func (d *Driver) runWithSessionRetry(ctx context.Context, runID string, item workItem, eng engine.Engine, workPath string) *runtime.Result {
	issue := item.issue
	spec := runtime.Spec{
		Engine:          eng,
		Prompt:          d.promptFor(item),
		ResumeSessionID: item.sessionID,
		WorkDir:         workPath,
		LogName:         runtime.IssueLogName(issue.Repo, issue.Number),
		Timeout:         d.Config.RunTimeout(),
	}

	res := d.runTracked(ctx, runID, issue, spec, workPath)
	if res != nil && res.Retryable() {
		d.logger.Info("retrying %s#%d in-cycle with session %s", issue.Repo.String(), issue.Number, res.SessionID)
		spec.ResumeSessionID = res.SessionID
		spec.Prompt = prompt.Resume("")
		if retried := d.runTracked(ctx, runID, issue, spec, workPath); retried != nil {
			return retried
		}
	}
	return res
}

func (d *Driver) runTracked(ctx context.Context, runID string, issue issues.Issue, spec runtime.Spec, workPath string) *runtime.Result {
	ex, err := d.Runner.Start(ctx, spec)
	if err != nil {
		d.logger.Error("start run for %s#%d: %v", issue.Repo.String(), issue.Number, err)
		return nil
	}
	rec := state.RunningRecord{
		IssueID:     issue.ID,
		IssueNumber: issue.Number,
		Owner:       issue.Repo.Owner,
		Name:        issue.Repo.Name,
		StartedAt:   d.now(),
		PID:         ex.PID(),
		LogPath:     ex.LogPath(),
		WorkPath:    workPath,
	}
	if err := d.Store.PutRunning(ctx, rec); err != nil {
		d.logger.Warn("record running %s#%d: %v", issue.Repo.String(), issue.Number, err)
	}
	if err := d.Store.PutActivity(ctx, state.ActivityRecord{
		ID:          runID,
		Kind:        state.ActivityIssue,
		Engine:      string(spec.Engine.Kind()),
		Owner:       issue.Repo.Owner,
		Name:        issue.Repo.Name,
		StartedAt:   rec.StartedAt,
		PID:         ex.PID(),
		LogPath:     ex.LogPath(),
		WorkPath:    workPath,
		IssueID:     issue.ID,
		IssueNumber: issue.Number,
	}); err != nil {
		d.logger.Warn("record activity %s: %v", runID, err)
	}

	res := ex.Wait()

	if err := d.Store.DeleteRunning(ctx, issue.ID); err != nil {
		d.logger.Warn("clear running %s#%d: %v", issue.Repo.String(), issue.Number, err)
	}
	if err := d.Store.DeleteActivity(ctx, runID); err != nil {
		d.logger.Warn("clear activity %s: %v", runID, err)
	}
	return res
}

func (d *Driver) promptFor(item workItem) string {
	if item.prompt != "" {
		if item.sessionID != "" {
			return prompt.Resume(item.prompt)
		}
		return item.prompt
	}
	if item.sessionID != "" {
		return prompt.Resume("")
	}
	return prompt.Issue(item.issue.Title, item.issue.Body, item.issue.URL)
}

func (d *Driver) prepareWorktree(ctx context.Context, runID string, item workItem, kind engine.Kind) (string, error) {
	repo := item.issue.Repo
	if err := d.Worktrees.EnsureCache(ctx, repo); err != nil {
		return "", err
	}
	if item.prBranch != "" {
		return d.Worktrees.CreateForRemoteBranch(ctx, runID, repo, item.prBranch)
	}
	path, _, err := d.Worktrees.CreateFromDefaultBranch(ctx, runID, repo, string(kind))
	return path, err
}

// publishResult applies the state machine's transition for one run result.
func (d *Driver) publishResult(ctx context.Context, issue issues.Issue, eng engine.Engine, res *runtime.Result) {
	repo := issue.Repo
	switch res.Kind {
	case runtime.KindSuccess:
		if err := d.Lifecycle.MarkDone(ctx, issue); err != nil {
			d.logger.Warn("label %s#%d done: %v", repo.String(), issue.Number, err)
		}
		_ = d.Store.ClearIssueSession(ctx, issue.ID)
		_ = d.Store.ClearScheduledRetry(ctx, issue.ID)
		body := "Done."
		if res.Summary != "" {
			body = res.Summary
		}
		d.comment(ctx, issue, body)
		d.trackCreatedPR(ctx, issue)

	case runtime.KindQuota:
		resumeAt := res.ResumeAt
		if resumeAt.IsZero() {
			resumeAt = d.now().Add(time.Hour)
		}
		if err := d.Store.UpsertScheduledRetry(ctx, state.ScheduledRetry{
			IssueID:     issue.ID,
			IssueNumber: issue.Number,
			Owner:       repo.Owner,
			Name:        repo.Name,
			RunAfter:    resumeAt,
			Reason:      state.RetryReasonQuota,
			SessionID:   res.SessionID,
		}); err != nil {
			d.logger.Error("schedule retry %s#%d: %v", repo.String(), issue.Number, err)
		}
		if res.SessionID != "" {
			_ = d.Store.SetIssueSession(ctx, issue.ID, res.SessionID)
		}
		if err := d.Lifecycle.MarkFailed(ctx, issue, false); err != nil {
			d.logger.Warn("label %s#%d failed: %v", repo.String(), issue.Number, err)
		}
		if d.Metrics != nil {
			d.Metrics.RecordRetryScheduled(ctx, string(eng.Kind()))
		}
		d.comment(ctx, issue, fmt.Sprintf("The %s engine is out of quota. The run will resume automatically around %s.",
			eng.Kind(), resumeAt.Local().Format("2006-01-02 15:04 MST")))

	case runtime.KindNeedsUserReply:
		if res.SessionID != "" {
			_ = d.Store.SetIssueSession(ctx, issue.ID, res.SessionID)
		}
		if err := d.Lifecycle.MarkNeedsUserReply(ctx, issue); err != nil {
			d.logger.Warn("label %s#%d needs-user-reply: %v", repo.String(), issue.Number, err)
		}
		body := res.Summary
		if body == "" {
			body = "The engine needs more information to continue."
		}
		d.comment(ctx, issue, body+"\n\n"+needsUserMarker)

	default: // terminal execution error
		_ = d.Store.ClearIssueSession(ctx, issue.ID)
		_ = d.Store.ClearScheduledRetry(ctx, issue.ID)
		detail := res.Summary
		if detail == "" {
			detail = res.Detail
		}
		msg := fmt.Sprintf("The run failed (exit code %d).", res.ExitCode)
		if detail != "" {
			msg += "\n\n```\n" + detail + "\n```"
		}
		d.failIssue(ctx, issue, msg)
	}
}

func (d *Driver) failIssue(ctx context.Context, issue issues.Issue, body string) {
	if err := d.Lifecycle.MarkFailed(ctx, issue, false); err != nil {
		d.logger.Warn("label %s#%d failed: %v", issue.Repo.String(), issue.Number, err)
	}
	d.comment(ctx, issue, body)
}

func (d *Driver) comment(ctx context.Context, issue issues.Issue, body string) {
	if err := d.Writer.CreateComment(ctx, issue.Repo, issue.Number, body); err != nil {
		d.logger.Warn("comment %s#%d: %v", issue.Repo.String(), issue.Number, err)
	}
}

// trackCreatedPR records a PR the engine opened for this issue, so review
// events on it feed the follow-up queue.
func (d *Driver) trackCreatedPR(ctx context.Context, issue issues.Issue) {
	if issue.IsPullRequest {
		if err := d.Store.AddManagedPR(ctx, issue.Repo, issue.Number); err != nil {
			d.logger.Warn("track PR %s#%d: %v", issue.Repo.String(), issue.Number, err)
		}
		return
	}
	prs, err := d.Reader.ListOpenPullRequests(ctx, issue.Repo)
	if err != nil {
		d.logger.Warn("scan PRs for %s: %v", issue.Repo.String(), err)
		return
	}
	for _, pr := range prs {
		if strings.Contains(pr.Title, fmt.Sprintf("#%d", issue.Number)) ||
			strings.HasPrefix(pr.HeadBranch, "agent-runner/") {
			if err := d.Store.AddManagedPR(ctx, issue.Repo, pr.Number); err != nil {
				d.logger.Warn("track PR %s#%d: %v", issue.Repo.String(), pr.Number, err)
			}
		}
	}
}

// chargeAmazonQ enforces the daily dispatch cap; other engines pass through.
func (d *Driver) chargeAmazonQ(ctx context.Context, kind engine.Kind) bool {
	if kind != engine.AmazonQ {
		return true
	}
	limit := d.Config.Engines.AmazonQDailyLimit
	if limit <= 0 {
		return true
	}
	count, err := d.Store.IncrementAmazonQUsage(ctx, d.now())
	if err != nil {
		d.logger.Warn("amazon q usage counter: %v", err)
		return true
	}
	if count > limit {
		d.logger.Info("amazon q daily limit reached (%d/%d)", count, limit)
		return false
	}
	return true
}

// dispatchIdle runs one idle plan and writes its report.
func (d *Driver) dispatchIdle(ctx context.Context, plan idle.Plan) {
	eng := d.Engines.Get(plan.Engine)
	if eng == nil {
		return
	}
	slot, err := d.Gate.TryAcquire(plan.Engine.Service())
	if err != nil || slot == nil {
		d.logger.Info("no %s slot for idle work on %s", plan.Engine.Service(), plan.Repo.String())
		return
	}
	defer slot.Release()

	if !d.chargeAmazonQ(ctx, plan.Engine) {
		return
	}

	runID := ids.NewRunID()
	if err := d.Worktrees.EnsureCache(ctx, plan.Repo); err != nil {
		d.logger.Error("idle worktree cache for %s: %v", plan.Repo.String(), err)
		return
	}
	workPath, _, err := d.Worktrees.CreateFromDefaultBranch(ctx, runID, plan.Repo, string(plan.Engine))
	if err != nil {
		d.logger.Error("idle worktree for %s: %v", plan.Repo.String(), err)
		return
	}
	defer func() {
		if err := d.Worktrees.Remove(ctx, plan.Repo, workPath); err != nil {
			d.logger.Warn("remove idle worktree %s: %v", workPath, err)
		}
	}()

	openCount, openPRs := d.openPRContext(ctx, plan.Repo)

	started := d.now()
	ex, err := d.Runner.Start(ctx, runtime.Spec{
		Engine:  eng,
		Prompt:  prompt.IdleTask(plan.Repo.String(), plan.Task, openCount, openPRs),
		WorkDir: workPath,
		LogName: runtime.IdleLogName(plan.Repo),
		Timeout: d.Config.RunTimeout(),
	})
	if err != nil {
		d.logger.Error("start idle run on %s: %v", plan.Repo.String(), err)
		return
	}
	if err := d.Store.PutActivity(ctx, state.ActivityRecord{
		ID:        runID,
		Kind:      state.ActivityIdle,
		Engine:    string(plan.Engine),
		Owner:     plan.Repo.Owner,
		Name:      plan.Repo.Name,
		StartedAt: started,
		PID:       ex.PID(),
		LogPath:   ex.LogPath(),
		WorkPath:  workPath,
		Task:      plan.Task,
	}); err != nil {
		d.logger.Warn("record idle activity %s: %v", runID, err)
	}

	res := ex.Wait()
	if err := d.Store.DeleteActivity(ctx, runID); err != nil {
		d.logger.Warn("clear idle activity %s: %v", runID, err)
	}
	if d.Metrics != nil {
		d.Metrics.RecordDispatch(ctx, "idle", string(plan.Engine), string(res.Kind), time.Since(started))
	}
	d.writeIdleReport(plan, res)
}

// openPRContext fetches the duplicate-work guard inputs. A count failure
// renders as unknown (-1); a list failure is non-fatal.
func (d *Driver) openPRContext(ctx context.Context, repo issues.RepoRef) (int, []prompt.OpenPR) {
	prs, err := d.Reader.ListOpenPullRequests(ctx, repo)
	if err != nil {
		d.logger.Warn("open PRs for %s: %v", repo.String(), err)
		return -1, nil
	}
	open := make([]prompt.OpenPR, 0, len(prs))
	for _, pr := range prs {
		open = append(open, prompt.OpenPR{Title: pr.Title, URL: pr.URL})
	}
	return len(prs), open
}

// writeIdleReport persists the idle run's summary as a markdown report.
func (d *Driver) writeIdleReport(plan idle.Plan, res *runtime.Result) {
	dir := d.Config.ReportsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Warn("create reports dir: %v", err)
		return
	}
	name := fmt.Sprintf("%s--%s-%d.md", strings.ToLower(plan.Repo.Owner), strings.ToLower(plan.Repo.Name), d.now().Unix())
	var b strings.Builder
	fmt.Fprintf(&b, "# Idle run on %s\n\n", plan.Repo.String())
	fmt.Fprintf(&b, "- Engine: %s\n- Task: %s\n- Outcome: %s\n- Log: %s\n\n", plan.Engine, plan.Task, res.Kind, res.LogPath)
	if res.Summary != "" {
		b.WriteString("## Summary\n\n" + res.Summary + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		d.logger.Warn("write idle report: %v", err)
	}
}
