package cycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	runnererrors "github.com/metyatech/agent-runner/internal/errors"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/state"
)

// CommandTrigger is the literal comment line that queues an issue.
const CommandTrigger = "/agent run"

// IsCommand reports whether body contains the trigger on its own line.
func IsCommand(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == CommandTrigger {
			return true
		}
	}
	return false
}

// discoverRepos resolves the target repo list. On GitHub rate limiting it
// falls back to the cached list and records the blocked-until deadline for
// the status snapshot.
func (d *Driver) discoverRepos(ctx context.Context) ([]issues.RepoRef, error) {
	now := d.now()

	if blockedUntil, err := d.Store.GetCursor(ctx, state.CursorBlockedUntil); err == nil && now.Before(blockedUntil) {
		d.logger.Warn("github rate-limited until %s, using cached repo list", blockedUntil.Format(time.RFC3339))
		return d.Store.ListRepos(ctx)
	}

	repos, err := d.resolveConfiguredRepos(ctx)
	if err != nil {
		if limited, resetAt := runnererrors.IsRateLimit(err); limited {
			if resetAt.IsZero() {
				resetAt = now.Add(15 * time.Minute)
			}
			d.logger.Warn("github rate limit hit, blocked until %s: %v", resetAt.Format(time.RFC3339), err)
			if serr := d.Store.SetCursor(ctx, state.CursorBlockedUntil, resetAt); serr != nil {
				d.logger.Warn("record blocked-until: %v", serr)
			}
			return d.Store.ListRepos(ctx)
		}
		return nil, err
	}

	if err := d.Store.SaveRepos(ctx, repos); err != nil {
		d.logger.Warn("cache repo list: %v", err)
	}
	return repos, nil
}

func (d *Driver) resolveConfiguredRepos(ctx context.Context) ([]issues.RepoRef, error) {
	return ResolveRepos(ctx, d.Config, d.Reader, d.logger)
}

// localRepos lists git clones directly under the workdir root.
func (d *Driver) localRepos() []issues.RepoRef {
	return LocalRepos(d.Config, d.logger)
}

// ResolveRepos expands the configured repo list, honoring the "all" and
// "local" sentinels, de-duplicated in order.
func ResolveRepos(ctx context.Context, cfg *config.Config, reader githubapi.Reader, logger logging.Logger) ([]issues.RepoRef, error) {
	gh := cfg.GitHub
	var repos []issues.RepoRef
	for _, name := range gh.Repos {
		switch strings.ToLower(name) {
		case "all":
			owned, err := reader.ListOwnerRepos(ctx, gh.Owner)
			if err != nil {
				return nil, err
			}
			repos = append(repos, owned...)
		case "local":
			repos = append(repos, LocalRepos(cfg, logger)...)
		default:
			repos = append(repos, issues.NewRepoRef(gh.Owner, name))
		}
	}

	seen := map[string]bool{}
	out := repos[:0]
	for _, r := range repos {
		if !seen[r.Key()] {
			seen[r.Key()] = true
			out = append(out, r)
		}
	}
	return out, nil
}

// LocalRepos lists git clones directly under the workdir root.
func LocalRepos(cfg *config.Config, logger logging.Logger) []issues.RepoRef {
	logger = logging.OrNop(logger)
	entries, err := os.ReadDir(cfg.WorkdirRoot)
	if err != nil {
		logger.Warn("scan local workspace: %v", err)
		return nil
	}
	var repos []issues.RepoRef
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "agent-runner" {
			continue
		}
		if _, err := os.Stat(filepath.Join(cfg.WorkdirRoot, e.Name(), ".git")); err == nil {
			repos = append(repos, issues.NewRepoRef(cfg.GitHub.Owner, e.Name()))
		}
	}
	return repos
}

// discoverCommandComments finds fresh /agent run comments since the last
// scan and queues their issues.
func (d *Driver) discoverCommandComments(ctx context.Context, repos []issues.RepoRef, queue *workQueue) {
	now := d.now()
	since, err := d.Store.GetCursor(ctx, state.CursorCommandScan)
	if err != nil || since.IsZero() {
		since = now.Add(-24 * time.Hour)
	}

	for _, repo := range repos {
		d.scanRepoCommands(ctx, repo, since, queue)
	}

	if err := d.Store.SetCursor(ctx, state.CursorCommandScan, now); err != nil {
		d.logger.Warn("advance command-scan cursor: %v", err)
	}
}

func (d *Driver) scanRepoCommands(ctx context.Context, repo issues.RepoRef, since time.Time, queue *workQueue) {
	comments, byComment, err := d.Reader.ListRepoCommentsSince(ctx, repo, since)
	if err != nil {
		d.logger.Warn("scan %s comments: %v", repo.String(), err)
		return
	}
	for _, c := range comments {
		number, ok := byComment[c.ID]
		if !ok || !d.authorizedCommand(c) {
			continue
		}
		fresh, err := d.Store.MarkCommandComment(ctx, c.ID)
		if err != nil {
			d.logger.Warn("dedup comment %d: %v", c.ID, err)
			continue
		}
		if !fresh {
			continue
		}
		issue, err := d.Reader.GetIssue(ctx, repo, number)
		if err != nil {
			d.logger.Warn("fetch %s#%d: %v", repo.String(), number, err)
			continue
		}
		if d.busyOrTerminal(ctx, issue) {
			continue
		}
		if queue.add(workItem{issue: issue, enqueuedAt: c.CreatedAt}) {
			d.logger.Info("queued %s#%d from comment %d by %s", repo.String(), number, c.ID, c.Author)
			if err := d.Lifecycle.MarkQueued(ctx, issue); err != nil {
				d.logger.Warn("label %s#%d queued: %v", repo.String(), number, err)
			}
		}
	}
}

func (d *Driver) authorizedCommand(c githubapi.Comment) bool {
	return !c.IsBot && IsCommand(c.Body) && githubapi.AuthorizedAssociation(c.AuthorAssociation)
}

// busyOrTerminal reports whether the issue is already running or waiting in
// a state the command must not disturb.
func (d *Driver) busyOrTerminal(ctx context.Context, issue issues.Issue) bool {
	if rec, err := d.Store.GetRunning(ctx, issue.ID); err == nil && rec != nil {
		return true
	}
	retry, err := d.Store.GetScheduledRetry(ctx, issue.ID)
	if err != nil {
		return false
	}
	st := d.Lifecycle.StateFromLabels(issue.Labels, retry != nil)
	switch st {
	case issues.StateRunning, issues.StateQueued, issues.StateScheduledRetry:
		return true
	default:
		return false
	}
}

// collectQueuedIssues re-queues issues whose queued label survived an
// earlier cycle that could not dispatch them (gate full, engines denied).
func (d *Driver) collectQueuedIssues(ctx context.Context, repos []issues.RepoRef, queue *workQueue) {
	for _, repo := range repos {
		labeled, err := d.Reader.ListIssuesByLabel(ctx, repo, d.Lifecycle.Names().Queued)
		if err != nil {
			d.logger.Warn("list queued issues in %s: %v", repo.String(), err)
			continue
		}
		for _, issue := range labeled {
			if queue.has(issue.ID) {
				continue
			}
			if rec, err := d.Store.GetRunning(ctx, issue.ID); err == nil && rec != nil {
				continue
			}
			item := workItem{issue: issue, enqueuedAt: d.now()}
			if sess, err := d.Store.GetIssueSession(ctx, issue.ID); err == nil && sess != "" {
				item.sessionID = sess
			}
			queue.add(item)
		}
	}
}

// catchupWebhookComments sweeps for commands that arrived while the webhook
// listener was down. Runs only in webhook mode, at the configured interval.
func (d *Driver) catchupWebhookComments(ctx context.Context, repos []issues.RepoRef) {
	if !d.Config.Webhook.Enabled {
		return
	}
	now := d.now()
	last, err := d.Store.GetCursor(ctx, state.CursorWebhookCatchup)
	if err != nil {
		d.logger.Warn("read catch-up cursor: %v", err)
		return
	}
	if !last.IsZero() && now.Sub(last) < d.Config.CatchupInterval() {
		return
	}
	since := last
	if since.IsZero() {
		since = now.Add(-d.Config.CatchupInterval())
	}

	for _, repo := range repos {
		comments, byComment, err := d.Reader.ListRepoCommentsSince(ctx, repo, since)
		if err != nil {
			d.logger.Warn("catch-up scan %s: %v", repo.String(), err)
			continue
		}
		for _, c := range comments {
			number, ok := byComment[c.ID]
			if !ok || !d.authorizedCommand(c) {
				continue
			}
			fresh, err := d.Store.MarkCommandComment(ctx, c.ID)
			if err != nil || !fresh {
				continue
			}
			issue, err := d.Reader.GetIssue(ctx, repo, number)
			if err != nil {
				d.logger.Warn("catch-up fetch %s#%d: %v", repo.String(), number, err)
				continue
			}
			if err := d.Store.EnqueueWebhook(ctx, state.WebhookQueueEntry{
				IssueID:     issue.ID,
				IssueNumber: issue.Number,
				Owner:       repo.Owner,
				Name:        repo.Name,
				URL:         issue.URL,
				Title:       issue.Title,
				EnqueuedAt:  c.CreatedAt,
			}); err != nil {
				d.logger.Warn("catch-up enqueue %s#%d: %v", repo.String(), number, err)
			}
		}
	}

	if err := d.Store.SetCursor(ctx, state.CursorWebhookCatchup, now); err != nil {
		d.logger.Warn("advance catch-up cursor: %v", err)
	}
}

// drainWebhookQueue moves webhook-enqueued issues into the cycle queue.
func (d *Driver) drainWebhookQueue(ctx context.Context, queue *workQueue) {
	entries, err := d.Store.TakeWebhookQueue(ctx)
	if err != nil {
		d.logger.Warn("drain webhook queue: %v", err)
		return
	}
	for _, e := range entries {
		issue, err := d.Reader.GetIssue(ctx, e.Repo(), e.IssueNumber)
		if err != nil {
			d.logger.Warn("webhook fetch %s#%d: %v", e.Repo().String(), e.IssueNumber, err)
			continue
		}
		if d.busyOrTerminal(ctx, issue) {
			continue
		}
		if queue.add(workItem{issue: issue, enqueuedAt: e.EnqueuedAt}) {
			if err := d.Lifecycle.MarkQueued(ctx, issue); err != nil {
				d.logger.Warn("label %s#%d queued: %v", e.Repo().String(), e.IssueNumber, err)
			}
		}
	}
}
