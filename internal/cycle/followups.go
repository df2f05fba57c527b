package cycle

import (
	"context"
	"fmt"

	"github.com/metyatech/agent-runner/internal/prompt"
	"github.com/metyatech/agent-runner/internal/state"
)

// scanManagedPRs polls review state on tracked PRs and enqueues follow-up
// entries. Webhook mode gets the same entries pushed live; polling covers
// gaps and webhook-less deployments.
func (d *Driver) scanManagedPRs(ctx context.Context) {
	prs, err := d.Store.ListManagedPRs(ctx)
	if err != nil {
		d.logger.Warn("list managed PRs: %v", err)
		return
	}
	for _, pr := range prs {
		repo := pr.Repo()
		current, err := d.Reader.GetPullRequest(ctx, repo, pr.Number)
		if err != nil {
			d.logger.Warn("fetch managed PR %s#%d: %v", repo.String(), pr.Number, err)
			continue
		}
		if current.State != "open" {
			continue
		}

		issue, err := d.Reader.GetIssue(ctx, repo, pr.Number)
		if err != nil {
			d.logger.Warn("fetch PR issue %s#%d: %v", repo.String(), pr.Number, err)
			continue
		}

		entry := state.ReviewFollowup{
			IssueID:  issue.ID,
			PRNumber: pr.Number,
			Owner:    repo.Owner,
			Name:     repo.Name,
			URL:      current.URL,
		}

		unresolved, err := d.Reader.UnresolvedReviewThreads(ctx, repo, pr.Number)
		if err != nil {
			d.logger.Warn("review threads %s#%d: %v", repo.String(), pr.Number, err)
			continue
		}
		reviewState, err := d.Reader.LatestReviewState(ctx, repo, pr.Number)
		if err != nil {
			d.logger.Warn("review state %s#%d: %v", repo.String(), pr.Number, err)
			continue
		}

		switch {
		case unresolved > 0 || reviewState == "CHANGES_REQUESTED":
			entry.Reason = state.ReviewReasonReview
			entry.RequiresEngine = true
		case reviewState == "APPROVED":
			entry.Reason = state.ReviewReasonApproval
			entry.RequiresEngine = false
		default:
			continue
		}

		if err := d.Store.UpsertReviewFollowup(ctx, entry); err != nil {
			d.logger.Warn("enqueue follow-up %s#%d: %v", repo.String(), pr.Number, err)
		}
	}
}

// enqueueReviewFollowups drains the follow-up queue. Merge-only entries are
// handled inline; engine-requiring entries become work items on the PR
// branch.
func (d *Driver) enqueueReviewFollowups(ctx context.Context, queue *workQueue) {
	entries, err := d.Store.TakeReviewFollowups(ctx)
	if err != nil {
		d.logger.Warn("drain follow-up queue: %v", err)
		return
	}
	for _, e := range entries {
		if !e.RequiresEngine {
			d.mergeApprovedPR(ctx, e)
			continue
		}

		repo := e.Repo()
		pr, err := d.Reader.GetPullRequest(ctx, repo, e.PRNumber)
		if err != nil {
			d.logger.Warn("fetch follow-up PR %s#%d: %v", repo.String(), e.PRNumber, err)
			continue
		}
		if pr.State != "open" {
			continue
		}
		issue, err := d.Reader.GetIssue(ctx, repo, e.PRNumber)
		if err != nil {
			d.logger.Warn("fetch follow-up issue %s#%d: %v", repo.String(), e.PRNumber, err)
			continue
		}
		if d.busyOrTerminal(ctx, issue) {
			continue
		}

		unresolved, err := d.Reader.UnresolvedReviewThreads(ctx, repo, e.PRNumber)
		if err != nil {
			unresolved = 0
		}
		item := workItem{
			issue:      issue,
			prompt:     prompt.ReviewFollowup(pr.URL, unresolved),
			prBranch:   pr.HeadBranch,
			enqueuedAt: e.UpdatedAt,
		}
		if sess, err := d.Store.GetIssueSession(ctx, issue.ID); err == nil && sess != "" {
			item.sessionID = sess
		}
		if queue.add(item) {
			d.logger.Info("review follow-up queued for %s#%d (%s)", repo.String(), e.PRNumber, e.Reason)
			if err := d.Lifecycle.MarkQueued(ctx, issue); err != nil {
				d.logger.Warn("label %s#%d queued: %v", repo.String(), e.PRNumber, err)
			}
		}
	}
}

// mergeApprovedPR merges an approved managed PR without burning an engine
// slot.
func (d *Driver) mergeApprovedPR(ctx context.Context, e state.ReviewFollowup) {
	repo := e.Repo()
	pr, err := d.Reader.GetPullRequest(ctx, repo, e.PRNumber)
	if err != nil {
		d.logger.Warn("fetch approved PR %s#%d: %v", repo.String(), e.PRNumber, err)
		return
	}
	if pr.State != "open" {
		return
	}
	if err := d.Writer.MergePullRequest(ctx, repo, e.PRNumber); err != nil {
		d.logger.Warn("merge %s#%d: %v", repo.String(), e.PRNumber, err)
		body := fmt.Sprintf("Automatic merge after approval failed: %v", err)
		if cerr := d.Writer.CreateComment(ctx, repo, e.PRNumber, body); cerr != nil {
			d.logger.Warn("comment merge failure %s#%d: %v", repo.String(), e.PRNumber, cerr)
		}
		return
	}
	d.logger.Info("merged approved PR %s#%d", repo.String(), e.PRNumber)
}
