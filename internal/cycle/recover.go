package cycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/locks"
	"github.com/metyatech/agent-runner/internal/state"
)

// needsUserMarker tags runner comments that wait on the user, so reply
// detection can find the last one.
const needsUserMarker = "<!-- agent-runner:needs-user-reply -->"

// recoverCrashedRuns reconciles running labels and RunningRecords against
// process liveness. A dead pid or a missing record both mean the run was
// lost; the issue lands in failed + needs-user-reply with an explanatory
// comment.
func (d *Driver) recoverCrashedRuns(ctx context.Context) error {
	recs, err := d.Store.ListRunning(ctx)
	if err != nil {
		return err
	}
	byIssue := make(map[int64]state.RunningRecord, len(recs))
	for _, rec := range recs {
		byIssue[rec.IssueID] = rec
		if locks.PIDAlive(rec.PID) {
			continue
		}
		d.logger.Warn("run for %s#%d lost: pid %d is dead", rec.Repo().String(), rec.IssueNumber, rec.PID)
		issue, err := d.Reader.GetIssue(ctx, rec.Repo(), rec.IssueNumber)
		if err != nil {
			d.logger.Warn("fetch crashed %s#%d: %v", rec.Repo().String(), rec.IssueNumber, err)
		} else {
			d.failCrashed(ctx, issue, rec.PID)
		}
		if err := d.Store.DeleteRunning(ctx, rec.IssueID); err != nil {
			d.logger.Warn("purge running record %d: %v", rec.IssueID, err)
		}
		_ = d.Store.DeleteActivityByIssue(ctx, rec.IssueID)
	}

	// Issues labelled running with no record at all were lost the same way.
	seen := map[int64]bool{}
	for _, repo := range d.reposWithRunningLabel(ctx) {
		labeled, err := d.Reader.ListIssuesByLabel(ctx, repo, d.Lifecycle.Names().Running)
		if err != nil {
			d.logger.Warn("list running issues in %s: %v", repo.String(), err)
			continue
		}
		for _, issue := range labeled {
			if seen[issue.ID] {
				continue
			}
			seen[issue.ID] = true
			if _, tracked := byIssue[issue.ID]; tracked {
				continue
			}
			d.logger.Warn("issue %s#%d is labelled running but has no record", issue.Repo.String(), issue.Number)
			d.failCrashed(ctx, issue, 0)
		}
	}

	// Drop orphaned idle activities whose pids died.
	acts, err := d.Store.ListActivities(ctx)
	if err != nil {
		return err
	}
	for _, a := range acts {
		if !locks.PIDAlive(a.PID) {
			d.logger.Warn("activity %s (%s) lost: pid %d is dead", a.ID, a.Kind, a.PID)
			_ = d.Store.DeleteActivity(ctx, a.ID)
		}
	}
	return nil
}

func (d *Driver) failCrashed(ctx context.Context, issue issues.Issue, pid int) {
	if err := d.Lifecycle.MarkFailed(ctx, issue, true); err != nil {
		d.logger.Warn("label crashed %s#%d: %v", issue.Repo.String(), issue.Number, err)
	}
	body := "The run for this issue was interrupted"
	if pid > 0 {
		body = fmt.Sprintf("%s (worker pid %d is no longer alive)", body, pid)
	}
	body += ". Comment here to restart it.\n\n" + needsUserMarker
	if err := d.Writer.CreateComment(ctx, issue.Repo, issue.Number, body); err != nil {
		d.logger.Warn("comment crashed %s#%d: %v", issue.Repo.String(), issue.Number, err)
	}
}

func (d *Driver) reposWithRunningLabel(ctx context.Context) []issues.RepoRef {
	repos, err := d.Store.ListRepos(ctx)
	if err != nil {
		d.logger.Warn("list cached repos: %v", err)
		return nil
	}
	return repos
}

// resumeUserReplies re-queues needs-user-reply issues that received a user
// comment after the runner's last needs-user marker, carrying the stored
// session so the engine resumes instead of restarting.
func (d *Driver) resumeUserReplies(ctx context.Context, repos []issues.RepoRef, queue *workQueue) {
	for _, repo := range repos {
		labeled, err := d.Reader.ListIssuesByLabel(ctx, repo, d.Lifecycle.Names().NeedsUserReply)
		if err != nil {
			d.logger.Warn("list needs-user-reply in %s: %v", repo.String(), err)
			continue
		}
		for _, issue := range labeled {
			reply, at, ok := d.userReplyAfterMarker(ctx, issue)
			if !ok {
				continue
			}
			item := workItem{issue: issue, enqueuedAt: at}
			if sess, err := d.Store.GetIssueSession(ctx, issue.ID); err == nil && sess != "" {
				item.sessionID = sess
				item.prompt = reply
			}
			if queue.add(item) {
				d.logger.Info("user replied on %s#%d, re-queueing", repo.String(), issue.Number)
				if err := d.Store.ClearScheduledRetry(ctx, issue.ID); err != nil {
					d.logger.Warn("clear retry %d: %v", issue.ID, err)
				}
				if err := d.Lifecycle.MarkQueued(ctx, issue); err != nil {
					d.logger.Warn("label %s#%d queued: %v", repo.String(), issue.Number, err)
				}
			}
		}
	}
}

// userReplyAfterMarker returns the first non-bot comment newer than the
// runner's last needs-user marker, with its timestamp.
func (d *Driver) userReplyAfterMarker(ctx context.Context, issue issues.Issue) (string, time.Time, bool) {
	comments, err := d.Reader.ListIssueComments(ctx, issue.Repo, issue.Number)
	if err != nil {
		d.logger.Warn("list comments %s#%d: %v", issue.Repo.String(), issue.Number, err)
		return "", time.Time{}, false
	}
	var markerAt time.Time
	for _, c := range comments {
		if strings.Contains(c.Body, needsUserMarker) && c.CreatedAt.After(markerAt) {
			markerAt = c.CreatedAt
		}
	}
	for _, c := range comments {
		if c.IsBot || IsCommand(c.Body) {
			continue
		}
		if c.CreatedAt.After(markerAt) {
			return c.Body, c.CreatedAt, true
		}
	}
	return "", time.Time{}, false
}

// resumeDueRetries atomically consumes due ScheduledRetry rows and requeues
// them with their session ids.
func (d *Driver) resumeDueRetries(ctx context.Context, queue *workQueue) {
	due, err := d.Store.TakeDueRetries(ctx, d.now())
	if err != nil {
		d.logger.Warn("take due retries: %v", err)
		return
	}
	for _, r := range due {
		issue, err := d.Reader.GetIssue(ctx, r.Repo(), r.IssueNumber)
		if err != nil {
			d.logger.Warn("fetch retry %s#%d: %v", r.Repo().String(), r.IssueNumber, err)
			// Put the row back so the retry is not lost to one bad read.
			if rerr := d.Store.UpsertScheduledRetry(ctx, r); rerr != nil {
				d.logger.Error("restore retry %d: %v", r.IssueID, rerr)
			}
			continue
		}
		if queue.add(workItem{issue: issue, sessionID: r.SessionID, enqueuedAt: r.RunAfter}) {
			d.logger.Info("retry due for %s#%d", r.Repo().String(), r.IssueNumber)
			if err := d.Lifecycle.MarkQueued(ctx, issue); err != nil {
				d.logger.Warn("label %s#%d queued: %v", r.Repo().String(), r.IssueNumber, err)
			}
		}
	}
}
