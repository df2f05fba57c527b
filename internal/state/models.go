// Package state is the persistent state store: one sqlite file under
// state/runner.db owning every record that must survive a process restart.
// All mutation goes through Store methods inside transactions; other
// packages never touch gorm directly.
package state

import (
	"time"

	"github.com/metyatech/agent-runner/internal/issues"
)

// Repo is a cached repository reference, used as the fallback discovery
// source while GitHub rate-limits us.
type Repo struct {
	Owner     string `gorm:"primaryKey;size:190"`
	Name      string `gorm:"primaryKey;size:190"`
	UpdatedAt time.Time
}

// Ref converts to the shared value type.
func (r Repo) Ref() issues.RepoRef {
	return issues.NewRepoRef(r.Owner, r.Name)
}

// RunningRecord marks one live issue execution. At most one row per issue.
type RunningRecord struct {
	IssueID     int64 `gorm:"primaryKey;autoIncrement:false"`
	IssueNumber int
	Owner       string `gorm:"size:190"`
	Name        string `gorm:"size:190"`
	StartedAt   time.Time
	PID         int
	LogPath     string
	WorkPath    string
}

// Repo returns the repo reference of the record.
func (r RunningRecord) Repo() issues.RepoRef {
	return issues.NewRepoRef(r.Owner, r.Name)
}

// ActivityRecord is one in-flight unit of work, issue-run or idle-run.
// Unlike RunningRecord it also covers idle runs, which have no issue.
type ActivityRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Kind        string `gorm:"size:16;index"` // issue | idle
	Engine      string `gorm:"size:32"`
	Owner       string `gorm:"size:190"`
	Name        string `gorm:"size:190"`
	StartedAt   time.Time
	PID         int
	LogPath     string
	WorkPath    string
	IssueID     int64 // zero for idle runs
	IssueNumber int
	Task        string // idle runs only
}

// ActivityKind values.
const (
	ActivityIssue = "issue"
	ActivityIdle  = "idle"
)

// Repo returns the repo reference of the record.
func (a ActivityRecord) Repo() issues.RepoRef {
	return issues.NewRepoRef(a.Owner, a.Name)
}

// ScheduledRetry defers an issue until RunAfter, keeping the engine session
// for resumption. Upsert semantics: one row per issue.
type ScheduledRetry struct {
	IssueID     int64 `gorm:"primaryKey;autoIncrement:false"`
	IssueNumber int
	Owner       string `gorm:"size:190"`
	Name        string `gorm:"size:190"`
	RunAfter    time.Time `gorm:"index"`
	Reason      string    `gorm:"size:32"` // quota
	SessionID   string    `gorm:"size:190"`
	UpdatedAt   time.Time
}

// RetryReasonQuota is the only retry reason today.
const RetryReasonQuota = "quota"

// Repo returns the repo reference of the retry.
func (s ScheduledRetry) Repo() issues.RepoRef {
	return issues.NewRepoRef(s.Owner, s.Name)
}

// IssueSession maps an issue to the engine session that should be resumed.
type IssueSession struct {
	IssueID   int64  `gorm:"primaryKey;autoIncrement:false"`
	SessionID string `gorm:"size:190"`
	UpdatedAt time.Time
}

// ManagedPR marks a pull request whose lifecycle this runner tracks.
type ManagedPR struct {
	Owner     string `gorm:"primaryKey;size:190"`
	Name      string `gorm:"primaryKey;size:190"`
	Number    int    `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

// Repo returns the repo reference of the managed PR.
func (m ManagedPR) Repo() issues.RepoRef {
	return issues.NewRepoRef(m.Owner, m.Name)
}

// ProcessedCommandComment dedups /agent run trigger comments by comment id.
type ProcessedCommandComment struct {
	CommentID   int64 `gorm:"primaryKey;autoIncrement:false"`
	ProcessedAt time.Time
}

// IdleHistory tracks per-repo idle cooldown and the round-robin task cursor.
type IdleHistory struct {
	RepoKey    string `gorm:"primaryKey;size:382"` // lowercase owner/name
	Owner      string `gorm:"size:190"`
	Name       string `gorm:"size:190"`
	LastIdleAt time.Time
	TaskCursor int
}

// Repo returns the repo reference of the history row.
func (h IdleHistory) Repo() issues.RepoRef {
	return issues.NewRepoRef(h.Owner, h.Name)
}

// WebhookQueueEntry is an issue enqueued by the webhook listener for the
// next cycle. Unique per issue.
type WebhookQueueEntry struct {
	IssueID     int64 `gorm:"primaryKey;autoIncrement:false"`
	IssueNumber int
	Owner       string `gorm:"size:190"`
	Name        string `gorm:"size:190"`
	URL         string
	Title       string
	EnqueuedAt  time.Time
}

// Repo returns the repo reference of the entry.
func (w WebhookQueueEntry) Repo() issues.RepoRef {
	return issues.NewRepoRef(w.Owner, w.Name)
}

// ReviewFollowup queues work derived from PR review events. Entries for the
// same PR coalesce into one row; RequiresEngine is sticky once set.
type ReviewFollowup struct {
	IssueID        int64 `gorm:"primaryKey;autoIncrement:false"`
	PRNumber       int
	Owner          string `gorm:"size:190"`
	Name           string `gorm:"size:190"`
	URL            string
	Reason         string `gorm:"size:32"` // review_comment | review | approval
	RequiresEngine bool
	UpdatedAt      time.Time
}

// Review followup reasons.
const (
	ReviewReasonComment  = "review_comment"
	ReviewReasonReview   = "review"
	ReviewReasonApproval = "approval"
)

// Repo returns the repo reference of the followup.
func (r ReviewFollowup) Repo() issues.RepoRef {
	return issues.NewRepoRef(r.Owner, r.Name)
}

// Cursor is a named single-value row: webhook catch-up timestamp, GitHub
// rate-limit deadline.
type Cursor struct {
	Key       string `gorm:"primaryKey;size:64"`
	At        time.Time
	UpdatedAt time.Time
}

// Cursor keys.
const (
	CursorWebhookCatchup = "webhook_catchup"
	CursorBlockedUntil   = "github_blocked_until"
	CursorCommandScan    = "command_scan"
)

// AmazonQUsage counts Amazon Q dispatches per UTC day.
type AmazonQUsage struct {
	Day       string `gorm:"primaryKey;size:10"` // YYYY-MM-DD, UTC
	Count     int
	UpdatedAt time.Time
}

// GeminiWarmup records the last one-shot warm-up attempt per Gemini model.
type GeminiWarmup struct {
	Model         string `gorm:"primaryKey;size:64"`
	LastAttemptAt time.Time
}

func allModels() []any {
	return []any{
		&Repo{},
		&RunningRecord{},
		&ActivityRecord{},
		&ScheduledRetry{},
		&IssueSession{},
		&ManagedPR{},
		&ProcessedCommandComment{},
		&IdleHistory{},
		&WebhookQueueEntry{},
		&ReviewFollowup{},
		&Cursor{},
		&AmazonQUsage{},
		&GeminiWarmup{},
	}
}
