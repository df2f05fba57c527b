package cycle

import (
	"context"
	"os"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/state"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Snapshot is the observable scheduler state served by the status command
// and the HTML UI.
type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Running     []RunningView     `json:"running"`
	Retries     []RetryView       `json:"retries"`
	Followups   []FollowupView    `json:"followups"`
	IdleHistory []IdleHistoryView `json:"idle_history"`
	// BlockedUntil is set while GitHub rate limiting forces the cached
	// repo list.
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	StopFlagSet  bool       `json:"stop_flag_set"`
}

// RunningView is one in-flight run.
type RunningView struct {
	Repo        string    `json:"repo"`
	IssueNumber int       `json:"issue_number,omitempty"`
	Kind        string    `json:"kind"`
	Engine      string    `json:"engine"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	LogPath     string    `json:"log_path"`
	Task        string    `json:"task,omitempty"`
}

// RetryView is one pending scheduled retry.
type RetryView struct {
	Repo        string    `json:"repo"`
	IssueNumber int       `json:"issue_number"`
	RunAfter    time.Time `json:"run_after"`
	Reason      string    `json:"reason"`
	HasSession  bool      `json:"has_session"`
}

// FollowupView is one queued review follow-up.
type FollowupView struct {
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"pr_number"`
	Reason         string    `json:"reason"`
	RequiresEngine bool      `json:"requires_engine"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IdleHistoryView is one repo's idle cadence.
type IdleHistoryView struct {
	Repo       string    `json:"repo"`
	LastIdleAt time.Time `json:"last_idle_at"`
	TaskCursor int       `json:"task_cursor"`
}

// BuildSnapshot reads the store into a Snapshot. It needs no Driver so the
// status command works against a running daemon's state file.
func BuildSnapshot(ctx context.Context, cfg *config.Config, store *state.Store) (*Snapshot, error) {
	snap := &Snapshot{GeneratedAt: time.Now().UTC()}

	acts, err := store.ListActivities(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range acts {
		snap.Running = append(snap.Running, RunningView{
			Repo:        a.Repo().String(),
			IssueNumber: a.IssueNumber,
			Kind:        a.Kind,
			Engine:      a.Engine,
			PID:         a.PID,
			StartedAt:   a.StartedAt,
			LogPath:     a.LogPath,
			Task:        a.Task,
		})
	}

	retries, err := store.ListScheduledRetries(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range retries {
		snap.Retries = append(snap.Retries, RetryView{
			Repo:        r.Repo().String(),
			IssueNumber: r.IssueNumber,
			RunAfter:    r.RunAfter,
			Reason:      r.Reason,
			HasSession:  r.SessionID != "",
		})
	}

	followups, err := store.ListReviewFollowups(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range followups {
		snap.Followups = append(snap.Followups, FollowupView{
			Repo:           f.Repo().String(),
			PRNumber:       f.PRNumber,
			Reason:         f.Reason,
			RequiresEngine: f.RequiresEngine,
			UpdatedAt:      f.UpdatedAt,
		})
	}

	histories, err := store.ListIdleHistories(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range histories {
		snap.IdleHistory = append(snap.IdleHistory, IdleHistoryView{
			Repo:       h.Repo().String(),
			LastIdleAt: h.LastIdleAt,
			TaskCursor: h.TaskCursor,
		})
	}

	if blockedUntil, err := store.GetCursor(ctx, state.CursorBlockedUntil); err == nil && !blockedUntil.IsZero() && time.Now().Before(blockedUntil) {
		snap.BlockedUntil = &blockedUntil
	}
	if cfg != nil {
		snap.StopFlagSet = fileExists(cfg.StopFlagPath())
	}
	return snap, nil
}
