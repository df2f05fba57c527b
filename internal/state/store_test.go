package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/issues"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runner.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testRepo = issues.NewRepoRef("metyatech", "demo")

func TestRunningRecordSingleRowPerIssue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := RunningRecord{IssueID: 7, IssueNumber: 5, Owner: "metyatech", Name: "demo", StartedAt: time.Now(), PID: 100, LogPath: "a.log"}
	require.NoError(t, store.PutRunning(ctx, rec))

	rec.PID = 200
	rec.LogPath = "b.log"
	require.NoError(t, store.PutRunning(ctx, rec))

	all, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 200, all[0].PID)
	assert.Equal(t, "b.log", all[0].LogPath)

	require.NoError(t, store.DeleteRunning(ctx, 7))
	got, err := store.GetRunning(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTakeDueRetriesConsumesAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

	mk := func(id int64, after time.Time) ScheduledRetry {
		return ScheduledRetry{IssueID: id, IssueNumber: int(id), Owner: "metyatech", Name: "demo", RunAfter: after, SessionID: "s1"}
	}
	require.NoError(t, store.UpsertScheduledRetry(ctx, mk(1, t0)))
	require.NoError(t, store.UpsertScheduledRetry(ctx, mk(2, t0.Add(30*time.Second))))
	require.NoError(t, store.UpsertScheduledRetry(ctx, mk(3, t0.Add(2*time.Hour))))

	due, err := store.TakeDueRetries(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(1), due[0].IssueID)
	assert.Equal(t, int64(2), due[1].IssueID)
	assert.Equal(t, "s1", due[0].SessionID)

	// Second call at the same instant returns nothing.
	again, err := store.TakeDueRetries(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	remaining, err := store.ListScheduledRetries(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(3), remaining[0].IssueID)
}

func TestScheduledRetryUpsertReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertScheduledRetry(ctx, ScheduledRetry{IssueID: 9, RunAfter: base, SessionID: "old"}))
	require.NoError(t, store.UpsertScheduledRetry(ctx, ScheduledRetry{IssueID: 9, RunAfter: base.Add(time.Hour), SessionID: "new"}))

	got, err := store.GetScheduledRetry(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.SessionID)
	assert.Equal(t, base.Add(time.Hour), got.RunAfter.UTC())
	assert.Equal(t, RetryReasonQuota, got.Reason)
}

func TestIssueSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sid, err := store.GetIssueSession(ctx, 44)
	require.NoError(t, err)
	assert.Empty(t, sid)

	require.NoError(t, store.SetIssueSession(ctx, 44, "sess-abc"))
	sid, err = store.GetIssueSession(ctx, 44)
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", sid)

	require.NoError(t, store.ClearIssueSession(ctx, 44))
	sid, err = store.GetIssueSession(ctx, 44)
	require.NoError(t, err)
	assert.Empty(t, sid)
}

func TestCommandCommentDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.MarkCommandComment(ctx, 12345)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.MarkCommandComment(ctx, 12345)
	require.NoError(t, err)
	assert.False(t, fresh, "same comment id must never enqueue twice")
}

func TestWebhookQueueUniqueByIssue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := WebhookQueueEntry{IssueID: 1, IssueNumber: 10, Owner: "metyatech", Name: "demo", URL: "u", Title: "t", EnqueuedAt: now}
	require.NoError(t, store.EnqueueWebhook(ctx, entry))
	entry.Title = "changed"
	require.NoError(t, store.EnqueueWebhook(ctx, entry))

	got, err := store.TakeWebhookQueue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t", got[0].Title, "first enqueue wins")

	empty, err := store.TakeWebhookQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReviewFollowupCoalescesAndEngineIsSticky(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertReviewFollowup(ctx, ReviewFollowup{
		IssueID: 5, PRNumber: 12, Owner: "metyatech", Name: "demo", Reason: ReviewReasonReview, RequiresEngine: true,
	}))
	require.NoError(t, store.UpsertReviewFollowup(ctx, ReviewFollowup{
		IssueID: 5, PRNumber: 12, Owner: "metyatech", Name: "demo", Reason: ReviewReasonApproval, RequiresEngine: false,
	}))
	require.NoError(t, store.UpsertReviewFollowup(ctx, ReviewFollowup{
		IssueID: 6, PRNumber: 13, Owner: "metyatech", Name: "demo", Reason: ReviewReasonApproval, RequiresEngine: false,
	}))

	got, err := store.TakeReviewFollowups(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Merge-only entries drain first.
	assert.Equal(t, int64(6), got[0].IssueID)
	assert.False(t, got[0].RequiresEngine)
	assert.Equal(t, int64(5), got[1].IssueID)
	assert.True(t, got[1].RequiresEngine, "requires_engine must not downgrade")
	assert.Equal(t, ReviewReasonReview, got[1].Reason)
}

func TestManagedPRs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.IsManagedPR(ctx, testRepo, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.AddManagedPR(ctx, testRepo, 3))
	require.NoError(t, store.AddManagedPR(ctx, testRepo, 3)) // idempotent

	ok, err = store.IsManagedPR(ctx, issues.NewRepoRef("MetyaTech", "Demo"), 3)
	require.NoError(t, err)
	assert.True(t, ok, "managed PR lookup is case-insensitive")

	all, err := store.ListManagedPRs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIdleHistoryAndCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	row, err := store.IdleHistoryFor(ctx, testRepo)
	require.NoError(t, err)
	assert.True(t, row.LastIdleAt.IsZero())
	assert.Zero(t, row.TaskCursor)

	require.NoError(t, store.TouchIdle(ctx, testRepo, now, 2))
	row, err = store.IdleHistoryFor(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, now, row.LastIdleAt.UTC())
	assert.Equal(t, 2, row.TaskCursor)
}

func TestCursors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at, err := store.GetCursor(ctx, CursorWebhookCatchup)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	stamp := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetCursor(ctx, CursorWebhookCatchup, stamp))
	at, err = store.GetCursor(ctx, CursorWebhookCatchup)
	require.NoError(t, err)
	assert.Equal(t, stamp, at.UTC())
}

func TestAmazonQUsageCountsPerDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	n, err := store.IncrementAmazonQUsage(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.IncrementAmazonQUsage(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.AmazonQUsageFor(ctx, day2)
	require.NoError(t, err)
	assert.Zero(t, n, "counter resets at the UTC day boundary")
}

func TestGeminiWarmupRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at, err := store.LastGeminiWarmup(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	stamp := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordGeminiWarmup(ctx, "gemini-2.5-pro", stamp))
	at, err = store.LastGeminiWarmup(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, stamp, at.UTC())
}

func TestRepoCacheRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	refs := []issues.RepoRef{
		issues.NewRepoRef("metyatech", "beta"),
		issues.NewRepoRef("metyatech", "alpha"),
	}
	require.NoError(t, store.SaveRepos(ctx, refs))

	got, err := store.ListRepos(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name)

	// Replacement drops repos no longer present.
	require.NoError(t, store.SaveRepos(ctx, refs[:1]))
	got, err = store.ListRepos(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "beta", got[0].Name)
}
