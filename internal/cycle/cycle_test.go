package cycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/gate"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/idle"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/review"
	"github.com/metyatech/agent-runner/internal/runtime"
	"github.com/metyatech/agent-runner/internal/state"
	"github.com/metyatech/agent-runner/internal/usage"
	"github.com/metyatech/agent-runner/internal/worktree"
)

// --- fakes -----------------------------------------------------------------

type fakeReader struct {
	mu            sync.Mutex
	issuesByKey   map[string]issues.Issue   // "owner/name#number"
	repoComments  map[string][]githubapi.Comment
	commentIssues map[int64]int
	issueComments map[string][]githubapi.Comment
	labeled       map[string][]issues.Issue // key: "owner/name:label"
	openPRs       map[string][]githubapi.PullRequest
	prs           map[string]githubapi.PullRequest
	unresolved    map[string]int
	reviewState   map[string]string
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		issuesByKey:   map[string]issues.Issue{},
		repoComments:  map[string][]githubapi.Comment{},
		commentIssues: map[int64]int{},
		issueComments: map[string][]githubapi.Comment{},
		labeled:       map[string][]issues.Issue{},
		openPRs:       map[string][]githubapi.PullRequest{},
		prs:           map[string]githubapi.PullRequest{},
		unresolved:    map[string]int{},
		reviewState:   map[string]string{},
	}
}

func issueKey(repo issues.RepoRef, number int) string {
	return fmt.Sprintf("%s#%d", repo.Key(), number)
}

func (f *fakeReader) ListOwnerRepos(context.Context, string) ([]issues.RepoRef, error) {
	return nil, nil
}

func (f *fakeReader) ListRepoLabels(context.Context, issues.RepoRef) ([]string, error) {
	return nil, nil
}

func (f *fakeReader) GetIssue(_ context.Context, repo issues.RepoRef, number int) (issues.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	iss, ok := f.issuesByKey[issueKey(repo, number)]
	if !ok {
		return issues.Issue{}, fmt.Errorf("issue %s#%d not found", repo.String(), number)
	}
	return iss, nil
}

func (f *fakeReader) ListIssuesByLabel(_ context.Context, repo issues.RepoRef, label string) ([]issues.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labeled[repo.Key()+":"+label], nil
}

func (f *fakeReader) ListIssueComments(_ context.Context, repo issues.RepoRef, number int) ([]githubapi.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueComments[issueKey(repo, number)], nil
}

func (f *fakeReader) ListRepoCommentsSince(_ context.Context, repo issues.RepoRef, _ time.Time) ([]githubapi.Comment, map[int64]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repoComments[repo.Key()], f.commentIssues, nil
}

func (f *fakeReader) ListOpenPullRequests(_ context.Context, repo issues.RepoRef) ([]githubapi.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openPRs[repo.Key()], nil
}

func (f *fakeReader) GetPullRequest(_ context.Context, repo issues.RepoRef, number int) (githubapi.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[issueKey(repo, number)]
	if !ok {
		return githubapi.PullRequest{}, fmt.Errorf("pr %d not found", number)
	}
	return pr, nil
}

func (f *fakeReader) UnresolvedReviewThreads(_ context.Context, repo issues.RepoRef, number int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unresolved[issueKey(repo, number)], nil
}

func (f *fakeReader) LatestReviewState(_ context.Context, repo issues.RepoRef, number int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reviewState[issueKey(repo, number)], nil
}

type fakeWriter struct {
	mu       sync.Mutex
	added    []string // "repo#number:label"
	removed  []string
	comments map[string][]string
	merged   []string
}

func newFakeWriter() *fakeWriter { return &fakeWriter{comments: map[string][]string{}} }

func (f *fakeWriter) AddLabels(_ context.Context, repo issues.RepoRef, number int, labels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range labels {
		f.added = append(f.added, fmt.Sprintf("%s:%s", issueKey(repo, number), l))
	}
	return nil
}

func (f *fakeWriter) RemoveLabel(_ context.Context, repo issues.RepoRef, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fmt.Sprintf("%s:%s", issueKey(repo, number), label))
	return nil
}

func (f *fakeWriter) CreateComment(_ context.Context, repo issues.RepoRef, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := issueKey(repo, number)
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func (f *fakeWriter) MergePullRequest(_ context.Context, repo issues.RepoRef, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, issueKey(repo, number))
	return nil
}

func (f *fakeWriter) EnsureLabel(context.Context, issues.RepoRef, string, string, string) (bool, error) {
	return false, nil
}

func (f *fakeWriter) addedLabel(repo issues.RepoRef, number int, label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := fmt.Sprintf("%s:%s", issueKey(repo, number), label)
	for _, a := range f.added {
		if a == want {
			return true
		}
	}
	return false
}

func (f *fakeWriter) commentsFor(repo issues.RepoRef, number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[issueKey(repo, number)]
}

type fakeExec struct {
	res *runtime.Result
}

func (f *fakeExec) PID() int              { return 4242 }
func (f *fakeExec) LogPath() string       { return "/tmp/fake.log" }
func (f *fakeExec) Wait() *runtime.Result { return f.res }

// fakeRuntime returns scripted results in start order and records specs.
type fakeRuntime struct {
	mu      sync.Mutex
	results []*runtime.Result
	specs   []runtime.Spec
}

func (f *fakeRuntime) Start(_ context.Context, spec runtime.Spec) (Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if len(f.results) == 0 {
		return &fakeExec{res: &runtime.Result{Kind: runtime.KindSuccess}}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return &fakeExec{res: res}, nil
}

func (f *fakeRuntime) startedSpecs() []runtime.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Spec(nil), f.specs...)
}

// scriptedGit satisfies worktree.GitRunner without real repositories.
type scriptedGit struct{}

func (scriptedGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	if len(args) > 0 && args[0] == "symbolic-ref" {
		return "origin/main", nil
	}
	return "", nil
}

// --- harness ---------------------------------------------------------------

type harness struct {
	driver *Driver
	cfg    *config.Config
	store  *state.Store
	reader *fakeReader
	writer *fakeWriter
	rt     *fakeRuntime
	repo   issues.RepoRef
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	defaults := config.DefaultConfig()
	cfg := &defaults
	cfg.WorkdirRoot = t.TempDir()
	cfg.GitHub.Owner = "metyatech"
	cfg.GitHub.Repos = []string{"demo"}
	cfg.Scheduler.Concurrency = 2
	cfg.Idle.Enabled = false

	store, err := state.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reader := newFakeReader()
	writer := newFakeWriter()
	rt := &fakeRuntime{}
	now := time.Date(2026, 2, 11, 10, 0, 30, 0, time.UTC)

	fetchers := map[string]usage.Fetcher{
		string(engine.Codex): usage.FetcherFunc(func(context.Context) (usage.Status, error) {
			return usage.Status{Long: &usage.Window{
				Kind:        usage.WindowLong,
				PercentLeft: 80,
				ResetAt:     now.Add(30 * time.Minute),
				Duration:    7 * 24 * time.Hour,
			}}, nil
		}),
	}
	gates := map[string]config.GateConfig{
		string(engine.Codex): {StartMinutes: 60, StartPercent: 20, EndPercent: 0, ShortFloorPercent: 5},
	}

	wt := worktree.NewManager(worktree.Options{
		CacheRoot: cfg.GitCacheDir(),
		WorkRoot:  cfg.WorkDir(),
		CloneRoot: cfg.WorkdirRoot,
		Git:       scriptedGit{},
		Ownership: StoreOwnership(store),
	})

	d := NewDriver(Deps{
		Config:    cfg,
		Store:     store,
		Reader:    reader,
		Writer:    writer,
		Lifecycle: issues.NewLifecycle(cfg.GitHub.Labels, writer, nil),
		Engines:   engine.NewRegistry(cfg.Engines),
		Usage:     usage.NewEvaluator(fetchers, gates, nil),
		Gate:      gate.New(cfg.Scheduler.Concurrency, map[string]int{"codex": 2}),
		Worktrees: wt,
		Runner:    rt,
		Idle:      idle.NewPlanner(cfg.Idle, store, nil),
		Review:    review.NewClassifier(cfg.Review, cfg.GitHub.ReviewBots),
	})
	d.now = func() time.Time { return now }

	return &harness{
		driver: d, cfg: cfg, store: store, reader: reader, writer: writer,
		rt: rt, repo: issues.NewRepoRef("metyatech", "demo"), now: now,
	}
}

func (h *harness) addIssue(number int, title string, labels ...string) issues.Issue {
	iss := issues.Issue{
		ID:     int64(1000 + number),
		Number: number,
		Title:  title,
		Repo:   h.repo,
		Labels: labels,
		URL:    fmt.Sprintf("https://github.com/metyatech/demo/issues/%d", number),
	}
	h.reader.issuesByKey[issueKey(h.repo, number)] = iss
	return iss
}

func (h *harness) addCommand(commentID int64, number int, author string, at time.Time) {
	h.reader.repoComments[h.repo.Key()] = append(h.reader.repoComments[h.repo.Key()], githubapi.Comment{
		ID:                commentID,
		Author:            author,
		AuthorAssociation: "OWNER",
		Body:              "/agent run",
		CreatedAt:         at,
	})
	h.reader.commentIssues[commentID] = number
}

// --- tests -----------------------------------------------------------------

func TestNewRequestRunsToDone(t *testing.T) {
	h := newHarness(t)
	iss := h.addIssue(5, "Fix the flaky cache test")
	h.addCommand(9001, 5, "alice", h.now.Add(-30*time.Second))
	h.rt.results = []*runtime.Result{{Kind: runtime.KindSuccess, Summary: "Fixed the race in the cache"}}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	names := h.cfg.GitHub.Labels
	assert.True(t, h.writer.addedLabel(h.repo, 5, names.Queued))
	assert.True(t, h.writer.addedLabel(h.repo, 5, names.Running))
	assert.True(t, h.writer.addedLabel(h.repo, 5, names.Done))

	comments := h.writer.commentsFor(h.repo, 5)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1], "Fixed the race in the cache")

	retries, err := h.store.ListScheduledRetries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, retries)

	// The running record is cleared after the run.
	rec, err := h.store.GetRunning(context.Background(), iss.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCommandCommentDedup(t *testing.T) {
	h := newHarness(t)
	h.addIssue(5, "Fix it")
	h.addCommand(9001, 5, "alice", h.now.Add(-30*time.Second))

	require.NoError(t, h.driver.RunCycle(context.Background()))
	first := len(h.rt.startedSpecs())
	require.Equal(t, 1, first)

	// Same comment visible again next cycle: must not dispatch twice.
	require.NoError(t, h.driver.RunCycle(context.Background()))
	assert.Equal(t, first, len(h.rt.startedSpecs()))
}

func TestQuotaFailureSchedulesRetryAndResumes(t *testing.T) {
	h := newHarness(t)
	iss := h.addIssue(7, "Add pagination")
	h.addCommand(9002, 7, "alice", h.now.Add(-time.Minute))
	resumeAt := h.now.Add(time.Hour)
	h.rt.results = []*runtime.Result{{Kind: runtime.KindQuota, ResumeAt: resumeAt, SessionID: "s1"}}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	retry, err := h.store.GetScheduledRetry(context.Background(), iss.ID)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, "s1", retry.SessionID)
	assert.True(t, retry.RunAfter.Equal(resumeAt.UTC()))
	assert.True(t, h.writer.addedLabel(h.repo, 7, h.cfg.GitHub.Labels.Failed))

	// Advance past runAfter: the retry is consumed and resumed with s1.
	h.driver.now = func() time.Time { return resumeAt.Add(5 * time.Second) }
	h.rt.results = []*runtime.Result{{Kind: runtime.KindSuccess}}
	require.NoError(t, h.driver.RunCycle(context.Background()))

	specs := h.rt.startedSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "s1", specs[1].ResumeSessionID)

	retry, err = h.store.GetScheduledRetry(context.Background(), iss.ID)
	require.NoError(t, err)
	assert.Nil(t, retry)
}

func TestCrashRecoveryNamesDeadPID(t *testing.T) {
	h := newHarness(t)
	iss := h.addIssue(9, "Stalled work", h.cfg.GitHub.Labels.Running)
	deadPID := 1 << 26 // beyond any real pid space
	require.NoError(t, h.store.PutRunning(context.Background(), state.RunningRecord{
		IssueID:     iss.ID,
		IssueNumber: iss.Number,
		Owner:       h.repo.Owner,
		Name:        h.repo.Name,
		StartedAt:   h.now.Add(-time.Hour),
		PID:         deadPID,
	}))

	require.NoError(t, h.driver.RunCycle(context.Background()))

	names := h.cfg.GitHub.Labels
	assert.True(t, h.writer.addedLabel(h.repo, 9, names.Failed))
	assert.True(t, h.writer.addedLabel(h.repo, 9, names.NeedsUserReply))

	comments := h.writer.commentsFor(h.repo, 9)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[0], fmt.Sprint(deadPID))

	rec, err := h.store.GetRunning(context.Background(), iss.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUserReplyResumesStoredSession(t *testing.T) {
	h := newHarness(t)
	iss := h.addIssue(11, "Needs input", h.cfg.GitHub.Labels.NeedsUserReply)
	h.reader.labeled[h.repo.Key()+":"+h.cfg.GitHub.Labels.NeedsUserReply] = []issues.Issue{iss}
	require.NoError(t, h.store.SetIssueSession(context.Background(), iss.ID, "sess-7"))
	require.NoError(t, h.store.SaveRepos(context.Background(), []issues.RepoRef{h.repo}))

	h.reader.issueComments[issueKey(h.repo, 11)] = []githubapi.Comment{
		{ID: 1, Author: "agent-bot", IsBot: true, Body: "question\n" + needsUserMarker, CreatedAt: h.now.Add(-time.Hour)},
		{ID: 2, Author: "alice", Body: "Use postgres", CreatedAt: h.now.Add(-time.Minute)},
	}
	h.rt.results = []*runtime.Result{{Kind: runtime.KindSuccess}}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	specs := h.rt.startedSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, "sess-7", specs[0].ResumeSessionID)
	assert.Contains(t, specs[0].Prompt, "Use postgres")
	assert.True(t, h.writer.addedLabel(h.repo, 11, h.cfg.GitHub.Labels.Queued))
}

func TestNeedsUserReplyStoresSessionAndMarker(t *testing.T) {
	h := newHarness(t)
	iss := h.addIssue(13, "Ambiguous request")
	h.addCommand(9003, 13, "alice", h.now.Add(-time.Minute))
	h.rt.results = []*runtime.Result{{
		Kind:      runtime.KindNeedsUserReply,
		SessionID: "sess-13",
		Summary:   "Which database should I target?",
	}}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	assert.True(t, h.writer.addedLabel(h.repo, 13, h.cfg.GitHub.Labels.NeedsUserReply))
	sess, err := h.store.GetIssueSession(context.Background(), iss.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-13", sess)

	comments := h.writer.commentsFor(h.repo, 13)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1], needsUserMarker)
	assert.Contains(t, comments[len(comments)-1], "Which database")
}

func TestApprovedFollowupMergesWithoutEngine(t *testing.T) {
	h := newHarness(t)
	pr := h.addIssue(21, "Agent PR")
	require.NoError(t, h.store.UpsertReviewFollowup(context.Background(), state.ReviewFollowup{
		IssueID:        pr.ID,
		PRNumber:       21,
		Owner:          h.repo.Owner,
		Name:           h.repo.Name,
		Reason:         state.ReviewReasonApproval,
		RequiresEngine: false,
	}))
	h.reader.prs[issueKey(h.repo, 21)] = githubapi.PullRequest{Number: 21, State: "open", HeadBranch: "agent-runner/codex-1"}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	assert.Contains(t, h.writer.merged, issueKey(h.repo, 21))
	assert.Empty(t, h.rt.startedSpecs())
}

func TestEngineFollowupRunsOnPRBranch(t *testing.T) {
	h := newHarness(t)
	pr := h.addIssue(22, "Agent PR with feedback")
	require.NoError(t, h.store.UpsertReviewFollowup(context.Background(), state.ReviewFollowup{
		IssueID:        pr.ID,
		PRNumber:       22,
		Owner:          h.repo.Owner,
		Name:           h.repo.Name,
		Reason:         state.ReviewReasonReview,
		RequiresEngine: true,
	}))
	h.reader.prs[issueKey(h.repo, 22)] = githubapi.PullRequest{
		Number: 22, State: "open", HeadBranch: "fix/cache",
		URL: "https://github.com/metyatech/demo/pull/22",
	}
	h.reader.unresolved[issueKey(h.repo, 22)] = 2
	h.rt.results = []*runtime.Result{{Kind: runtime.KindSuccess}}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	specs := h.rt.startedSpecs()
	require.Len(t, specs, 1)
	assert.Contains(t, specs[0].Prompt, "review feedback")
	assert.Empty(t, h.writer.merged)
}

func TestStopFlagEndsLoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, touchFile(t, h.cfg.StopFlagPath()))

	done := make(chan error, 1)
	go func() { done <- h.driver.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not observe the stop flag")
	}
}

func touchFile(t *testing.T, path string) error {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
}
