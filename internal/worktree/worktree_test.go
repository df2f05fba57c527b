package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/issues"
)

// fakeGit records commands and returns scripted output per command prefix.
type fakeGit struct {
	calls   []string
	replies map[string]string
}

func (f *fakeGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, out := range f.replies {
		if strings.HasPrefix(call, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeGit) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestParseWorktreeList(t *testing.T) {
	out := `worktree /cache/repo.git
bare

worktree /work/run-a/owner--repo
HEAD 0123456789abcdef0123456789abcdef01234567
branch refs/heads/fix/x

worktree /work/run-b/owner--repo
HEAD fedcba9876543210fedcba9876543210fedcba98
detached
`
	infos := parseWorktreeList(out)
	require.Len(t, infos, 3)
	assert.Equal(t, "/cache/repo.git", infos[0].Path)
	assert.Empty(t, infos[0].Branch)
	assert.Equal(t, "/work/run-a/owner--repo", infos[1].Path)
	assert.Equal(t, "fix/x", infos[1].Branch)
	assert.True(t, infos[2].Detached)
	assert.Empty(t, infos[2].Branch)
}

func TestDecideEviction(t *testing.T) {
	existing := t.TempDir()

	tests := []struct {
		name      string
		path      string
		target    string
		owner     string
		alive     bool
		recorded  bool
		wantEvict bool
	}{
		{name: "target path itself", path: "/work/x", target: "/work/x", recorded: true, alive: true, wantEvict: true},
		{name: "gone from disk", path: filepath.Join(existing, "missing"), target: "/t", recorded: true, alive: true, wantEvict: true},
		{name: "no owning record", path: existing, target: "/t", recorded: false, wantEvict: true},
		{name: "dead owner", path: existing, target: "/t", recorded: true, owner: "issue-100", alive: false, wantEvict: true},
		{name: "live owner", path: existing, target: "/t", recorded: true, owner: "issue-100", alive: true, wantEvict: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Options{
				Ownership: OwnershipFunc(func(string) (string, bool, bool) {
					return tt.owner, tt.alive, tt.recorded
				}),
			})
			err := m.decideEviction(worktreeInfo{Path: tt.path, Branch: "fix/x"}, tt.target)
			if tt.wantEvict {
				assert.NoError(t, err)
				return
			}
			var busy *ErrBranchBusy
			require.ErrorAs(t, err, &busy)
			assert.Equal(t, "issue-100", busy.Owner)
			assert.Contains(t, err.Error(), existing)
		})
	}
}

func TestCreateForRemoteBranchEvictsDeadOwner(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	git := &fakeGit{replies: map[string]string{
		"worktree list": "worktree " + stale + "\nbranch refs/heads/fix/x\n",
	}}
	m := NewManager(Options{
		CacheRoot: filepath.Join(root, "git-cache"),
		WorkRoot:  filepath.Join(root, "work"),
		Git:       git,
		Ownership: OwnershipFunc(func(string) (string, bool, bool) {
			return "issue-100", false, true
		}),
	})

	repo := issues.NewRepoRef("Owner", "Repo")
	path, err := m.CreateForRemoteBranch(context.Background(), "run-1", repo, "fix/x")
	require.NoError(t, err)
	assert.Equal(t, m.WorktreePath("run-1", repo), path)

	assert.True(t, git.called("fetch origin +refs/heads/fix/x:refs/remotes/origin/fix/x"))
	assert.True(t, git.called("worktree remove --force "+stale))
	assert.True(t, git.called("branch -f fix/x origin/fix/x"))
	assert.True(t, git.called("worktree add "+path))
}

func TestCreateForRemoteBranchFailsOnLiveOwner(t *testing.T) {
	root := t.TempDir()
	busyPath := filepath.Join(root, "busy")
	require.NoError(t, os.MkdirAll(busyPath, 0o755))

	git := &fakeGit{replies: map[string]string{
		"worktree list": "worktree " + busyPath + "\nbranch refs/heads/fix/x\n",
	}}
	m := NewManager(Options{
		CacheRoot: filepath.Join(root, "git-cache"),
		WorkRoot:  filepath.Join(root, "work"),
		Git:       git,
		Ownership: OwnershipFunc(func(string) (string, bool, bool) {
			return "issue-42", true, true
		}),
	})

	_, err := m.CreateForRemoteBranch(context.Background(), "run-1", issues.NewRepoRef("o", "r"), "fix/x")
	var busy *ErrBranchBusy
	require.ErrorAs(t, err, &busy)
	assert.False(t, git.called("branch -f"))
	assert.False(t, git.called("worktree add "))
}

func TestCreateFromDefaultBranch(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{replies: map[string]string{
		"symbolic-ref": "origin/main",
	}}
	m := NewManager(Options{
		CacheRoot: filepath.Join(root, "git-cache"),
		WorkRoot:  filepath.Join(root, "work"),
		Git:       git,
	})

	repo := issues.NewRepoRef("metyatech", "demo")
	path, branch, err := m.CreateFromDefaultBranch(context.Background(), "run-7", repo, "codex")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(branch, "agent-runner/codex-"))
	assert.Equal(t, m.WorktreePath("run-7", repo), path)
	assert.True(t, git.called("fetch --prune --tags origin"))
	assert.True(t, git.called("worktree add -b "+branch+" "+path+" origin/main"))
}

func TestDefaultBranchFromLsRemote(t *testing.T) {
	git := &fakeGit{replies: map[string]string{
		"symbolic-ref": "",
		"ls-remote":    "ref: refs/heads/develop\tHEAD\nabc123\tHEAD",
	}}
	m := NewManager(Options{Git: git})
	branch, err := m.defaultBranch(context.Background(), "/cache")
	require.NoError(t, err)
	assert.Equal(t, "develop", branch)
}

func TestPrePushHookBlocksProtectedBranches(t *testing.T) {
	assert.True(t, protectedRef("refs/heads/main"))
	assert.True(t, protectedRef("refs/heads/master"))
	assert.False(t, protectedRef("refs/heads/agent-runner/codex-1"))
	assert.False(t, protectedRef("refs/heads/fix/x"))

	// The script enforces the same set.
	assert.Contains(t, prePushHook, "refs/heads/main|refs/heads/master")
	assert.Contains(t, prePushHook, "exit 1")
	assert.True(t, strings.HasPrefix(prePushHook, "#!/bin/sh"))
}

func TestPruneWork(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "work")
	for _, id := range []string{"run-live", "run-done"} {
		require.NoError(t, os.MkdirAll(filepath.Join(work, id, "o--r"), 0o755))
	}

	m := NewManager(Options{WorkRoot: work})
	err := m.PruneWork(context.Background(), func(runID string) bool { return runID == "run-live" })
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(work, "run-live"))
	assert.NoDirExists(t, filepath.Join(work, "run-done"))
}
