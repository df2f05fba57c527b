// Package worktree gives each run an isolated checkout. A bare mirror per
// repo lives under git-cache/<owner>/<name>.git; per-run worktrees are cut
// from it under work/<runId>/<owner>--<name>. All operations on one cache
// serialize through the per-repo file lock.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/locks"
	"github.com/metyatech/agent-runner/internal/logging"
)

// Ownership resolves which run, if any, owns a worktree path. Backed by the
// state store's running records in production.
type Ownership interface {
	// OwnerOf returns the descriptive owner of the worktree at path and
	// whether that owner's process is still alive. ok is false when no
	// record claims the path.
	OwnerOf(path string) (owner string, alive bool, ok bool)
}

// OwnershipFunc adapts a function to the Ownership interface.
type OwnershipFunc func(path string) (string, bool, bool)

// OwnerOf implements Ownership.
func (f OwnershipFunc) OwnerOf(path string) (string, bool, bool) { return f(path) }

// ErrBranchBusy reports a branch checked out by a worktree whose owner is
// still running.
type ErrBranchBusy struct {
	Branch string
	Path   string
	Owner  string
}

func (e *ErrBranchBusy) Error() string {
	return fmt.Sprintf("branch %s is checked out at %s by active run %s", e.Branch, e.Path, e.Owner)
}

// Manager performs all git-cache and worktree operations.
type Manager struct {
	cacheRoot   string // git-cache/
	workRoot    string // work/
	cloneRoot   string // workdirRoot, canonical local clones
	lockTimeout time.Duration
	git         GitRunner
	ownership   Ownership
	logger      logging.Logger
}

// Options configures a Manager.
type Options struct {
	CacheRoot   string
	WorkRoot    string
	CloneRoot   string
	LockTimeout time.Duration
	Git         GitRunner
	Ownership   Ownership
	Logger      logging.Logger
}

// NewManager builds a Manager. Git defaults to the real binary.
func NewManager(opts Options) *Manager {
	git := opts.Git
	if git == nil {
		git = &ExecGit{Logger: opts.Logger}
	}
	return &Manager{
		cacheRoot:   opts.CacheRoot,
		workRoot:    opts.WorkRoot,
		cloneRoot:   opts.CloneRoot,
		lockTimeout: opts.LockTimeout,
		git:         git,
		ownership:   opts.Ownership,
		logger:      logging.OrNop(opts.Logger),
	}
}

// CachePath is the bare mirror location for repo.
func (m *Manager) CachePath(repo issues.RepoRef) string {
	return filepath.Join(m.cacheRoot, strings.ToLower(repo.Owner), strings.ToLower(repo.Name)+".git")
}

// WorktreePath is the checkout location for one run of repo.
func (m *Manager) WorktreePath(runID string, repo issues.RepoRef) string {
	dir := strings.ToLower(repo.Owner) + "--" + strings.ToLower(repo.Name)
	return filepath.Join(m.workRoot, runID, dir)
}

func (m *Manager) lock(ctx context.Context, repo issues.RepoRef) (*locks.Lock, error) {
	return locks.AcquireRepoCache(ctx, m.cacheRoot, repo.Owner, repo.Name, m.lockTimeout)
}

// EnsureCache makes the bare mirror exist, cloning the repo first if the
// canonical local clone is absent.
func (m *Manager) EnsureCache(ctx context.Context, repo issues.RepoRef) error {
	lk, err := m.lock(ctx, repo)
	if err != nil {
		return err
	}
	defer lk.Release()

	cache := m.CachePath(repo)
	if dirExists(cache) {
		return nil
	}

	clone := filepath.Join(m.cloneRoot, repo.Name)
	if !dirExists(clone) {
		m.logger.Info("cloning %s into %s", repo.String(), clone)
		if _, err := m.git.Run(ctx, m.cloneRoot, "clone", "--recursive", repo.CloneURL(), clone); err != nil {
			return fmt.Errorf("clone %s: %w", repo.String(), err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cache), 0o755); err != nil {
		return err
	}
	m.logger.Info("creating bare cache for %s", repo.String())
	if _, err := m.git.Run(ctx, "", "clone", "--bare", clone, cache); err != nil {
		return fmt.Errorf("bare clone %s: %w", repo.String(), err)
	}
	// The bare clone's origin points at the local path; repoint it so
	// fetches pick up remote work.
	if _, err := m.git.Run(ctx, cache, "remote", "set-url", "origin", repo.CloneURL()); err != nil {
		return fmt.Errorf("set origin for %s: %w", repo.String(), err)
	}
	return nil
}

// RefreshCache updates the bare mirror and drops stale worktree registrations.
func (m *Manager) RefreshCache(ctx context.Context, repo issues.RepoRef) error {
	lk, err := m.lock(ctx, repo)
	if err != nil {
		return err
	}
	defer lk.Release()
	return m.refreshLocked(ctx, repo)
}

func (m *Manager) refreshLocked(ctx context.Context, repo issues.RepoRef) error {
	cache := m.CachePath(repo)
	if _, err := m.git.Run(ctx, cache, "fetch", "--prune", "--tags", "origin"); err != nil {
		return fmt.Errorf("refresh %s: %w", repo.String(), err)
	}
	if _, err := m.git.Run(ctx, cache, "worktree", "prune"); err != nil {
		m.logger.Warn("worktree prune %s: %v", repo.String(), err)
	}
	return nil
}

// CreateFromDefaultBranch cuts a fresh worktree on a new branch
// agent-runner/<kind>-<timestamp> rooted at the repo's default branch.
// Returns the worktree path and the new branch name.
func (m *Manager) CreateFromDefaultBranch(ctx context.Context, runID string, repo issues.RepoRef, kind string) (string, string, error) {
	lk, err := m.lock(ctx, repo)
	if err != nil {
		return "", "", err
	}
	defer lk.Release()

	if err := m.refreshLocked(ctx, repo); err != nil {
		return "", "", err
	}

	cache := m.CachePath(repo)
	def, err := m.defaultBranch(ctx, cache)
	if err != nil {
		return "", "", err
	}

	branch := fmt.Sprintf("agent-runner/%s-%d", kind, time.Now().Unix())
	path := m.WorktreePath(runID, repo)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", err
	}
	if _, err := m.git.Run(ctx, cache, "worktree", "add", "-b", branch, path, "origin/"+def); err != nil {
		return "", "", fmt.Errorf("worktree add %s: %w", branch, err)
	}
	if err := m.finishCheckout(ctx, path); err != nil {
		return "", "", err
	}
	return path, branch, nil
}

// CreateForRemoteBranch cuts a worktree tracking a remote branch, evicting
// conflicting worktrees whose owners are gone. Used for managed PRs.
func (m *Manager) CreateForRemoteBranch(ctx context.Context, runID string, repo issues.RepoRef, branch string) (string, error) {
	lk, err := m.lock(ctx, repo)
	if err != nil {
		return "", err
	}
	defer lk.Release()

	cache := m.CachePath(repo)
	if _, err := m.git.Run(ctx, cache, "fetch", "origin",
		fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)); err != nil {
		return "", fmt.Errorf("fetch %s: %w", branch, err)
	}

	path := m.WorktreePath(runID, repo)
	if err := m.evictConflicts(ctx, cache, branch, path); err != nil {
		return "", err
	}

	if _, err := m.git.Run(ctx, cache, "branch", "-f", branch, "origin/"+branch); err != nil {
		return "", fmt.Errorf("update branch %s: %w", branch, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if _, err := m.git.Run(ctx, cache, "worktree", "add", path, branch); err != nil {
		return "", fmt.Errorf("worktree add %s: %w", branch, err)
	}
	if err := m.finishCheckout(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// evictConflicts removes worktrees that hold branch and are safe to take
// over: the target path itself, paths gone from disk, or paths whose owning
// run is dead or unrecorded. A live owner fails the dispatch.
func (m *Manager) evictConflicts(ctx context.Context, cache, branch, target string) error {
	out, err := m.git.Run(ctx, cache, "worktree", "list", "--porcelain")
	if err != nil {
		return err
	}
	for _, wt := range parseWorktreeList(out) {
		if wt.Branch != branch {
			continue
		}
		if err := m.decideEviction(wt, target); err != nil {
			return err
		}
		m.logger.Info("evicting stale worktree %s (branch %s)", wt.Path, branch)
		if _, err := m.git.Run(ctx, cache, "worktree", "remove", "--force", wt.Path); err != nil {
			m.logger.Warn("worktree remove %s: %v", wt.Path, err)
		}
		_ = os.RemoveAll(wt.Path)
	}
	if _, err := m.git.Run(ctx, cache, "worktree", "prune"); err != nil {
		m.logger.Warn("worktree prune: %v", err)
	}
	return nil
}

// decideEviction returns nil when wt may be removed, or ErrBranchBusy when
// a live owner holds it.
func (m *Manager) decideEviction(wt worktreeInfo, target string) error {
	if wt.Path == target {
		return nil
	}
	if !dirExists(wt.Path) {
		return nil
	}
	if m.ownership == nil {
		return nil
	}
	owner, alive, ok := m.ownership.OwnerOf(wt.Path)
	if !ok || !alive {
		return nil
	}
	return &ErrBranchBusy{Branch: wt.Branch, Path: wt.Path, Owner: owner}
}

// Remove tears down one run's worktree.
func (m *Manager) Remove(ctx context.Context, repo issues.RepoRef, path string) error {
	lk, err := m.lock(ctx, repo)
	if err != nil {
		return err
	}
	defer lk.Release()

	cache := m.CachePath(repo)
	if _, err := m.git.Run(ctx, cache, "worktree", "remove", "--force", path); err != nil {
		m.logger.Warn("worktree remove %s: %v", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	// Also drop the now-empty work/<runId> parent.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// PruneWork removes per-run directories under work/ whose run id is not
// live anymore. Run after each cycle so completed runs leave nothing behind.
func (m *Manager) PruneWork(ctx context.Context, isLive func(runID string) bool) error {
	entries, err := os.ReadDir(m.workRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || isLive(e.Name()) {
			continue
		}
		runDir := filepath.Join(m.workRoot, e.Name())
		m.logger.Info("pruning stale run dir %s", runDir)
		if err := os.RemoveAll(runDir); err != nil {
			m.logger.Warn("prune %s: %v", runDir, err)
		}
	}
	return nil
}

// finishCheckout initializes submodules and installs the pre-push hook.
func (m *Manager) finishCheckout(ctx context.Context, path string) error {
	if fileExists(filepath.Join(path, ".gitmodules")) {
		if _, err := m.git.Run(ctx, path, "submodule", "update", "--init", "--recursive"); err != nil {
			m.logger.Warn("submodule init in %s: %v", path, err)
		}
	}
	return m.installPrePushHook(ctx, path)
}

// defaultBranch resolves the remote HEAD of the bare cache.
func (m *Manager) defaultBranch(ctx context.Context, cache string) (string, error) {
	out, err := m.git.Run(ctx, cache, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil && out != "" {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	// Bare clones often lack origin/HEAD; ask the remote.
	out, err = m.git.Run(ctx, cache, "ls-remote", "--symref", "origin", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		// "ref: refs/heads/main\tHEAD"
		if strings.HasPrefix(line, "ref:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return strings.TrimPrefix(fields[1], "refs/heads/"), nil
			}
		}
	}
	return "", errors.New("resolve default branch: no symref in ls-remote output")
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
