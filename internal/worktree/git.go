package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/metyatech/agent-runner/internal/logging"
)

// GitRunner executes git commands. The manager depends on this interface
// so tests can script git behavior without repositories.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs the real git binary.
type ExecGit struct {
	Logger logging.Logger
}

// Run executes `git args...` in dir and returns combined trimmed output.
func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if g.Logger != nil {
		g.Logger.Debug("git %s (dir=%s): err=%v", strings.Join(args, " "), dir, err)
	}
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// worktreeInfo is one entry of `git worktree list --porcelain`.
type worktreeInfo struct {
	Path     string
	Branch   string // short name, empty when detached
	Detached bool
}

// parseWorktreeList parses porcelain output: stanzas separated by blank
// lines, each starting with a `worktree <path>` line.
func parseWorktreeList(output string) []worktreeInfo {
	var (
		infos   []worktreeInfo
		current *worktreeInfo
	)
	flush := func() {
		if current != nil {
			infos = append(infos, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &worktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached" && current != nil:
			current.Detached = true
		}
	}
	flush()
	return infos
}
