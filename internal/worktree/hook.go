package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// prePushHook rejects pushes to main and master. Engines run with full
// write access inside the worktree; this is the backstop that keeps them
// off protected branches.
const prePushHook = `#!/bin/sh
# Installed by agent-runner. Blocks pushes to protected branches.
while read local_ref local_sha remote_ref remote_sha; do
	case "$remote_ref" in
	refs/heads/main|refs/heads/master)
		echo "agent-runner: push to $remote_ref is blocked" >&2
		exit 1
		;;
	esac
done
exit 0
`

// installPrePushHook writes the hook into the worktree's private git dir.
func (m *Manager) installPrePushHook(ctx context.Context, worktreePath string) error {
	hooksDir, err := m.git.Run(ctx, worktreePath, "rev-parse", "--git-path", "hooks")
	if err != nil {
		return fmt.Errorf("resolve hooks dir: %w", err)
	}
	if !filepath.IsAbs(hooksDir) {
		hooksDir = filepath.Join(worktreePath, hooksDir)
	}
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return err
	}
	hookPath := filepath.Join(hooksDir, "pre-push")
	if err := os.WriteFile(hookPath, []byte(prePushHook), 0o755); err != nil {
		return fmt.Errorf("install pre-push hook: %w", err)
	}
	return nil
}

// protectedRef reports whether a remote ref is a blocked push target. The
// hook script above is the enforcement point; this mirrors its rule for
// tests and status output.
func protectedRef(remoteRef string) bool {
	switch strings.TrimSpace(remoteRef) {
	case "refs/heads/main", "refs/heads/master":
		return true
	}
	return false
}
