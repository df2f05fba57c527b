package cycle

import (
	"context"
	"fmt"

	"github.com/metyatech/agent-runner/internal/locks"
	"github.com/metyatech/agent-runner/internal/state"
	"github.com/metyatech/agent-runner/internal/worktree"
)

// StoreOwnership answers worktree conflict questions from RunningRecords:
// a conflicting checkout may be evicted unless a live recorded run owns it.
func StoreOwnership(store *state.Store) worktree.OwnershipFunc {
	return func(path string) (string, bool, bool) {
		rec, err := store.FindRunningByWorkPath(context.Background(), path)
		if err != nil || rec == nil {
			return "", false, false
		}
		owner := fmt.Sprintf("%s#%d (pid %d)", rec.Repo().String(), rec.IssueNumber, rec.PID)
		return owner, locks.PIDAlive(rec.PID), true
	}
}
