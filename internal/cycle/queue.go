package cycle

import (
	"sort"
	"time"

	"github.com/metyatech/agent-runner/internal/issues"
)

// workItem is one dispatchable unit: an issue run, a resumed session, or an
// engine-backed review follow-up.
type workItem struct {
	issue issues.Issue
	// sessionID, when set, makes the run resume a prior engine session.
	sessionID string
	// prompt overrides the default issue prompt (resume and review flows).
	prompt string
	// prBranch, when set, checks out a PR head instead of cutting a branch
	// from the default branch.
	prBranch   string
	enqueuedAt time.Time
}

// workQueue collects candidate items in enqueue order, one per issue id.
// The first enqueue wins; later duplicates from other discovery steps are
// dropped, preserving FIFO fairness.
type workQueue struct {
	items []workItem
	seen  map[int64]bool
}

func newWorkQueue() *workQueue {
	return &workQueue{seen: map[int64]bool{}}
}

func (q *workQueue) add(item workItem) bool {
	if q.seen[item.issue.ID] {
		return false
	}
	q.seen[item.issue.ID] = true
	q.items = append(q.items, item)
	return true
}

func (q *workQueue) has(issueID int64) bool { return q.seen[issueID] }

// take returns up to n items, FIFO by enqueue time.
func (q *workQueue) take(n int) []workItem {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].enqueuedAt.Before(q.items[j].enqueuedAt)
	})
	if n > len(q.items) {
		n = len(q.items)
	}
	if n < 0 {
		n = 0
	}
	return q.items[:n]
}
