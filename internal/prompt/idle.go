package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// OpenPR is the slice of PR state embedded in the duplicate-work guard.
type OpenPR struct {
	Title string
	URL   string
}

// guardTokenBudget bounds the open-PR list so a repo with hundreds of PRs
// cannot crowd out the task itself.
const guardTokenBudget = 1500

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenCount(text string) int {
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoding == nil {
		// Offline fallback when the encoding dictionary is unavailable.
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// IdleTask renders an idle maintenance prompt with the duplicate-work
// guard: the count and a truncated list of open PRs, fenced as untrusted
// data, so the engine does not redo work that is already in review.
//
// openCount < 0 means the count query failed; the guard says so instead of
// fabricating a number. A nil list with openCount >= 0 means the list
// fetch failed, which is non-fatal.
func IdleTask(repo, task string, openCount int, openPRs []OpenPR) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are doing autonomous maintenance on the repository %s.\n\n", repo)
	b.WriteString("Task:\n")
	b.WriteString(wrapUntrusted(task))
	b.WriteString("\n")

	b.WriteString(duplicateWorkGuard(openCount, openPRs))

	b.WriteString("\nIf nothing useful can be done, say so and stop. ")
	b.WriteString("Do not open a pull request that duplicates one of the open pull requests listed above.\n\n")
	b.WriteString(summaryInstruction)
	return b.String()
}

func duplicateWorkGuard(openCount int, openPRs []OpenPR) string {
	var b strings.Builder
	if openCount < 0 {
		b.WriteString("The number of open pull requests is unknown (the query failed); assume some exist.\n")
	} else {
		fmt.Fprintf(&b, "The repository currently has %d open pull request(s).\n", openCount)
	}
	if len(openPRs) == 0 {
		return b.String()
	}

	var list strings.Builder
	budgetUsed := 0
	shown := 0
	for _, pr := range openPRs {
		line := fmt.Sprintf("- %s (%s)\n", pr.Title, pr.URL)
		cost := tokenCount(line)
		if budgetUsed+cost > guardTokenBudget {
			break
		}
		list.WriteString(line)
		budgetUsed += cost
		shown++
	}
	if shown == 0 {
		return b.String()
	}

	b.WriteString("Open pull requests (titles and URLs):\n")
	b.WriteString(wrapUntrusted(list.String()))
	if shown < len(openPRs) {
		fmt.Fprintf(&b, "(%d more open pull requests not listed)\n", len(openPRs)-shown)
	}
	return b.String()
}
