// Package labels manages the runner's state labels on GitHub repos.
package labels

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
)

// Definition is one label with its presentation.
type Definition struct {
	Name        string
	Color       string // hex without '#'
	Description string
}

// Definitions renders the configured label names into full definitions.
func Definitions(names config.LabelNames) []Definition {
	return []Definition{
		{Name: names.Queued, Color: "fbca04", Description: "Queued for an agent run"},
		{Name: names.Running, Color: "1d76db", Description: "An agent is working on this now"},
		{Name: names.Done, Color: "0e8a16", Description: "The agent finished this task"},
		{Name: names.Failed, Color: "d93f0b", Description: "The last agent run failed"},
		{Name: names.NeedsUserReply, Color: "5319e7", Description: "The agent is waiting for your reply"},
	}
}

// Syncer ensures every watched repo carries the label set.
type Syncer struct {
	writer githubapi.Writer
	logger logging.Logger
}

// NewSyncer builds a Syncer.
func NewSyncer(writer githubapi.Writer, logger logging.Logger) *Syncer {
	return &Syncer{writer: writer, logger: logging.OrNop(logger)}
}

// Result reports what one repo's sync did.
type Result struct {
	Repo    issues.RepoRef
	Created []string
}

// Sync creates any missing labels on each repo. Existing labels are left
// untouched so manual color or description edits survive.
func (s *Syncer) Sync(ctx context.Context, repos []issues.RepoRef, defs []Definition) ([]Result, error) {
	var results []Result
	for _, repo := range repos {
		res := Result{Repo: repo}
		for _, def := range defs {
			created, err := s.writer.EnsureLabel(ctx, repo, def.Name, def.Color, def.Description)
			if err != nil {
				return results, fmt.Errorf("ensure label %q on %s: %w", def.Name, repo.String(), err)
			}
			if created {
				res.Created = append(res.Created, def.Name)
				s.logger.Info("created label %q on %s", def.Name, repo.String())
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// Render formats definitions as one label per line, the shape both sides
// of the dry-run diff use.
func Render(defs []Definition) string {
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "%s\t#%s\t%s\n", d.Name, d.Color, d.Description)
	}
	return b.String()
}

// DryRunDiff returns a readable diff between the labels a repo has and the
// labels a sync would leave it with. current holds the existing label
// names; defs the desired set.
func DryRunDiff(current []string, defs []Definition) string {
	have := make(map[string]bool, len(current))
	for _, name := range current {
		have[name] = true
	}
	var existing, desired []Definition
	for _, d := range defs {
		desired = append(desired, d)
		if have[d.Name] {
			existing = append(existing, d)
		}
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(Render(existing), Render(desired))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)
	if len(diffs) == 1 && diffs[0].Type == diffmatchpatch.DiffEqual {
		return ""
	}

	var b strings.Builder
	for _, d := range diffs {
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			if line == "" {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				fmt.Fprintf(&b, "+ %s\n", line)
			case diffmatchpatch.DiffDelete:
				fmt.Fprintf(&b, "- %s\n", line)
			default:
				fmt.Fprintf(&b, "  %s\n", line)
			}
		}
	}
	return b.String()
}
