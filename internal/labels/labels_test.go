package labels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/issues"
)

type fakeLabelWriter struct {
	existing map[string]bool
	ensured  []string
}

func (f *fakeLabelWriter) AddLabels(context.Context, issues.RepoRef, int, ...string) error {
	return nil
}
func (f *fakeLabelWriter) RemoveLabel(context.Context, issues.RepoRef, int, string) error {
	return nil
}
func (f *fakeLabelWriter) CreateComment(context.Context, issues.RepoRef, int, string) error {
	return nil
}
func (f *fakeLabelWriter) MergePullRequest(context.Context, issues.RepoRef, int) error {
	return nil
}
func (f *fakeLabelWriter) EnsureLabel(_ context.Context, _ issues.RepoRef, name, _, _ string) (bool, error) {
	f.ensured = append(f.ensured, name)
	if f.existing[name] {
		return false, nil
	}
	f.existing[name] = true
	return true, nil
}

func TestSyncCreatesOnlyMissing(t *testing.T) {
	names := config.DefaultLabelNames()
	writer := &fakeLabelWriter{existing: map[string]bool{names.Queued: true, names.Done: true}}
	syncer := NewSyncer(writer, nil)

	repo := issues.NewRepoRef("metyatech", "demo")
	results, err := syncer.Sync(context.Background(), []issues.RepoRef{repo}, Definitions(names))
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.ElementsMatch(t, []string{names.Running, names.Failed, names.NeedsUserReply}, results[0].Created)
	assert.Len(t, writer.ensured, 5)
}

func TestDryRunDiffShowsMissing(t *testing.T) {
	names := config.DefaultLabelNames()
	defs := Definitions(names)

	diff := DryRunDiff([]string{names.Queued, names.Running, names.Done, names.Failed, names.NeedsUserReply}, defs)
	assert.Empty(t, diff, "complete label set needs no changes")

	diff = DryRunDiff([]string{names.Queued}, defs)
	assert.Contains(t, diff, "+ "+names.Running)
	assert.Contains(t, diff, "+ "+names.NeedsUserReply)
	assert.Contains(t, diff, "  "+names.Queued, "present labels render as context lines")
	assert.NotContains(t, diff, "- "+names.Queued)
}
