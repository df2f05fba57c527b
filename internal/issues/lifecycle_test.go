package issues

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
)

type fakeLabelWriter struct {
	labels    map[string]bool
	ops       []string
	removeErr error
}

func newFakeLabelWriter(initial ...string) *fakeLabelWriter {
	w := &fakeLabelWriter{labels: map[string]bool{}}
	for _, l := range initial {
		w.labels[l] = true
	}
	return w
}

func (w *fakeLabelWriter) AddLabels(_ context.Context, _ RepoRef, _ int, labels ...string) error {
	for _, l := range labels {
		w.labels[l] = true
		w.ops = append(w.ops, "add:"+l)
	}
	return nil
}

func (w *fakeLabelWriter) RemoveLabel(_ context.Context, _ RepoRef, _ int, label string) error {
	if w.removeErr != nil {
		return w.removeErr
	}
	delete(w.labels, label)
	w.ops = append(w.ops, "remove:"+label)
	return nil
}

func (w *fakeLabelWriter) current() []string {
	var out []string
	for l := range w.labels {
		out = append(out, l)
	}
	return out
}

func testIssue() Issue {
	return Issue{ID: 99, Number: 5, Repo: NewRepoRef("metyatech", "demo"), Title: "fix it"}
}

func TestTransitionsAreAdditiveThenSubtractive(t *testing.T) {
	names := config.DefaultLabelNames()
	w := newFakeLabelWriter(names.Queued)
	lc := NewLifecycle(names, w, nil)

	require.NoError(t, lc.MarkRunning(context.Background(), testIssue()))

	require.NotEmpty(t, w.ops)
	assert.Equal(t, "add:"+names.Running, w.ops[0], "add must precede every removal")
	assert.ElementsMatch(t, []string{names.Running}, w.current())
}

func TestLabelExclusivityPerState(t *testing.T) {
	names := config.DefaultLabelNames()
	issue := testIssue()

	tests := []struct {
		name string
		run  func(*Lifecycle) error
		want []string
	}{
		{"queued", func(lc *Lifecycle) error { return lc.MarkQueued(context.Background(), issue) }, []string{names.Queued}},
		{"running", func(lc *Lifecycle) error { return lc.MarkRunning(context.Background(), issue) }, []string{names.Running}},
		{"done", func(lc *Lifecycle) error { return lc.MarkDone(context.Background(), issue) }, []string{names.Done}},
		{"failed", func(lc *Lifecycle) error { return lc.MarkFailed(context.Background(), issue, false) }, []string{names.Failed}},
		{"failed+needs-user", func(lc *Lifecycle) error { return lc.MarkFailed(context.Background(), issue, true) }, []string{names.Failed, names.NeedsUserReply}},
		{"needs-user only", func(lc *Lifecycle) error { return lc.MarkNeedsUserReply(context.Background(), issue) }, []string{names.NeedsUserReply}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeLabelWriter(names.Queued, names.Running, names.Done, names.Failed, names.NeedsUserReply)
			lc := NewLifecycle(names, w, nil)
			require.NoError(t, tt.run(lc))
			assert.ElementsMatch(t, tt.want, w.current())
		})
	}
}

func TestRemoveFailureDoesNotFailTransition(t *testing.T) {
	names := config.DefaultLabelNames()
	w := newFakeLabelWriter(names.Queued)
	w.removeErr = errors.New("boom")
	lc := NewLifecycle(names, w, nil)

	require.NoError(t, lc.MarkRunning(context.Background(), testIssue()))
	// The new label landed even though removal failed.
	assert.True(t, w.labels[names.Running])
}

func TestStateFromLabels(t *testing.T) {
	names := config.DefaultLabelNames()
	lc := NewLifecycle(names, newFakeLabelWriter(), nil)

	tests := []struct {
		labels   []string
		hasRetry bool
		want     State
	}{
		{[]string{names.Queued}, false, StateQueued},
		{[]string{names.Running}, false, StateRunning},
		{[]string{names.Done}, false, StateDone},
		{[]string{names.Failed}, false, StateFailed},
		{[]string{names.Failed}, true, StateScheduledRetry},
		{[]string{names.Failed, names.NeedsUserReply}, false, StateNeedsUserReply},
		{[]string{names.NeedsUserReply}, false, StateNeedsUserReply},
		{[]string{"unrelated"}, false, StateIdle},
		{nil, false, StateIdle},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lc.StateFromLabels(tt.labels, tt.hasRetry), "labels=%v retry=%v", tt.labels, tt.hasRetry)
	}
}

func TestRepoRef(t *testing.T) {
	a := NewRepoRef("MetyaTech", "Demo")
	b := NewRepoRef("metyatech", "demo")
	assert.True(t, a.Equal(b))
	assert.Equal(t, "MetyaTech/Demo", a.String())
	assert.Equal(t, "metyatech/demo", a.Key())

	parsed, err := ParseRepoRef("metyatech/demo")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(a))

	_, err = ParseRepoRef("nope")
	assert.Error(t, err)
}
