package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/state"
)

func newTestClassifier() *Classifier {
	return NewClassifier(config.DefaultConfig().Review, []string{"coderabbitai[bot]"})
}

func TestClassifyReviewStates(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name       string
		ev         Event
		wantOK     bool
		wantReason string
		wantEngine bool
	}{
		{
			name:       "approval is merge-only",
			ev:         Event{State: "approved", Author: "alice", AuthorAssociation: "OWNER"},
			wantOK:     true,
			wantReason: state.ReviewReasonApproval,
			wantEngine: false,
		},
		{
			name:       "changes requested needs engine",
			ev:         Event{State: "changes_requested", Author: "alice", AuthorAssociation: "MEMBER"},
			wantOK:     true,
			wantReason: state.ReviewReasonReview,
			wantEngine: true,
		},
		{
			name:       "substantive comment needs engine",
			ev:         Event{State: "commented", Body: "please add a test for the nil case", Author: "bob", AuthorAssociation: "COLLABORATOR"},
			wantOK:     true,
			wantReason: state.ReviewReasonReview,
			wantEngine: true,
		},
		{
			name:       "ok phrase downgrades to approval",
			ev:         Event{State: "commented", Body: "LGTM!", Author: "bob", AuthorAssociation: "COLLABORATOR"},
			wantOK:     true,
			wantReason: state.ReviewReasonApproval,
			wantEngine: false,
		},
		{
			name:   "empty comment dropped",
			ev:     Event{State: "commented", Body: "  ", Author: "bob", AuthorAssociation: "COLLABORATOR"},
			wantOK: false,
		},
		{
			name:       "inline review comment needs engine",
			ev:         Event{IsReviewComment: true, Body: "off by one here", Author: "alice", AuthorAssociation: "OWNER"},
			wantOK:     true,
			wantReason: state.ReviewReasonComment,
			wantEngine: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Classify(tt.ev)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.Equal(t, tt.wantEngine, got.RequiresEngine)
		})
	}
}

func TestClassifyFilters(t *testing.T) {
	c := newTestClassifier()

	// Unknown bots are dropped.
	_, ok := c.Classify(Event{State: "changes_requested", Author: "random[bot]", AuthorIsBot: true})
	assert.False(t, ok)

	// Recognized review bots pass despite AuthorAssociation NONE.
	got, ok := c.Classify(Event{State: "changes_requested", Author: "CodeRabbitAI[bot]", AuthorIsBot: true, AuthorAssociation: "NONE"})
	require.True(t, ok)
	assert.True(t, got.RequiresEngine)

	// Humans below collaborator are dropped.
	_, ok = c.Classify(Event{State: "approved", Author: "driveby", AuthorAssociation: "NONE"})
	assert.False(t, ok)
	_, ok = c.Classify(Event{State: "approved", Author: "firsttimer", AuthorAssociation: "CONTRIBUTOR"})
	assert.False(t, ok)
}
