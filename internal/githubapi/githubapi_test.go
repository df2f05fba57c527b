package githubapi

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/issues"
)

func TestIssueNumberFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want int
		ok   bool
	}{
		{"https://api.github.com/repos/metyatech/demo/issues/17", 17, true},
		{"https://api.github.com/repos/metyatech/demo/issues/", 0, false},
		{"no-slash", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := issueNumberFromURL(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

func TestAuthorizedAssociation(t *testing.T) {
	assert.True(t, AuthorizedAssociation("OWNER"))
	assert.True(t, AuthorizedAssociation("member"))
	assert.True(t, AuthorizedAssociation("Collaborator"))
	assert.False(t, AuthorizedAssociation("NONE"))
	assert.False(t, AuthorizedAssociation("CONTRIBUTOR"))
	assert.False(t, AuthorizedAssociation(""))
}

type countingReader struct {
	Reader
	repoCalls int32
	prCalls   int32
}

func (r *countingReader) ListOwnerRepos(context.Context, string) ([]issues.RepoRef, error) {
	atomic.AddInt32(&r.repoCalls, 1)
	return []issues.RepoRef{issues.NewRepoRef("metyatech", "demo")}, nil
}

func (r *countingReader) ListOpenPullRequests(context.Context, issues.RepoRef) ([]PullRequest, error) {
	atomic.AddInt32(&r.prCalls, 1)
	return []PullRequest{{Number: 1, Title: "t"}}, nil
}

func TestCachingReaderCoalescesRepeatReads(t *testing.T) {
	inner := &countingReader{}
	cached := NewCachingReader(inner, time.Minute)
	ctx := context.Background()
	repo := issues.NewRepoRef("metyatech", "demo")

	for i := 0; i < 3; i++ {
		refs, err := cached.ListOwnerRepos(ctx, "metyatech")
		require.NoError(t, err)
		require.Len(t, refs, 1)

		prs, err := cached.ListOpenPullRequests(ctx, repo)
		require.NoError(t, err)
		require.Len(t, prs, 1)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.repoCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.prCalls))

	cached.Invalidate(repo)
	_, err := cached.ListOpenPullRequests(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.prCalls))
}
