package githubapi

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/metyatech/agent-runner/internal/issues"
)

// CachingReader wraps a Reader with short-lived caches for the two queries
// issued repeatedly within and across cycles: the owner repo list and
// per-repo open PRs. Everything else passes through.
type CachingReader struct {
	Reader
	repos   *expirable.LRU[string, []issues.RepoRef]
	openPRs *expirable.LRU[string, []PullRequest]
}

// NewCachingReader caches repo lists and open-PR lists for ttl.
func NewCachingReader(inner Reader, ttl time.Duration) *CachingReader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingReader{
		Reader:  inner,
		repos:   expirable.NewLRU[string, []issues.RepoRef](16, nil, ttl),
		openPRs: expirable.NewLRU[string, []PullRequest](256, nil, ttl),
	}
}

// ListOwnerRepos serves from cache when fresh.
func (c *CachingReader) ListOwnerRepos(ctx context.Context, owner string) ([]issues.RepoRef, error) {
	if cached, ok := c.repos.Get(owner); ok {
		return cached, nil
	}
	refs, err := c.Reader.ListOwnerRepos(ctx, owner)
	if err != nil {
		return nil, err
	}
	c.repos.Add(owner, refs)
	return refs, nil
}

// ListOpenPullRequests serves from cache when fresh.
func (c *CachingReader) ListOpenPullRequests(ctx context.Context, repo issues.RepoRef) ([]PullRequest, error) {
	if cached, ok := c.openPRs.Get(repo.Key()); ok {
		return cached, nil
	}
	prs, err := c.Reader.ListOpenPullRequests(ctx, repo)
	if err != nil {
		return nil, err
	}
	c.openPRs.Add(repo.Key(), prs)
	return prs, nil
}

// Invalidate drops cached entries for repo after a mutation.
func (c *CachingReader) Invalidate(repo issues.RepoRef) {
	c.openPRs.Remove(repo.Key())
}
