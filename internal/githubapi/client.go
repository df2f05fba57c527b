// Package githubapi adapts the GitHub REST and GraphQL APIs to the narrow
// read/write surface the scheduler needs. Callers depend on the interfaces;
// tests swap in fakes.
package githubapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
)

// Comment is one issue or PR comment.
type Comment struct {
	ID                int64
	Author            string
	AuthorAssociation string
	Body              string
	CreatedAt         time.Time
	IsBot             bool
}

// PullRequest is the open-PR view used by the idle planner's duplicate-work
// guard and the managed-PR follow-up scan.
type PullRequest struct {
	Number     int
	Title      string
	URL        string
	HeadBranch string
	State      string
}

// Reader is the read-side GitHub contract.
type Reader interface {
	ListOwnerRepos(ctx context.Context, owner string) ([]issues.RepoRef, error)
	GetIssue(ctx context.Context, repo issues.RepoRef, number int) (issues.Issue, error)
	ListIssuesByLabel(ctx context.Context, repo issues.RepoRef, label string) ([]issues.Issue, error)
	ListIssueComments(ctx context.Context, repo issues.RepoRef, number int) ([]Comment, error)
	ListRepoCommentsSince(ctx context.Context, repo issues.RepoRef, since time.Time) ([]Comment, map[int64]int, error)
	ListOpenPullRequests(ctx context.Context, repo issues.RepoRef) ([]PullRequest, error)
	ListRepoLabels(ctx context.Context, repo issues.RepoRef) ([]string, error)
	GetPullRequest(ctx context.Context, repo issues.RepoRef, number int) (PullRequest, error)
	UnresolvedReviewThreads(ctx context.Context, repo issues.RepoRef, number int) (int, error)
	LatestReviewState(ctx context.Context, repo issues.RepoRef, number int) (string, error)
}

// Writer is the write-side GitHub contract.
type Writer interface {
	AddLabels(ctx context.Context, repo issues.RepoRef, number int, labels ...string) error
	RemoveLabel(ctx context.Context, repo issues.RepoRef, number int, label string) error
	CreateComment(ctx context.Context, repo issues.RepoRef, number int, body string) error
	MergePullRequest(ctx context.Context, repo issues.RepoRef, number int) error
	EnsureLabel(ctx context.Context, repo issues.RepoRef, name, color, description string) (created bool, err error)
}

// Client implements Reader and Writer over go-github plus githubv4.
type Client struct {
	rest    *github.Client
	graphql *githubv4.Client
	logger  logging.Logger
}

// NewClient builds a token-authenticated client. An empty token yields an
// anonymous client, enough for public-repo dry runs.
func NewClient(ctx context.Context, token string, logger logging.Logger) *Client {
	var httpClient *http.Client
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, src)
	}
	return &Client{
		rest:    github.NewClient(httpClient),
		graphql: githubv4.NewClient(httpClient),
		logger:  logging.OrNop(logger),
	}
}

// NewClientFromHTTP wraps a prepared HTTP client (tests, App transports).
func NewClientFromHTTP(httpClient *http.Client, logger logging.Logger) *Client {
	return &Client{
		rest:    github.NewClient(httpClient),
		graphql: githubv4.NewClient(httpClient),
		logger:  logging.OrNop(logger),
	}
}

var _ Reader = (*Client)(nil)
var _ Writer = (*Client)(nil)
