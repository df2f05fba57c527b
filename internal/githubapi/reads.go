package githubapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"

	"github.com/metyatech/agent-runner/internal/issues"
)

const pageSize = 100

// ListOwnerRepos enumerates every non-archived repo of owner, following
// pagination. Works for both users and organizations.
func (c *Client) ListOwnerRepos(ctx context.Context, owner string) ([]issues.RepoRef, error) {
	var refs []issues.RepoRef
	opts := &github.RepositoryListByUserOptions{
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	for {
		repos, resp, err := c.rest.Repositories.ListByUser(ctx, owner, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, repo := range repos {
			if repo.GetArchived() {
				continue
			}
			refs = append(refs, issues.NewRepoRef(owner, repo.GetName()))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return refs, nil
}

// GetIssue fetches one issue snapshot.
func (c *Client) GetIssue(ctx context.Context, repo issues.RepoRef, number int) (issues.Issue, error) {
	issue, _, err := c.rest.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return issues.Issue{}, classify(err)
	}
	return toIssue(repo, issue), nil
}

// ListIssuesByLabel returns open issues and PRs carrying label.
func (c *Client) ListIssuesByLabel(ctx context.Context, repo issues.RepoRef, label string) ([]issues.Issue, error) {
	var out []issues.Issue
	opts := &github.IssueListByRepoOptions{
		Labels:      []string{label},
		State:       "open",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	for {
		page, resp, err := c.rest.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, issue := range page {
			out = append(out, toIssue(repo, issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return out, nil
}

// ListIssueComments returns all comments of one issue, oldest first.
func (c *Client) ListIssueComments(ctx context.Context, repo issues.RepoRef, number int) ([]Comment, error) {
	var out []Comment
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	for {
		page, resp, err := c.rest.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, comment := range page {
			out = append(out, toComment(comment))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListRepoCommentsSince returns every issue comment in repo created after
// since, plus a comment-id to issue-number index derived from the comment
// URLs. This powers both /agent run discovery and webhook catch-up.
func (c *Client) ListRepoCommentsSince(ctx context.Context, repo issues.RepoRef, since time.Time) ([]Comment, map[int64]int, error) {
	var out []Comment
	index := map[int64]int{}
	sort := "created"
	direction := "asc"
	opts := &github.IssueListCommentsOptions{
		Sort:        &sort,
		Direction:   &direction,
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	if !since.IsZero() {
		opts.Since = &since
	}
	for {
		page, resp, err := c.rest.Issues.ListComments(ctx, repo.Owner, repo.Name, 0, opts)
		if err != nil {
			return nil, nil, classify(err)
		}
		for _, comment := range page {
			converted := toComment(comment)
			out = append(out, converted)
			if number, ok := issueNumberFromURL(comment.GetIssueURL()); ok {
				index[converted.ID] = number
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, index, nil
}

// ListOpenPullRequests returns the open PRs of repo.
func (c *Client) ListOpenPullRequests(ctx context.Context, repo issues.RepoRef) ([]PullRequest, error) {
	var out []PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	for {
		page, resp, err := c.rest.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, pr := range page {
			out = append(out, toPullRequest(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListRepoLabels returns the names of every label defined on repo.
func (c *Client) ListRepoLabels(ctx context.Context, repo issues.RepoRef) ([]string, error) {
	var out []string
	opts := &github.ListOptions{PerPage: pageSize}
	for {
		page, resp, err := c.rest.Issues.ListLabels(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, label := range page {
			out = append(out, label.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetPullRequest fetches one PR.
func (c *Client) GetPullRequest(ctx context.Context, repo issues.RepoRef, number int) (PullRequest, error) {
	pr, _, err := c.rest.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return PullRequest{}, classify(err)
	}
	return toPullRequest(pr), nil
}

// LatestReviewState returns the state of the most recent non-dismissed
// review on the PR, empty when it has none.
func (c *Client) LatestReviewState(ctx context.Context, repo issues.RepoRef, number int) (string, error) {
	opts := &github.ListOptions{PerPage: pageSize}
	var latest string
	for {
		page, resp, err := c.rest.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return "", classify(err)
		}
		for _, review := range page {
			state := strings.ToLower(review.GetState())
			if state == "dismissed" || state == "pending" {
				continue
			}
			latest = state
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return latest, nil
}

func toIssue(repo issues.RepoRef, issue *github.Issue) issues.Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}
	return issues.Issue{
		ID:            issue.GetID(),
		Number:        issue.GetNumber(),
		Title:         issue.GetTitle(),
		Body:          issue.GetBody(),
		Author:        issue.GetUser().GetLogin(),
		Repo:          repo,
		Labels:        labels,
		URL:           issue.GetHTMLURL(),
		IsPullRequest: issue.IsPullRequest(),
	}
}

func toComment(comment *github.IssueComment) Comment {
	return Comment{
		ID:                comment.GetID(),
		Author:            comment.GetUser().GetLogin(),
		AuthorAssociation: comment.GetAuthorAssociation(),
		Body:              comment.GetBody(),
		CreatedAt:         comment.GetCreatedAt().Time,
		IsBot:             comment.GetUser().GetType() == "Bot",
	}
}

func toPullRequest(pr *github.PullRequest) PullRequest {
	return PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: pr.GetHead().GetRef(),
		State:      pr.GetState(),
	}
}

// issueNumberFromURL extracts the trailing number of an API issue URL like
// https://api.github.com/repos/o/r/issues/17.
func issueNumberFromURL(url string) (int, bool) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx+1 >= len(url) {
		return 0, false
	}
	number, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, false
	}
	return number, true
}

// AuthorizedAssociation reports whether an author association may trigger
// runs: owner, member, or collaborator.
func AuthorizedAssociation(association string) bool {
	switch strings.ToUpper(association) {
	case "OWNER", "MEMBER", "COLLABORATOR":
		return true
	default:
		return false
	}
}
