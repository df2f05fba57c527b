package githubapi

import (
	"context"
	"net/http"

	"github.com/google/go-github/v75/github"

	"github.com/metyatech/agent-runner/internal/issues"
)

// AddLabels attaches labels to an issue. GitHub treats an already-present
// label as a no-op.
func (c *Client) AddLabels(ctx context.Context, repo issues.RepoRef, number int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	_, _, err := c.rest.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, labels)
	return classify(err)
}

// RemoveLabel detaches a label. Removing a label the issue does not carry
// returns 404 from GitHub and is silently ignored here.
func (c *Client) RemoveLabel(ctx context.Context, repo issues.RepoRef, number int, label string) error {
	resp, err := c.rest.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classify(err)
}

// CreateComment posts a comment on an issue or PR.
func (c *Client) CreateComment(ctx context.Context, repo issues.RepoRef, number int, body string) error {
	comment := &github.IssueComment{Body: github.Ptr(body)}
	_, _, err := c.rest.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, comment)
	return classify(err)
}

// MergePullRequest merges an approved managed PR with the default method.
func (c *Client) MergePullRequest(ctx context.Context, repo issues.RepoRef, number int) error {
	_, _, err := c.rest.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, "", nil)
	return classify(err)
}

// EnsureLabel creates the label when missing or patches color/description
// when they drifted. Returns whether the label was newly created.
func (c *Client) EnsureLabel(ctx context.Context, repo issues.RepoRef, name, color, description string) (bool, error) {
	existing, resp, err := c.rest.Issues.GetLabel(ctx, repo.Owner, repo.Name, name)
	if err != nil {
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			return false, classify(err)
		}
		label := &github.Label{
			Name:        github.Ptr(name),
			Color:       github.Ptr(color),
			Description: github.Ptr(description),
		}
		if _, _, err := c.rest.Issues.CreateLabel(ctx, repo.Owner, repo.Name, label); err != nil {
			return false, classify(err)
		}
		return true, nil
	}

	if existing.GetColor() == color && existing.GetDescription() == description {
		return false, nil
	}
	existing.Color = github.Ptr(color)
	existing.Description = github.Ptr(description)
	if _, _, err := c.rest.Issues.EditLabel(ctx, repo.Owner, repo.Name, name, existing); err != nil {
		return false, classify(err)
	}
	return false, nil
}
