package githubapi

import (
	"context"

	"github.com/shurcooL/githubv4"

	"github.com/metyatech/agent-runner/internal/issues"
)

// UnresolvedReviewThreads counts unresolved review threads on a PR. The
// REST API does not expose thread resolution, so this is the one GraphQL
// query the runner carries.
func (c *Client) UnresolvedReviewThreads(ctx context.Context, repo issues.RepoRef, number int) (int, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						IsResolved githubv4.Boolean
						IsOutdated githubv4.Boolean
					}
					PageInfo struct {
						HasNextPage githubv4.Boolean
						EndCursor   githubv4.String
					}
				} `graphql:"reviewThreads(first: 100, after: $cursor)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]any{
		"owner":  githubv4.String(repo.Owner),
		"name":   githubv4.String(repo.Name),
		"number": githubv4.Int(number),
		"cursor": (*githubv4.String)(nil),
	}

	unresolved := 0
	for {
		if err := c.graphql.Query(ctx, &query, variables); err != nil {
			return 0, classify(err)
		}
		for _, node := range query.Repository.PullRequest.ReviewThreads.Nodes {
			if !bool(node.IsResolved) && !bool(node.IsOutdated) {
				unresolved++
			}
		}
		if !bool(query.Repository.PullRequest.ReviewThreads.PageInfo.HasNextPage) {
			break
		}
		cursor := query.Repository.PullRequest.ReviewThreads.PageInfo.EndCursor
		variables["cursor"] = githubv4.NewString(cursor)
	}
	return unresolved, nil
}
