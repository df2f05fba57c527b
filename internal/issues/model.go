// Package issues carries the GitHub-facing model: repo references, issue
// snapshots, and the label state machine that projects runner state onto
// GitHub.
package issues

import (
	"fmt"
	"strings"
)

// RepoRef names a repository. Equality is case-insensitive, matching GitHub.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// NewRepoRef builds a RepoRef from owner and name.
func NewRepoRef(owner, name string) RepoRef {
	return RepoRef{Owner: owner, Name: name}
}

// ParseRepoRef parses "owner/name".
func ParseRepoRef(slug string) (RepoRef, error) {
	parts := strings.SplitN(strings.TrimSpace(slug), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repo slug %q, want owner/name", slug)
	}
	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

// String returns "owner/name".
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// Equal compares case-insensitively.
func (r RepoRef) Equal(other RepoRef) bool {
	return strings.EqualFold(r.Owner, other.Owner) && strings.EqualFold(r.Name, other.Name)
}

// Key returns the lowercase slug, usable as a map key.
func (r RepoRef) Key() string {
	return strings.ToLower(r.String())
}

// CloneURL returns the HTTPS clone URL.
func (r RepoRef) CloneURL() string {
	return "https://github.com/" + r.Owner + "/" + r.Name + ".git"
}

// Issue is an immutable snapshot of a GitHub issue or pull request. The
// GitHub side stays the source of truth; snapshots are re-fetched, never
// mutated.
type Issue struct {
	// ID is GitHub's globally unique issue id (stable across repos).
	ID int64 `json:"id"`
	// Number is the per-repo issue number.
	Number        int      `json:"number"`
	Title         string   `json:"title"`
	Body          string   `json:"body,omitempty"`
	Author        string   `json:"author,omitempty"`
	Repo          RepoRef  `json:"repo"`
	Labels        []string `json:"labels"`
	URL           string   `json:"url"`
	IsPullRequest bool     `json:"is_pull_request"`
}

// HasLabel reports whether the snapshot carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Ref returns a short human identifier like "owner/name#12".
func (i Issue) Ref() string {
	return fmt.Sprintf("%s#%d", i.Repo, i.Number)
}
