// Package review classifies pull-request review events into follow-up
// work: merge-only for approvals, engine-backed for change requests and
// substantive comments.
package review

import (
	"strings"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/state"
)

// Event is a normalized PR review or review-comment event, from webhook
// payloads or the poll-based managed-PR scan.
type Event struct {
	// State is the review verdict: approved, changes_requested, commented.
	// Empty for standalone review comments.
	State             string
	Body              string
	Author            string
	AuthorAssociation string
	AuthorIsBot       bool
	// IsReviewComment marks an inline review-comment event rather than a
	// whole review.
	IsReviewComment bool
}

// Followup is the classification outcome.
type Followup struct {
	Reason         string
	RequiresEngine bool
}

// Classifier applies the bot and association filters and maps events to
// follow-up kinds.
type Classifier struct {
	okPhrases  map[string]bool
	reviewBots map[string]bool
}

// NewClassifier builds a Classifier from config. reviewBots are bot logins
// whose reviews are acted on despite the bot filter.
func NewClassifier(cfg config.ReviewConfig, reviewBots []string) *Classifier {
	c := &Classifier{
		okPhrases:  make(map[string]bool, len(cfg.OKPhrases)),
		reviewBots: make(map[string]bool, len(reviewBots)),
	}
	for _, p := range cfg.OKPhrases {
		c.okPhrases[normalize(p)] = true
	}
	for _, b := range reviewBots {
		c.reviewBots[strings.ToLower(b)] = true
	}
	return c
}

// collaborator-or-above associations whose reviews we act on.
var trustedAssociations = map[string]bool{
	"OWNER":        true,
	"MEMBER":       true,
	"COLLABORATOR": true,
}

// Classify maps an event to a follow-up, or (zero, false) when the event
// should be dropped.
func (c *Classifier) Classify(ev Event) (Followup, bool) {
	if ev.AuthorIsBot && !c.reviewBots[strings.ToLower(ev.Author)] {
		return Followup{}, false
	}
	// Recognized review bots bypass the association filter; GitHub reports
	// app bots as NONE.
	if !ev.AuthorIsBot && !trustedAssociations[strings.ToUpper(ev.AuthorAssociation)] {
		return Followup{}, false
	}

	if ev.IsReviewComment {
		return Followup{Reason: state.ReviewReasonComment, RequiresEngine: true}, true
	}

	switch strings.ToLower(ev.State) {
	case "approved":
		return Followup{Reason: state.ReviewReasonApproval, RequiresEngine: false}, true
	case "changes_requested":
		return Followup{Reason: state.ReviewReasonReview, RequiresEngine: true}, true
	case "commented":
		if c.isOKPhrase(ev.Body) {
			return Followup{Reason: state.ReviewReasonApproval, RequiresEngine: false}, true
		}
		if strings.TrimSpace(ev.Body) == "" {
			return Followup{}, false
		}
		return Followup{Reason: state.ReviewReasonReview, RequiresEngine: true}, true
	default:
		return Followup{}, false
	}
}

// isOKPhrase reports whether the review body is a recognized "no further
// comments" phrase.
func (c *Classifier) isOKPhrase(body string) bool {
	return c.okPhrases[normalize(body)]
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!")
}
