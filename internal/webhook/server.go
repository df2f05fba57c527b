// Package webhook runs the GitHub webhook listener. Handlers only verify,
// classify, and persist queue entries; all scheduling decisions stay in the
// cycle driver, so a flood of deliveries cannot start work directly.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v75/github"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/cycle"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/observability"
	"github.com/metyatech/agent-runner/internal/review"
	"github.com/metyatech/agent-runner/internal/state"
)

// maxPayloadBytes bounds webhook bodies; GitHub caps deliveries at 25 MB
// but nothing we consume comes close.
const maxPayloadBytes = 1 << 20

// Server receives GitHub deliveries and feeds the state store.
type Server struct {
	cfg     config.WebhookConfig
	store   *state.Store
	review  *review.Classifier
	metrics *observability.MetricsCollector
	logger  logging.Logger
	now     func() time.Time

	httpServer *http.Server
}

// NewServer wires the listener. metrics may be nil.
func NewServer(cfg config.WebhookConfig, store *state.Store, classifier *review.Classifier, metrics *observability.MetricsCollector, logger logging.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		review:  classifier,
		metrics: metrics,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST(cfg.Path, s.handleDelivery)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook listener on %s%s", s.httpServer.Addr, s.cfg.Path)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleDelivery(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes)

	payload, err := github.ValidatePayload(c.Request, []byte(s.cfg.Secret))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.logger.Warn("webhook signature rejected: %v", err)
		c.String(http.StatusUnauthorized, "bad signature")
		return
	}

	eventType := github.WebHookType(c.Request)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		c.String(http.StatusBadRequest, "unparseable payload")
		return
	}

	ctx := c.Request.Context()
	switch ev := event.(type) {
	case *github.PingEvent:
		s.recordEvent(ctx, eventType, "ping")
		c.String(http.StatusOK, "pong")
	case *github.IssueCommentEvent:
		s.recordEvent(ctx, eventType, ev.GetAction())
		s.handleIssueComment(ctx, ev)
		c.Status(http.StatusAccepted)
	case *github.PullRequestReviewEvent:
		s.recordEvent(ctx, eventType, ev.GetAction())
		s.handleReview(ctx, ev)
		c.Status(http.StatusAccepted)
	case *github.PullRequestReviewCommentEvent:
		s.recordEvent(ctx, eventType, ev.GetAction())
		s.handleReviewComment(ctx, ev)
		c.Status(http.StatusAccepted)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) recordEvent(ctx context.Context, event, action string) {
	if s.metrics != nil {
		s.metrics.RecordWebhookEvent(ctx, event, action)
	}
}

// handleIssueComment queues authorized command comments for the next cycle.
func (s *Server) handleIssueComment(ctx context.Context, ev *github.IssueCommentEvent) {
	if ev.GetAction() != "created" {
		return
	}
	comment := ev.GetComment()
	if isBotUser(comment.GetUser()) || !cycle.IsCommand(comment.GetBody()) {
		return
	}
	if !githubapi.AuthorizedAssociation(comment.GetAuthorAssociation()) {
		s.logger.Info("ignoring command from %s (%s)", comment.GetUser().GetLogin(), comment.GetAuthorAssociation())
		return
	}

	// Mark the comment consumed so the poll scan will not queue it again.
	fresh, err := s.store.MarkCommandComment(ctx, comment.GetID())
	if err != nil {
		s.logger.Warn("dedup webhook comment %d: %v", comment.GetID(), err)
		return
	}
	if !fresh {
		return
	}

	repo := repoRefOf(ev.GetRepo())
	issue := ev.GetIssue()
	entry := state.WebhookQueueEntry{
		IssueID:     issue.GetID(),
		IssueNumber: issue.GetNumber(),
		Owner:       repo.Owner,
		Name:        repo.Name,
		URL:         issue.GetHTMLURL(),
		Title:       issue.GetTitle(),
		EnqueuedAt:  s.now(),
	}
	if err := s.store.EnqueueWebhook(ctx, entry); err != nil {
		s.logger.Error("enqueue webhook issue %s#%d: %v", repo.String(), issue.GetNumber(), err)
		return
	}
	s.logger.Info("webhook queued %s#%d from comment by %s", repo.String(), issue.GetNumber(), comment.GetUser().GetLogin())
}

// handleReview maps submitted reviews on managed PRs to follow-up entries.
func (s *Server) handleReview(ctx context.Context, ev *github.PullRequestReviewEvent) {
	if ev.GetAction() != "submitted" {
		return
	}
	reviewObj := ev.GetReview()
	s.classifyAndStore(ctx, repoRefOf(ev.GetRepo()), ev.GetPullRequest(), review.Event{
		State:             reviewObj.GetState(),
		Body:              reviewObj.GetBody(),
		Author:            reviewObj.GetUser().GetLogin(),
		AuthorAssociation: reviewObj.GetAuthorAssociation(),
		AuthorIsBot:       isBotUser(reviewObj.GetUser()),
	})
}

// handleReviewComment maps inline review comments to engine follow-ups.
func (s *Server) handleReviewComment(ctx context.Context, ev *github.PullRequestReviewCommentEvent) {
	if ev.GetAction() != "created" {
		return
	}
	comment := ev.GetComment()
	s.classifyAndStore(ctx, repoRefOf(ev.GetRepo()), ev.GetPullRequest(), review.Event{
		Body:              comment.GetBody(),
		Author:            comment.GetUser().GetLogin(),
		AuthorAssociation: comment.GetAuthorAssociation(),
		AuthorIsBot:       isBotUser(comment.GetUser()),
		IsReviewComment:   true,
	})
}

func (s *Server) classifyAndStore(ctx context.Context, repo issues.RepoRef, pr *github.PullRequest, ev review.Event) {
	managed, err := s.store.IsManagedPR(ctx, repo, pr.GetNumber())
	if err != nil {
		s.logger.Warn("managed-PR lookup %s#%d: %v", repo.String(), pr.GetNumber(), err)
		return
	}
	if !managed {
		return
	}

	followup, ok := s.review.Classify(ev)
	if !ok {
		return
	}
	entry := state.ReviewFollowup{
		IssueID:        pr.GetID(),
		PRNumber:       pr.GetNumber(),
		Owner:          repo.Owner,
		Name:           repo.Name,
		URL:            pr.GetHTMLURL(),
		Reason:         followup.Reason,
		RequiresEngine: followup.RequiresEngine,
	}
	if err := s.store.UpsertReviewFollowup(ctx, entry); err != nil {
		s.logger.Error("store follow-up %s#%d: %v", repo.String(), pr.GetNumber(), err)
		return
	}
	s.logger.Info("review follow-up recorded for %s#%d (%s)", repo.String(), pr.GetNumber(), followup.Reason)
}

func isBotUser(u *github.User) bool {
	if u == nil {
		return false
	}
	return u.GetType() == "Bot" || strings.HasSuffix(u.GetLogin(), "[bot]")
}

func repoRefOf(r *github.Repository) issues.RepoRef {
	return issues.NewRepoRef(r.GetOwner().GetLogin(), r.GetName())
}
