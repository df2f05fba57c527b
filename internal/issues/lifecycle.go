package issues

import (
	"context"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
)

// State is one of the legal lifecycle states of an issue under management.
type State string

const (
	StateQueued         State = "queued"
	StateRunning        State = "running"
	StateNeedsUserReply State = "needs_user_reply"
	StateScheduledRetry State = "scheduled_retry"
	StateDone           State = "done"
	StateFailed         State = "failed"
	// StateIdle means none of the managed labels is present.
	StateIdle State = "idle"
)

// LabelWriter is the GitHub write-side contract the lifecycle depends on.
// Removing a label the issue does not carry must not be an error.
type LabelWriter interface {
	AddLabels(ctx context.Context, repo RepoRef, number int, labels ...string) error
	RemoveLabel(ctx context.Context, repo RepoRef, number int, label string) error
}

// Lifecycle applies label transitions. Mutations are additive before
// subtractive so an observer racing a transition sees the new status even if
// the removal half fails.
type Lifecycle struct {
	names  config.LabelNames
	writer LabelWriter
	logger logging.Logger
}

// NewLifecycle builds a Lifecycle over the configured label names.
func NewLifecycle(names config.LabelNames, writer LabelWriter, logger logging.Logger) *Lifecycle {
	return &Lifecycle{names: names, writer: writer, logger: logging.OrNop(logger)}
}

// Names exposes the configured label names.
func (l *Lifecycle) Names() config.LabelNames { return l.names }

// managed returns every label the runner owns.
func (l *Lifecycle) managed() []string {
	return []string{l.names.Queued, l.names.Running, l.names.Done, l.names.Failed, l.names.NeedsUserReply}
}

// StateFromLabels derives the machine state from a snapshot's labels.
// hasRetry distinguishes scheduledRetry from terminal failure: both show the
// failed label, only the former has a ScheduledRetry row.
func (l *Lifecycle) StateFromLabels(labels []string, hasRetry bool) State {
	has := func(name string) bool {
		for _, label := range labels {
			if label == name {
				return true
			}
		}
		return false
	}
	switch {
	case has(l.names.Running):
		return StateRunning
	case has(l.names.NeedsUserReply):
		return StateNeedsUserReply
	case has(l.names.Queued):
		return StateQueued
	case has(l.names.Failed) && hasRetry:
		return StateScheduledRetry
	case has(l.names.Failed):
		return StateFailed
	case has(l.names.Done):
		return StateDone
	default:
		return StateIdle
	}
}

// MarkQueued transitions to queued.
func (l *Lifecycle) MarkQueued(ctx context.Context, issue Issue) error {
	return l.apply(ctx, issue, l.names.Queued)
}

// MarkRunning transitions to running.
func (l *Lifecycle) MarkRunning(ctx context.Context, issue Issue) error {
	return l.apply(ctx, issue, l.names.Running)
}

// MarkDone transitions to the done terminal state.
func (l *Lifecycle) MarkDone(ctx context.Context, issue Issue) error {
	return l.apply(ctx, issue, l.names.Done)
}

// MarkFailed transitions to failed. When needsUser is set the
// needs-user-reply label is kept alongside failed; that coexistence is the
// one sanctioned exception to label exclusivity.
func (l *Lifecycle) MarkFailed(ctx context.Context, issue Issue, needsUser bool) error {
	labels := []string{l.names.Failed}
	if needsUser {
		labels = append(labels, l.names.NeedsUserReply)
	}
	return l.apply(ctx, issue, labels...)
}

// MarkNeedsUserReply transitions to needs-user-reply without failed.
func (l *Lifecycle) MarkNeedsUserReply(ctx context.Context, issue Issue) error {
	return l.apply(ctx, issue, l.names.NeedsUserReply)
}

func (l *Lifecycle) apply(ctx context.Context, issue Issue, target ...string) error {
	if err := l.writer.AddLabels(ctx, issue.Repo, issue.Number, target...); err != nil {
		return err
	}

	keep := make(map[string]bool, len(target))
	for _, label := range target {
		keep[label] = true
	}
	for _, label := range l.managed() {
		if keep[label] {
			continue
		}
		if err := l.writer.RemoveLabel(ctx, issue.Repo, issue.Number, label); err != nil {
			// The add already landed, so the visible state is correct;
			// a leftover label heals on the next transition.
			l.logger.Warn("remove label %s from %s failed: %v", label, issue.Ref(), err)
		}
	}
	return nil
}
