package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metyatech/agent-runner/internal/issues"
)

// EnqueueWebhook inserts an entry unless the issue is already queued.
func (s *Store) EnqueueWebhook(ctx context.Context, entry WebhookQueueEntry) error {
	entry.EnqueuedAt = utc(entry.EnqueuedAt)
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	})
}

// TakeWebhookQueue drains the webhook queue in enqueue order.
func (s *Store) TakeWebhookQueue(ctx context.Context) ([]WebhookQueueEntry, error) {
	var entries []WebhookQueueEntry
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Order("enqueued_at").Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Where("1 = 1").Delete(&WebhookQueueEntry{}).Error
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// UpsertReviewFollowup coalesces review events into one row per PR.
// RequiresEngine is sticky: once any event requires an engine, a later
// merge-only approval does not downgrade the row.
func (s *Store) UpsertReviewFollowup(ctx context.Context, entry ReviewFollowup) error {
	entry.UpdatedAt = time.Now().UTC()
	return s.transaction(ctx, func(tx *gorm.DB) error {
		var existing ReviewFollowup
		err := tx.First(&existing, "issue_id = ?", entry.IssueID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			entry.RequiresEngine = entry.RequiresEngine || existing.RequiresEngine
			if entry.RequiresEngine && entry.Reason == ReviewReasonApproval {
				entry.Reason = existing.Reason
			}
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
	})
}

// TakeReviewFollowups drains the follow-up queue, merge-only entries first.
func (s *Store) TakeReviewFollowups(ctx context.Context) ([]ReviewFollowup, error) {
	var entries []ReviewFollowup
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Order("requires_engine, updated_at").Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Where("1 = 1").Delete(&ReviewFollowup{}).Error
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListReviewFollowups reads the queue without consuming it.
func (s *Store) ListReviewFollowups(ctx context.Context) ([]ReviewFollowup, error) {
	var entries []ReviewFollowup
	if err := s.ctx(ctx).Order("requires_engine, updated_at").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// AddManagedPR records a PR as managed by this runner.
func (s *Store) AddManagedPR(ctx context.Context, repo issues.RepoRef, number int) error {
	row := ManagedPR{Owner: repo.Owner, Name: repo.Name, Number: number, CreatedAt: time.Now().UTC()}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

// IsManagedPR reports whether the PR is tracked. Lookup is case-insensitive
// on owner and name.
func (s *Store) IsManagedPR(ctx context.Context, repo issues.RepoRef, number int) (bool, error) {
	var n int64
	err := s.ctx(ctx).Model(&ManagedPR{}).
		Where("lower(owner) = ? AND lower(name) = ? AND number = ?",
			strings.ToLower(repo.Owner), strings.ToLower(repo.Name), number).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListManagedPRs returns every tracked PR.
func (s *Store) ListManagedPRs(ctx context.Context) ([]ManagedPR, error) {
	var rows []ManagedPR
	if err := s.ctx(ctx).Order("owner, name, number").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkCommandComment records a processed /agent run comment id. It returns
// true when the id was new, false when it had been processed before.
func (s *Store) MarkCommandComment(ctx context.Context, commentID int64) (bool, error) {
	row := ProcessedCommandComment{CommentID: commentID, ProcessedAt: time.Now().UTC()}
	var fresh bool
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		fresh = res.RowsAffected > 0
		return nil
	})
	return fresh, err
}
