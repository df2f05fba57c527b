package state

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertScheduledRetry stores or replaces the retry row for an issue.
func (s *Store) UpsertScheduledRetry(ctx context.Context, retry ScheduledRetry) error {
	retry.RunAfter = utc(retry.RunAfter)
	retry.UpdatedAt = time.Now().UTC()
	if retry.Reason == "" {
		retry.Reason = RetryReasonQuota
	}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&retry).Error
	})
}

// TakeDueRetries atomically consumes every retry with runAfter <= now:
// the rows are returned and deleted in one transaction, so two concurrent
// callers can never both receive the same row.
func (s *Store) TakeDueRetries(ctx context.Context, now time.Time) ([]ScheduledRetry, error) {
	var due []ScheduledRetry
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("run_after <= ?", utc(now)).Order("run_after").Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(due))
		for _, r := range due {
			ids = append(ids, r.IssueID)
		}
		return tx.Delete(&ScheduledRetry{}, "issue_id IN ?", ids).Error
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// GetScheduledRetry returns the retry row for issueID, or nil.
func (s *Store) GetScheduledRetry(ctx context.Context, issueID int64) (*ScheduledRetry, error) {
	var retry ScheduledRetry
	err := s.ctx(ctx).First(&retry, "issue_id = ?", issueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &retry, nil
}

// ClearScheduledRetry removes the retry row for an issue if present.
func (s *Store) ClearScheduledRetry(ctx context.Context, issueID int64) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&ScheduledRetry{}, "issue_id = ?", issueID).Error
	})
}

// ListScheduledRetries returns all pending retries ordered by runAfter.
func (s *Store) ListScheduledRetries(ctx context.Context) ([]ScheduledRetry, error) {
	var retries []ScheduledRetry
	if err := s.ctx(ctx).Order("run_after").Find(&retries).Error; err != nil {
		return nil, err
	}
	return retries, nil
}

// SetIssueSession records the engine session to resume for an issue.
func (s *Store) SetIssueSession(ctx context.Context, issueID int64, sessionID string) error {
	row := IssueSession{IssueID: issueID, SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}

// GetIssueSession returns the recorded session id, empty when none.
func (s *Store) GetIssueSession(ctx context.Context, issueID int64) (string, error) {
	var row IssueSession
	err := s.ctx(ctx).First(&row, "issue_id = ?", issueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.SessionID, nil
}

// ClearIssueSession drops the session mapping for an issue.
func (s *Store) ClearIssueSession(ctx context.Context, issueID int64) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&IssueSession{}, "issue_id = ?", issueID).Error
	})
}
