package state

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metyatech/agent-runner/internal/issues"
)

// PutRunning inserts or replaces the RunningRecord for an issue. The
// single-row-per-issue invariant is the primary key.
func (s *Store) PutRunning(ctx context.Context, rec RunningRecord) error {
	rec.StartedAt = utc(rec.StartedAt)
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	})
}

// GetRunning returns the record for issueID, or nil when absent.
func (s *Store) GetRunning(ctx context.Context, issueID int64) (*RunningRecord, error) {
	var rec RunningRecord
	err := s.ctx(ctx).First(&rec, "issue_id = ?", issueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRunning returns all live run records.
func (s *Store) ListRunning(ctx context.Context) ([]RunningRecord, error) {
	var recs []RunningRecord
	if err := s.ctx(ctx).Order("started_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// FindRunningByWorkPath returns the record whose run owns the worktree at
// path, or nil.
func (s *Store) FindRunningByWorkPath(ctx context.Context, path string) (*RunningRecord, error) {
	var rec RunningRecord
	err := s.ctx(ctx).First(&rec, "work_path = ?", path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRunning removes the record for issueID. Missing rows are fine.
func (s *Store) DeleteRunning(ctx context.Context, issueID int64) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&RunningRecord{}, "issue_id = ?", issueID).Error
	})
}

// CountRunning returns the number of live run records.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int64
	if err := s.ctx(ctx).Model(&RunningRecord{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// PutActivity inserts or replaces an activity row.
func (s *Store) PutActivity(ctx context.Context, rec ActivityRecord) error {
	rec.StartedAt = utc(rec.StartedAt)
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	})
}

// DeleteActivity removes an activity row by id.
func (s *Store) DeleteActivity(ctx context.Context, id string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&ActivityRecord{}, "id = ?", id).Error
	})
}

// DeleteActivityByIssue removes activity rows for an issue run.
func (s *Store) DeleteActivityByIssue(ctx context.Context, issueID int64) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&ActivityRecord{}, "issue_id = ?", issueID).Error
	})
}

// ListActivities returns all in-flight units of work, oldest first.
func (s *Store) ListActivities(ctx context.Context) ([]ActivityRecord, error) {
	var recs []ActivityRecord
	if err := s.ctx(ctx).Order("started_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// PruneActivitiesBefore drops activity rows started before cutoff; crash
// recovery calls this for rows whose pids died.
func (s *Store) PruneActivitiesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("started_at < ?", utc(cutoff)).Delete(&ActivityRecord{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// SaveRepos replaces the cached repo list used while rate-limited.
func (s *Store) SaveRepos(ctx context.Context, refs []issues.RepoRef) error {
	now := time.Now().UTC()
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Repo{}).Error; err != nil {
			return err
		}
		for _, ref := range refs {
			row := Repo{Owner: ref.Owner, Name: ref.Name, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRepos returns the cached repo list.
func (s *Store) ListRepos(ctx context.Context) ([]issues.RepoRef, error) {
	var rows []Repo
	if err := s.ctx(ctx).Order("owner, name").Find(&rows).Error; err != nil {
		return nil, err
	}
	refs := make([]issues.RepoRef, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, row.Ref())
	}
	return refs, nil
}
