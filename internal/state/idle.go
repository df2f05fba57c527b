package state

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metyatech/agent-runner/internal/issues"
)

// IdleHistoryFor returns the history row for repo, zero-valued when the repo
// has never run an idle task.
func (s *Store) IdleHistoryFor(ctx context.Context, repo issues.RepoRef) (IdleHistory, error) {
	var row IdleHistory
	err := s.ctx(ctx).First(&row, "repo_key = ?", repo.Key()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return IdleHistory{RepoKey: repo.Key(), Owner: repo.Owner, Name: repo.Name}, nil
	}
	if err != nil {
		return IdleHistory{}, err
	}
	return row, nil
}

// ListIdleHistories returns all idle history rows.
func (s *Store) ListIdleHistories(ctx context.Context) ([]IdleHistory, error) {
	var rows []IdleHistory
	if err := s.ctx(ctx).Order("last_idle_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TouchIdle stamps lastIdleAt and advances the task cursor for repo.
func (s *Store) TouchIdle(ctx context.Context, repo issues.RepoRef, at time.Time, nextCursor int) error {
	row := IdleHistory{
		RepoKey:    repo.Key(),
		Owner:      repo.Owner,
		Name:       repo.Name,
		LastIdleAt: utc(at),
		TaskCursor: nextCursor,
	}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}

// GetCursor returns the named cursor instant, zero when unset.
func (s *Store) GetCursor(ctx context.Context, key string) (time.Time, error) {
	var row Cursor
	err := s.ctx(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return row.At, nil
}

// SetCursor stores the named cursor instant.
func (s *Store) SetCursor(ctx context.Context, key string, at time.Time) error {
	row := Cursor{Key: key, At: utc(at), UpdatedAt: time.Now().UTC()}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}

// IncrementAmazonQUsage bumps and returns the dispatch count for the UTC day
// containing now.
func (s *Store) IncrementAmazonQUsage(ctx context.Context, now time.Time) (int, error) {
	day := utc(now).Format("2006-01-02")
	var count int
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var row AmazonQUsage
		err := tx.First(&row, "day = ?", day).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = AmazonQUsage{Day: day}
		} else if err != nil {
			return err
		}
		row.Count++
		row.UpdatedAt = time.Now().UTC()
		count = row.Count
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	return count, err
}

// AmazonQUsageFor returns the dispatch count for the UTC day containing now.
func (s *Store) AmazonQUsageFor(ctx context.Context, now time.Time) (int, error) {
	var row AmazonQUsage
	err := s.ctx(ctx).First(&row, "day = ?", utc(now).Format("2006-01-02")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Count, nil
}

// LastGeminiWarmup returns the last warm-up attempt for model, zero when
// never attempted.
func (s *Store) LastGeminiWarmup(ctx context.Context, model string) (time.Time, error) {
	var row GeminiWarmup
	err := s.ctx(ctx).First(&row, "model = ?", model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return row.LastAttemptAt, nil
}

// RecordGeminiWarmup stamps the warm-up attempt for model.
func (s *Store) RecordGeminiWarmup(ctx context.Context, model string, at time.Time) error {
	row := GeminiWarmup{Model: model, LastAttemptAt: utc(at)}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}
