package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/metyatech/agent-runner/internal/logging"
)

// Store owns the sqlite state file. Safe for concurrent use; sqlite's
// single-writer model plus WAL gives readers a consistent view while a
// cycle writes.
type Store struct {
	db     *gorm.DB
	logger logging.Logger
}

// Open opens (creating if needed) the state store at path. Use ":memory:"
// in tests.
func Open(path string, logger logging.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate state db: %w", err)
	}

	return &Store{db: db, logger: logging.OrNop(logger)}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ctx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// transaction wraps fn in a write transaction.
func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.ctx(ctx).Transaction(fn)
}

func utc(t time.Time) time.Time { return t.UTC() }
