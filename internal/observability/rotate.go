package observability

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateConfig bounds the size and age of the runner log file.
type RotateConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// DefaultRotateConfig returns the default rotation policy.
func DefaultRotateConfig() RotateConfig {
	return RotateConfig{
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 28,
	}
}

// NewRotatingWriter returns a size- and age-rotated writer for path.
// The parent directory is created when missing.
func NewRotatingWriter(path string, config RotateConfig) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if config.MaxSizeMB <= 0 {
		config = DefaultRotateConfig()
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   false,
	}, nil
}
