package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
)

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func testConfig(t *testing.T) *config.Config {
	defaults := config.DefaultConfig()
	cfg := &defaults
	cfg.WorkdirRoot = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.LogsDir(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.ReportsDir(), 0o755))
	return cfg
}

func TestPruneLogsByAge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.LogRetentionDays = 7
	cfg.Maintenance.LogMaxCount = 0

	old := writeAged(t, cfg.LogsDir(), "stale.log", 10*24*time.Hour)
	fresh := writeAged(t, cfg.LogsDir(), "fresh.log", time.Hour)
	other := writeAged(t, cfg.LogsDir(), "keep.txt", 10*24*time.Hour)

	report, err := NewPruner(nil).PruneLogs(cfg, false)
	require.NoError(t, err)
	require.Len(t, report.Pruned, 1)
	assert.Equal(t, old, report.Pruned[0].Path)
	assert.Equal(t, 1, report.Kept)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other, "non-log files are never touched")
}

func TestPruneLogsByCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.LogRetentionDays = 0
	cfg.Maintenance.LogMaxCount = 2

	oldest := writeAged(t, cfg.LogsDir(), "a.log", 3*time.Hour)
	writeAged(t, cfg.LogsDir(), "b.log", 2*time.Hour)
	writeAged(t, cfg.LogsDir(), "c.log", time.Hour)

	report, err := NewPruner(nil).PruneLogs(cfg, false)
	require.NoError(t, err)
	require.Len(t, report.Pruned, 1)
	assert.Equal(t, oldest, report.Pruned[0].Path)
	assert.Equal(t, 2, report.Kept)
}

func TestDryRunDeletesNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.ReportRetentionDays = 1

	old := writeAged(t, cfg.ReportsDir(), "stale.md", 48*time.Hour)

	report, err := NewPruner(nil).PruneReports(cfg, true)
	require.NoError(t, err)
	require.Len(t, report.Pruned, 1)
	assert.FileExists(t, old)
	assert.Positive(t, report.Bytes())
}

func TestMissingDirIsEmpty(t *testing.T) {
	defaults := config.DefaultConfig()
	cfg := &defaults
	cfg.WorkdirRoot = filepath.Join(t.TempDir(), "nope")

	report, err := NewPruner(nil).PruneLogs(cfg, false)
	require.NoError(t, err)
	assert.Empty(t, report.Pruned)
}
