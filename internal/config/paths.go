package config

import "path/filepath"

// Well-known paths under workdirRoot/agent-runner. Every component resolves
// its on-disk location through these helpers so the layout stays in one
// place.

// HomeDir is the runner's own directory under the workdir root.
func (c *Config) HomeDir() string {
	return filepath.Join(c.WorkdirRoot, "agent-runner")
}

// StateDir holds the embedded DB, lock files, and the stop flag.
func (c *Config) StateDir() string {
	return filepath.Join(c.HomeDir(), "state")
}

// DBPath is the sqlite state store file.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir(), "runner.db")
}

// RunnerLockPath is the process-singleton advisory lock.
func (c *Config) RunnerLockPath() string {
	return filepath.Join(c.StateDir(), "runner.lock")
}

// StopFlagPath is touched by `agent-runner stop` and observed by the loop.
func (c *Config) StopFlagPath() string {
	return filepath.Join(c.StateDir(), "runner.stop")
}

// RunnerLogPath is the rotating structured log file.
func (c *Config) RunnerLogPath() string {
	return filepath.Join(c.StateDir(), "runner.log")
}

// LogsDir holds per-run engine logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.HomeDir(), "logs")
}

// ReportsDir holds per-idle-run markdown reports.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.HomeDir(), "reports")
}

// GitCacheDir holds the bare mirrors, one per repo.
func (c *Config) GitCacheDir() string {
	return filepath.Join(c.HomeDir(), "git-cache")
}

// WorkDir holds the per-run worktrees.
func (c *Config) WorkDir() string {
	return filepath.Join(c.HomeDir(), "work")
}

// RepoCloneDir is the canonical local clone of a repo under the workdir root.
func (c *Config) RepoCloneDir(name string) string {
	return filepath.Join(c.WorkdirRoot, name)
}
