// Package locks wraps file-based advisory locking for the two shared
// resources that outlive a single process: the runner singleton and the
// per-repo git caches.
package locks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrHeld reports that another live process holds the lock.
type ErrHeld struct {
	Path string
	PID  int
}

func (e *ErrHeld) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock %s held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("lock %s held by another process", e.Path)
}

// IsHeld reports whether err means the lock is held elsewhere.
func IsHeld(err error) bool {
	_, ok := err.(*ErrHeld)
	return ok
}

// Lock is a held advisory file lock.
type Lock struct {
	fl      *flock.Flock
	pidPath string
}

// Release unlocks and removes the pid marker.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if l.pidPath != "" {
		_ = os.Remove(l.pidPath)
	}
	return l.fl.Unlock()
}

// AcquireRunner takes the process-singleton lock at path. The pid of the
// holder is written next to the lock so a stale holder can be named and
// reclaimed after a crash.
func AcquireRunner(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", path, err)
	}
	if !locked {
		return nil, &ErrHeld{Path: path, PID: readPID(pidPath(path))}
	}

	// flock alone already excludes live processes; the pid file exists for
	// diagnostics and for naming a stale holder in --once mode.
	pp := pidPath(path)
	if err := os.WriteFile(pp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return &Lock{fl: fl, pidPath: pp}, nil
}

// HolderPID returns the recorded holder pid for a runner lock, 0 if unknown.
func HolderPID(path string) int {
	return readPID(pidPath(path))
}

// AcquireRepoCache takes the per-repo git-cache lock, blocking up to timeout.
// All worktree operations against one bare cache serialize through this.
func AcquireRepoCache(ctx context.Context, cacheDir, owner, name string, timeout time.Duration) (*Lock, error) {
	path := filepath.Join(cacheDir, strings.ToLower(owner), strings.ToLower(name)+".lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire repo cache lock %s: %w", path, err)
	}
	if !locked {
		return nil, &ErrHeld{Path: path}
	}
	return &Lock{fl: fl}, nil
}

func pidPath(lockPath string) string {
	return lockPath + ".pid"
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// PIDAlive reports whether pid refers to a live process. Signal 0 probes
// existence without delivering anything.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
