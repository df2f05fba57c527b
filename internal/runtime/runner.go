// Package runtime spawns engine child processes, pumps their output to
// per-run log files, and classifies the outcome. Children run in their own
// process group so the whole tree can be stopped together.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
)

// Spec describes one child run.
type Spec struct {
	Engine          engine.Engine
	Prompt          string
	ResumeSessionID string
	WorkDir         string
	// LogName is the log file stem, e.g. "owner--repo-issue-12". The
	// runner appends the epoch and extension.
	LogName string
	Timeout time.Duration
}

// Runner executes engine invocations.
type Runner struct {
	logsDir string
	logger  logging.Logger
	now     func() time.Time
}

// NewRunner builds a Runner writing logs under logsDir.
func NewRunner(logsDir string, logger logging.Logger) *Runner {
	return &Runner{logsDir: logsDir, logger: logging.OrNop(logger), now: time.Now}
}

// IssueLogName is the log stem for an issue run.
func IssueLogName(repo issues.RepoRef, number int) string {
	return fmt.Sprintf("%s--%s-issue-%d", strings.ToLower(repo.Owner), strings.ToLower(repo.Name), number)
}

// IdleLogName is the log stem for an idle run.
func IdleLogName(repo issues.RepoRef) string {
	return fmt.Sprintf("%s--%s-idle", strings.ToLower(repo.Owner), strings.ToLower(repo.Name))
}

// Execution is a started child. Wait blocks until it exits and returns the
// classified result; PID is valid immediately after Start.
type Execution struct {
	pid     int
	logPath string

	cmd      *exec.Cmd
	logFile  *os.File
	pgid     int
	spec     Spec
	runner   *Runner
	done     chan struct{}
	waitErr  error
	canceled atomic.Bool
}

// Start launches the child for spec. The caller must Wait (or Stop then
// Wait) on the returned Execution.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Execution, error) {
	if spec.Engine == nil {
		return nil, fmt.Errorf("runtime: spec has no engine")
	}
	inv := spec.Engine.BuildInvocation(spec.Prompt, spec.ResumeSessionID)

	if err := os.MkdirAll(r.logsDir, 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(r.logsDir, fmt.Sprintf("%s-%d.log", spec.LogName, r.now().Unix()))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(inv.Command, inv.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(inv.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range inv.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdin io.WriteCloser
	if inv.Stdin != "" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", inv.Command, err)
	}

	ex := &Execution{
		pid:     cmd.Process.Pid,
		logPath: logPath,
		cmd:     cmd,
		logFile: logFile,
		spec:    spec,
		runner:  r,
		done:    make(chan struct{}),
	}
	ex.pgid, _ = syscall.Getpgid(cmd.Process.Pid)

	if stdin != nil {
		go func() {
			_, _ = io.WriteString(stdin, inv.Stdin)
			_ = stdin.Close()
		}()
	}

	go func() {
		ex.waitErr = cmd.Wait()
		close(ex.done)
	}()

	timeout := spec.Timeout
	go func() {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-ex.done:
		case <-ctx.Done():
			ex.canceled.Store(true)
			ex.Stop()
		case <-timer:
			ex.canceled.Store(true)
			r.logger.Warn("run %s exceeded timeout %s, killing", spec.LogName, timeout)
			ex.Stop()
		}
	}()

	r.logger.Info("started %s pid=%d log=%s resume=%v",
		spec.Engine.Kind(), ex.pid, logPath, spec.ResumeSessionID != "")
	return ex, nil
}

// PID is the child's process id.
func (e *Execution) PID() int { return e.pid }

// LogPath is the per-run log file.
func (e *Execution) LogPath() string { return e.logPath }

// Stop terminates the child's whole process group, escalating to SIGKILL.
func (e *Execution) Stop() {
	pgid := e.pgid
	if pgid == 0 {
		pgid = e.pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Wait blocks until the child exits and returns the classified result.
func (e *Execution) Wait() *Result {
	<-e.done
	_ = e.logFile.Close()

	exitCode := 0
	if e.waitErr != nil {
		exitCode = -1
		if ee, ok := e.waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	logText := ""
	if data, err := os.ReadFile(e.logPath); err == nil {
		logText = string(data)
	} else {
		e.runner.logger.Warn("read run log %s: %v", e.logPath, err)
	}

	res := Classify(e.spec.Engine, exitCode, logText, e.runner.now())
	res.LogPath = e.logPath
	res.PID = e.pid
	if e.canceled.Load() && res.Kind == KindSuccess {
		res.Kind = KindExecutionError
		res.Detail = "run canceled before completion"
	}
	return res
}

// Run is Start followed by Wait.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	ex, err := r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return ex.Wait(), nil
}
