// Package proc executes shell commands with explicit deadlines and signal
// escalation. Every quality gate and command validation rule runs through
// here: each command is a cancellable child process that receives SIGTERM on
// deadline or cancellation and SIGKILL after a grace period.
package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"loom/internal/logging"
)

// DefaultTimeout applies when a command carries no explicit deadline.
const DefaultTimeout = 60 * time.Second

// killGracePeriod is how long a process gets between SIGTERM and SIGKILL.
const killGracePeriod = 5 * time.Second

// maxOutputBytes caps captured stdout/stderr per stream.
const maxOutputBytes int64 = 1 << 20 // 1 MiB

// Command describes one shell command execution.
type Command struct {
	// Command is passed to "sh -c" so gate configs can use shell syntax.
	Command          string
	WorkingDirectory string
	Env              map[string]string
	TimeoutMs        int64
}

// Result captures the outcome of a command execution.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Killed     bool
	KillReason string
	Err        string
	StartedAt  time.Time
	Duration   time.Duration
}

// Run executes cmd and always returns a Result; a non-zero exit or a timeout
// is data, not an error. Setup failures (bad working directory, missing
// shell) land in Result.Err.
func Run(ctx context.Context, cmd Command) *Result {
	timer := logging.StartTimer(logging.CategoryProc, "command execution")
	defer timer.Stop()

	timeout := DefaultTimeout
	if cmd.TimeoutMs > 0 {
		timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, flag := systemShell()
	c := exec.CommandContext(execCtx, shell, flag, cmd.Command)
	c.Dir = cmd.WorkingDirectory
	c.Env = buildEnv(cmd.Env)

	// The child gets its own process group so deadline signals reach the
	// whole tree, not just the shell. SIGTERM on cancellation, SIGKILL to
	// the group after the grace period.
	setupProcessGroup(c)
	var killTimer *time.Timer
	c.Cancel = func() error {
		killTimer = time.AfterFunc(killGracePeriod, func() { killGroup(c) })
		return terminateGroup(c)
	}
	c.WaitDelay = killGracePeriod

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &limitedWriter{w: &stdoutBuf, max: maxOutputBytes}
	c.Stderr = &limitedWriter{w: &stderrBuf, max: maxOutputBytes}

	result := &Result{ExitCode: -1, StartedAt: time.Now()}
	logging.ProcDebug("run: %s (dir=%s, timeout=%s)", cmd.Command, cmd.WorkingDirectory, timeout)

	err := c.Run()
	if killTimer != nil {
		killTimer.Stop()
	}
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Killed = true
		result.KillReason = "timeout after " + timeout.String()
		logging.Get(logging.CategoryProc).Warn("command killed (timeout %s): %s", timeout, cmd.Command)
	case errors.Is(execCtx.Err(), context.Canceled):
		result.Killed = true
		result.KillReason = "canceled"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			logging.ProcDebug("command exited non-zero: %d", result.ExitCode)
		} else {
			result.Err = err.Error()
			logging.Get(logging.CategoryProc).Error("command failed to start: %v", err)
			return result
		}
	}

	logging.Proc("command done: exit=%d killed=%v duration=%s", result.ExitCode, result.Killed, result.Duration)
	return result
}

func systemShell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter caps total bytes written, silently discarding the overflow.
type limitedWriter struct {
	w       io.Writer
	max     int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		return n, nil
	}
	if remaining := lw.max - lw.written; int64(n) > remaining {
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
