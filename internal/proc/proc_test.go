package proc

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunSuccess(t *testing.T) {
	res := Run(context.Background(), Command{Command: "echo hello"})

	assert.Empty(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", strings.TrimSpace(res.Stdout))
	assert.False(t, res.Killed)
}

func TestRunNonZeroExit(t *testing.T) {
	res := Run(context.Background(), Command{Command: "exit 3"})

	assert.Empty(t, res.Err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunCapturesStderr(t *testing.T) {
	res := Run(context.Background(), Command{Command: "echo oops 1>&2"})

	assert.Contains(t, res.Stderr, "oops")
}

func TestRunSetupFailure(t *testing.T) {
	res := Run(context.Background(), Command{
		Command:          "echo hi",
		WorkingDirectory: "/definitely/does/not/exist",
	})

	assert.NotEmpty(t, res.Err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep semantics differ on windows")
	}

	start := time.Now()
	res := Run(context.Background(), Command{Command: "sleep 5", TimeoutMs: 200})

	assert.True(t, res.Killed)
	assert.Contains(t, res.KillReason, "timeout")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunTimeoutKillsDescendants(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are POSIX-only")
	}

	// The shell forks a child that inherits the stdout pipe. Signalling only
	// the shell would leave the child holding the pipe for its full sleep.
	start := time.Now()
	res := Run(context.Background(), Command{
		Command:   "(sleep 5; echo late) & wait",
		TimeoutMs: 200,
	})

	assert.True(t, res.Killed)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NotContains(t, res.Stdout, "late")
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	res := Run(context.Background(), Command{Command: "pwd", WorkingDirectory: dir})

	assert.Contains(t, res.Stdout, dir)
}

func TestRunEnv(t *testing.T) {
	res := Run(context.Background(), Command{
		Command: "echo $LOOM_TEST_VAR",
		Env:     map[string]string{"LOOM_TEST_VAR": "wired"},
	})

	assert.Equal(t, "wired", strings.TrimSpace(res.Stdout))
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 5}

	n, err := lw.Write([]byte("1234567890"))
	assert.NoError(t, err)
	assert.Equal(t, 10, n, "writer must report full length to avoid short-write errors")
	assert.Equal(t, "12345", buf.String())

	n, err = lw.Write([]byte("more"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "12345", buf.String())
}
