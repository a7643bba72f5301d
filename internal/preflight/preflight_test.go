package preflight

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMinimal(t *testing.T) {
	report := Run(context.Background(), Options{ProjectRoot: t.TempDir()})

	require.Contains(t, report.Checks, "progress")
	require.Contains(t, report.Checks, "git")
	assert.NotContains(t, report.Checks, "devServer")
	assert.NotContains(t, report.Checks, "tests")

	// No progress payload warns but does not fail.
	assert.Equal(t, StatusWarn, report.Checks["progress"].Status)
	assert.False(t, report.Timestamp.IsZero())
}

func TestCheckProgressWithPayload(t *testing.T) {
	report := Run(context.Background(), Options{
		ProjectRoot: t.TempDir(),
		Progress:    map[string]interface{}{"totalTasks": 4},
	})
	assert.Equal(t, StatusOK, report.Checks["progress"].Status)
}

func TestCheckGitOutsideRepo(t *testing.T) {
	report := Run(context.Background(), Options{ProjectRoot: t.TempDir()})
	git := report.Checks["git"]
	// Either git is missing (fail) or the temp dir is not a repo (warn).
	assert.Contains(t, []string{StatusWarn, StatusFail}, git.Status)
}

func TestCheckDevServer(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		port := ln.Addr().(*net.TCPAddr).Port

		report := Run(context.Background(), Options{ProjectRoot: t.TempDir(), DevServerPort: port})
		assert.Equal(t, StatusOK, report.Checks["devServer"].Status)
	})

	t.Run("unreachable fails and recommends", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		report := Run(context.Background(), Options{ProjectRoot: t.TempDir(), DevServerPort: port})
		assert.Equal(t, StatusFail, report.Checks["devServer"].Status)
		assert.False(t, report.Healthy)
		assert.NotEmpty(t, report.Recommendations)
	})
}

func TestCheckTests(t *testing.T) {
	t.Run("passing baseline parsed", func(t *testing.T) {
		report := Run(context.Background(), Options{
			ProjectRoot: t.TempDir(),
			TestCommand: `echo "12 passed, 0 failed"`,
		})
		tests := report.Checks["tests"]
		assert.Equal(t, StatusOK, tests.Status)
		assert.Equal(t, 12, tests.Detail["passed"])
	})

	t.Run("failing baseline fails the report", func(t *testing.T) {
		report := Run(context.Background(), Options{
			ProjectRoot: t.TempDir(),
			TestCommand: `sh -c 'echo "3 failed"; exit 1'`,
		})
		tests := report.Checks["tests"]
		assert.Equal(t, StatusFail, tests.Status)
		assert.False(t, report.Healthy)
		assert.Equal(t, 3, tests.Detail["failed"])
	})
}
