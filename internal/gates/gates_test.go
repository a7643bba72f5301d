package gates

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/types"
)

func writeGateConfig(t *testing.T, root string, cfg Config) {
	t.Helper()
	dir := filepath.Join(root, ".claude")
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quality-gates.json"), data, 0644))
}

func TestLoadConfig(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	t.Run("missing file yields empty config", func(t *testing.T) {
		cfg, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, cfg.DefaultGates)
		assert.Empty(t, cfg.Gates)
	})

	t.Run("malformed is a config error", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".claude"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, ConfigRelPath), []byte("{nope"), 0644))

		_, err := LoadConfig(root)
		var ce *types.ConfigError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("cached until cleared", func(t *testing.T) {
		root := t.TempDir()
		writeGateConfig(t, root, Config{Version: "1.0", DefaultGates: []string{"a"},
			Gates: map[string]GateSpec{"a": {Command: "exit 0"}}})

		cfg, err := LoadConfig(root)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, cfg.DefaultGates)

		// Rewrite the file; the cache still serves the old view.
		writeGateConfig(t, root, Config{Version: "2.0"})
		cfg, err = LoadConfig(root)
		require.NoError(t, err)
		assert.Equal(t, "1.0", cfg.Version)

		ClearCache()
		cfg, err = LoadConfig(root)
		require.NoError(t, err)
		assert.Equal(t, "2.0", cfg.Version)
	})
}

func TestEffectiveGates(t *testing.T) {
	cfg := &Config{DefaultGates: []string{"tests", "lint"}}

	t.Run("defaults when unset", func(t *testing.T) {
		task := &types.Task{}
		assert.Equal(t, []string{"tests", "lint"}, EffectiveGates(task, cfg))
	})

	t.Run("override", func(t *testing.T) {
		task := &types.Task{Metadata: types.Metadata{"qualityGates": []string{"build"}}}
		assert.Equal(t, []string{"build"}, EffectiveGates(task, cfg))
	})

	t.Run("explicit empty disables", func(t *testing.T) {
		task := &types.Task{Metadata: types.Metadata{"qualityGates": []interface{}{}}}
		assert.Empty(t, EffectiveGates(task, cfg))
	})
}

func TestResolveWorkingDir(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "web", "src")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "web", "package.json"), []byte("{}"), 0644))

	t.Run("explicit directory wins", func(t *testing.T) {
		got := resolveWorkingDir(GateSpec{Command: "npm test", WorkingDirectory: "web"}, &types.Task{}, root)
		assert.Equal(t, filepath.Join(root, "web"), got)
	})

	t.Run("npm walks up to package.json", func(t *testing.T) {
		task := &types.Task{Metadata: types.Metadata{"files": []string{"web/src/app.ts"}}}
		got := resolveWorkingDir(GateSpec{Command: "npm test"}, task, root)
		assert.Equal(t, filepath.Join(root, "web"), got)
	})

	t.Run("non-npm uses first file directory", func(t *testing.T) {
		task := &types.Task{Metadata: types.Metadata{"files": []string{"web/src/app.ts"}}}
		got := resolveWorkingDir(GateSpec{Command: "go vet"}, task, root)
		assert.Equal(t, sub, got)
	})

	t.Run("no files falls back to root", func(t *testing.T) {
		got := resolveWorkingDir(GateSpec{Command: "go vet"}, &types.Task{}, root)
		assert.Equal(t, root, got)
	})
}

func TestRun(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	root := t.TempDir()
	one := 1
	writeGateConfig(t, root, Config{
		Version:      "1.0",
		DefaultGates: []string{"pass", "fail"},
		Gates: map[string]GateSpec{
			"pass":     {Command: "exit 0"},
			"fail":     {Command: "exit 1"},
			"expected": {Command: "exit 1", ExpectedExitCode: &one},
			"slow":     {Command: "sleep 5", TimeoutMs: 100},
		},
	})

	task := &types.Task{ID: "TASK-g", Title: "gated"}
	ctx := context.Background()

	t.Run("mixed results", func(t *testing.T) {
		report, err := Run(ctx, task, []string{"pass", "fail"}, root)
		require.NoError(t, err)
		assert.False(t, report.AllPassed)
		assert.Equal(t, 2, report.TotalGates)
		assert.Equal(t, 1, report.PassedGates)
		assert.Equal(t, 1, report.FailedGates)

		assert.Equal(t, "Quality gates failed: fail. 1 of 2 gates failed.", report.BlockedReason())
		assert.Contains(t, report.FailureNotes(), "[gate fail]")
	})

	t.Run("expected exit code", func(t *testing.T) {
		report, err := Run(ctx, task, []string{"expected"}, root)
		require.NoError(t, err)
		assert.True(t, report.AllPassed)
	})

	t.Run("timeout reported failing", func(t *testing.T) {
		report, err := Run(ctx, task, []string{"slow"}, root)
		require.NoError(t, err)
		assert.False(t, report.AllPassed)
		assert.Contains(t, report.Results[0].Message, "killed")
	})

	t.Run("undefined gate is a hard error", func(t *testing.T) {
		_, err := Run(ctx, task, []string{"ghost"}, root)
		var ve *types.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("empty gate list passes vacuously", func(t *testing.T) {
		report, err := Run(ctx, task, nil, root)
		require.NoError(t, err)
		assert.True(t, report.AllPassed)
		assert.Zero(t, report.TotalGates)
	})
}
