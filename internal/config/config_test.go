package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	ws := t.TempDir()

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.WorkspaceID)
	assert.Equal(t, filepath.Join(ws, ".loom"), cfg.StoreRoot)
	assert.True(t, cfg.SecurityHooks)
	assert.True(t, cfg.AutoCheckpoint)
	assert.Equal(t, 0, cfg.HTTPPort)
}

func TestLoadFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".loom"), 0755))
	content := []byte("workspace_id: ws-custom\nhttp_port: 7777\nsecurity_hooks: false\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".loom", "config.yaml"), content, 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, "ws-custom", cfg.WorkspaceID)
	assert.Equal(t, 7777, cfg.HTTPPort)
	assert.False(t, cfg.SecurityHooks)
}

func TestLoadMalformed(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".loom"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".loom", "config.yaml"), []byte("{{notyaml"), 0644))

	_, err := Load(ws)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("LOOM_WORKSPACE_ID", "ws-env")
	t.Setenv("LOOM_HTTP_PORT", "9999")
	t.Setenv("LOOM_AUTO_CHECKPOINT", "false")

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, "ws-env", cfg.WorkspaceID)
	assert.Equal(t, 9999, cfg.HTTPPort)
	assert.False(t, cfg.AutoCheckpoint)
}

func TestFingerprintStable(t *testing.T) {
	a := FingerprintWorkspace("/tmp/project")
	b := FingerprintWorkspace("/tmp/project")
	c := FingerprintWorkspace("/tmp/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestStorePath(t *testing.T) {
	cfg := &Config{WorkspaceID: "abc", StoreRoot: "/data"}
	assert.Equal(t, "/data/loom-abc.db", cfg.StorePath())
	assert.Equal(t, "/data/archives", cfg.ArchiveDir())
}
