package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFilesFallBackToDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5173", cfg.Host)
	assert.Equal(t, 512, cfg.Chunk.TargetTokens)
	assert.Greater(t, cfg.Workers, 0) // resolved from numCPU() when unset
}

func TestLoad_UserFileOverridesDefaultsButLeavesOtherKeysAlone(t *testing.T) {
	dir := t.TempDir()
	userPath := writeFile(t, dir, "user.yaml", "host: 0.0.0.0:9000\n")

	cfg, err := Load(userPath, "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Host)
	assert.Equal(t, 512, cfg.Chunk.TargetTokens) // untouched by the user file
}

func TestLoad_ProjectFileOverridesUserFile(t *testing.T) {
	dir := t.TempDir()
	userPath := writeFile(t, dir, "user.yaml", "host: 0.0.0.0:9000\nworkers: 2\n")
	projectPath := writeFile(t, dir, "project.yaml", "host: 127.0.0.1:1234\n")

	cfg, err := Load(userPath, projectPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Host) // project wins
	assert.Equal(t, 2, cfg.Workers)             // user layer still applies where project is silent
}

func TestLoad_MalformedFileIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.yaml", "host: [unterminated\n")

	_, err := Load(path, "")
	require.Error(t, err)
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	userPath := writeFile(t, dir, "user.yaml", "host: 0.0.0.0:9000\n")

	t.Setenv("CTXC_DB_PATH", filepath.Join(dir, "env.db"))
	t.Setenv("CTXC_HOST", "10.0.0.1:8080")
	t.Setenv("CTXC_WORKERS", "4")

	cfg, err := Load(userPath, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "env.db"), cfg.DBPath)
	assert.Equal(t, "10.0.0.1:8080", cfg.Host)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoad_InvalidWorkersEnvIsIgnored(t *testing.T) {
	t.Setenv("CTXC_WORKERS", "not-a-number")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Greater(t, cfg.Workers, 0) // falls back to numCPU(), not left at 0 or garbage
}

func TestDefaultUserConfigPath_EndsInExpectedLocation(t *testing.T) {
	path := DefaultUserConfigPath()
	assert.True(t, filepath.Base(path) == "config.yaml")
	assert.Contains(t, path, filepath.Join(".config", "context-cache"))
}

func TestSoftDeleteTTLDuration_ParsesConfiguredValue(t *testing.T) {
	cfg := defaults()
	cfg.Search.SoftDeleteTTL = "48h"
	assert.Equal(t, 48*60*60*1e9, float64(cfg.SoftDeleteTTLDuration()))
}

func TestSoftDeleteTTLDuration_FallsBackOnUnparsableValue(t *testing.T) {
	cfg := defaults()
	cfg.Search.SoftDeleteTTL = "garbage"
	assert.Equal(t, 30*24*60*60*1e9, float64(cfg.SoftDeleteTTLDuration()))
}
