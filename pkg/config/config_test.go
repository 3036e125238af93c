package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, filepath.Join("storage", "orchestrator.db"), cfg.StorePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.UpdateAgentMetadata)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POSTQODE_LISTEN_ADDR", ":9999")
	t.Setenv("POSTQODE_LOG_LEVEL", "debug")
	t.Setenv("POSTQODE_UPDATE_AGENT_METADATA", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.UpdateAgentMetadata)
}

func TestLoadEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("POSTQODE_EDGE_REGISTRY_URL=http://edge:9000\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("POSTQODE_EDGE_REGISTRY_URL") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "http://edge:9000", cfg.EdgeRegistryURL)
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.env"))
	assert.NoError(t, err)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}
