package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.BackendURL)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
	assert.True(t, cfg.Scheduler)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeSettings(t, `{"backend_url":"http://gpu-box:8188","log_level":"debug"}`)
	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:8188", cfg.BackendURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
}

func TestLoadConfigSchedulerFalseApplies(t *testing.T) {
	path := writeSettings(t, `{"scheduler":false}`)
	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.False(t, cfg.Scheduler)
}

func TestLoadConfigSchedulerAbsentKeepsDefault(t *testing.T) {
	path := writeSettings(t, `{"backend_url":"http://gpu-box:8188"}`)
	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeSettings(t, `{"backend_url":"http://gpu-box:8188","scheduler":false}`)
	t.Setenv("GRAPHRUN_BACKEND_URL", "http://other:8188")
	t.Setenv("GRAPHRUN_SCHEDULER", "true")
	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "http://other:8188", cfg.BackendURL)
	assert.True(t, cfg.Scheduler)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := writeSettings(t, `{`)
	_, err := loadConfigFrom(path)
	require.Error(t, err)
}
