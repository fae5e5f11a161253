package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:48620", cfg.IPCAddr)
	assert.True(t, cfg.Lifecycle.RequireSignatures)
	assert.Equal(t, 512, cfg.CacheCapacity)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usagebar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
lifecycle:
  plugins_dir: /opt/usagebar/plugins
  refresh_spec: "@every 1m"
ipc_addr: "127.0.0.1:50000"
cache_capacity: 128
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/opt/usagebar/plugins", cfg.Lifecycle.PluginsDir)
	assert.Equal(t, "@every 1m", cfg.Lifecycle.RefreshSpec)
	assert.Equal(t, "127.0.0.1:50000", cfg.IPCAddr)
	assert.Equal(t, 128, cfg.CacheCapacity)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usagebar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ipc_addr: \"127.0.0.1:50000\"\n"), 0644))

	t.Setenv("IPC_ADDR", "127.0.0.1:60000")
	t.Setenv("PLUGINS_DIR", "/env/plugins")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:60000", cfg.IPCAddr)
	assert.Equal(t, "/env/plugins", cfg.Lifecycle.PluginsDir)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: ["), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
