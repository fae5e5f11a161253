package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuk-labs/usagebar/infrastructure/trust"
)

// buildPluginZip packages a minimal signed plugin as an installable archive.
func buildPluginZip(t *testing.T, h *harness, id, version string) string {
	t.Helper()
	entry := []byte(defaultEntry)

	mf := map[string]any{
		"id":         id,
		"name":       "Packaged " + id,
		"version":    version,
		"apiVersion": "1.0",
		"pluginType": "data",
		"dataType":   "usage",
		"entry":      "plugin.js",
		"files": map[string]any{
			"plugin.js": trust.HashFile(entry),
		},
	}
	sig, err := trust.SignManifest(mf, h.keyID, h.priv)
	require.NoError(t, err)
	mf["signature"] = sig
	rawManifest, err := json.Marshal(mf)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range map[string][]byte{
		"manifest.json": rawManifest,
		"plugin.js":     entry,
	} {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), id+"-"+version+".zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestRefreshBlockedFetchSurfacesOnIPC(t *testing.T) {
	h := newHarness(t)
	h.writePlugin(t, "ssrf", `
		module.exports.default = async function() {
			var resp = await fetch("http://127.0.0.1/admin");
			return { percentage: resp.status };
		};
	`, func(mf map[string]any) {
		mf["permissions"] = []any{"network"}
	})
	require.NoError(t, h.m.Init(context.Background()))
	ctx := context.Background()
	require.NoError(t, h.m.Enable(ctx, "ssrf"))

	_, err := h.m.Refresh(ctx, "ssrf")
	require.Error(t, err)
	h.waitEvent(t, "ipc:plugin_error")

	health, err := h.m.Health("ssrf")
	require.NoError(t, err)
	assert.EqualValues(t, 1, health.FailureCount)
}

func TestHealthTransitionsEmitEvents(t *testing.T) {
	h := newHarness(t)
	h.writePlugin(t, "flaky", `
		module.exports.default = function() { throw new PluginError("down", "Upstream"); };
	`, nil)
	require.NoError(t, h.m.Init(context.Background()))
	ctx := context.Background()
	require.NoError(t, h.m.Enable(ctx, "flaky"))

	_, err := h.m.Refresh(ctx, "flaky")
	require.Error(t, err)
	h.waitEvent(t, "ipc:plugin_health_changed")

	health, err := h.m.Health("flaky")
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, health.Status())
}

func TestSemverLess(t *testing.T) {
	assert.True(t, semverLess("1.0.0", "1.0.1"))
	assert.True(t, semverLess("1.9.0", "2.0.0"))
	assert.False(t, semverLess("2.0.0", "1.9.9"))
	assert.False(t, semverLess("1.0.0", "1.0.0"))
	assert.True(t, semverLess("1.0.0-rc.1", "1.0.1"))
}

func TestValidateArtefact(t *testing.T) {
	assert.NoError(t, validateArtefact("usage", map[string]any{"percentage": 10}))
	assert.NoError(t, validateArtefact("usage", map[string]any{"used": 1, "total": 2}))
	assert.Error(t, validateArtefact("usage", map[string]any{"x": 1}))
	assert.NoError(t, validateArtefact("balance", map[string]any{"balance": 4.2}))
	assert.Error(t, validateArtefact("balance", map[string]any{}))
	assert.NoError(t, validateArtefact("status", map[string]any{"status": "operational"}))
	assert.Error(t, validateArtefact("status", map[string]any{}))
	assert.NoError(t, validateArtefact("custom", map[string]any{"anything": true}))
	assert.NoError(t, validateArtefact("", map[string]any{}))
}
