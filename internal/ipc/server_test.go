package ipc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/infrastructure/trust"
	"github.com/cuk-labs/usagebar/internal/host/bus"
	"github.com/cuk-labs/usagebar/internal/host/lifecycle"
	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/internal/host/ratelimit"
	"github.com/cuk-labs/usagebar/internal/host/resultcache"
	"github.com/cuk-labs/usagebar/internal/host/retry"
	"github.com/cuk-labs/usagebar/internal/host/sandbox"
	"github.com/cuk-labs/usagebar/internal/host/scheduler"
	"github.com/cuk-labs/usagebar/internal/host/timerreg"
	"github.com/cuk-labs/usagebar/pkg/logger"
)

type fixture struct {
	server  *Server
	manager *lifecycle.Manager
	bus     *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()

	keyring := trust.NewKeyring()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, keyring.Import("test-vendor", pub))

	base := t.TempDir()
	pluginsDir := filepath.Join(base, "plugins")
	require.NoError(t, os.MkdirAll(pluginsDir, 0755))
	writeSignedPlugin(t, pluginsDir, "demo-usage", priv)

	checker := permission.NewChecker()
	eventBus := bus.New(bus.DefaultConfig(), log, nil)
	retrier, err := retry.New(retry.DefaultConfig())
	require.NoError(t, err)

	manager := lifecycle.NewManager(lifecycle.Config{
		PluginsDir:        pluginsDir,
		DataDir:           filepath.Join(base, "data"),
		RequireSignatures: true,
	}, lifecycle.Deps{
		Log:     log,
		Keyring: keyring,
		Runtime: sandbox.NewRuntime(sandbox.DefaultConfig(), log, nil),
		Fetch:   securefetch.New(securefetch.DefaultConfig(), log, nil),
		Timers:  timerreg.New(log),
		Bus:     eventBus,
		Router:  bus.NewRouter(checker, log),
		Checker: checker,
		Limiter: ratelimit.New(ratelimit.DefaultConfig(), log),
		Retrier: retrier,
		Cache:   resultcache.New(64, nil),
		Sched:   scheduler.New(scheduler.DefaultConfig(), log, nil),
	})
	require.NoError(t, manager.Init(context.Background()))
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	server := New(Config{Addr: "127.0.0.1:0"}, manager, eventBus, log)
	return &fixture{server: server, manager: manager, bus: eventBus}
}

func writeSignedPlugin(t *testing.T, pluginsDir, id string, priv ed25519.PrivateKey) {
	t.Helper()
	root := filepath.Join(pluginsDir, id)
	require.NoError(t, os.MkdirAll(root, 0755))
	entry := []byte(`module.exports.default = function() { return { percentage: 7 }; };`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "plugin.js"), entry, 0644))

	mf := map[string]any{
		"id":         id,
		"name":       "Demo",
		"version":    "1.0.0",
		"apiVersion": "1.0",
		"pluginType": "data",
		"dataType":   "usage",
		"entry":      "plugin.js",
		"files":      map[string]any{"plugin.js": trust.HashFile(entry)},
	}
	sig, err := trust.SignManifest(mf, "test-vendor", priv)
	require.NoError(t, err)
	mf["signature"] = sig
	raw, err := json.Marshal(mf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), raw, 0644))
}

func (f *fixture) command(t *testing.T, name string, payload any) Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(http.MethodPost, "/api/command/"+name, &body)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPluginListCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.command(t, "plugin_list", nil)
	require.True(t, resp.Success)

	raw, _ := json.Marshal(resp.Data)
	assert.Contains(t, string(raw), "demo-usage")
}

func TestEnableRefreshDataFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.command(t, "plugin_enable", map[string]any{"id": "demo-usage"})
	require.True(t, resp.Success, "%+v", resp.Error)

	resp = f.command(t, "refresh_plugin", map[string]any{"id": "demo-usage"})
	require.True(t, resp.Success, "%+v", resp.Error)

	resp = f.command(t, "get_plugin_data", map[string]any{"id": "demo-usage"})
	require.True(t, resp.Success)
	raw, _ := json.Marshal(resp.Data)
	assert.Contains(t, string(raw), "percentage")

	resp = f.command(t, "get_all_data", nil)
	require.True(t, resp.Success)

	resp = f.command(t, "get_plugin_health", map[string]any{"id": "demo-usage"})
	require.True(t, resp.Success)

	resp = f.command(t, "get_all_health", nil)
	require.True(t, resp.Success)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.command(t, "make_coffee", nil)
	require.False(t, resp.Success)
	assert.Equal(t, "UnsupportedApi", resp.Error.Code)
}

func TestCommandErrorCarriesCode(t *testing.T) {
	f := newFixture(t)
	resp := f.command(t, "plugin_enable", map[string]any{"id": "ghost"})
	require.False(t, resp.Success)
	assert.Equal(t, "NotFound", resp.Error.Code)
}

func TestConfigCommands(t *testing.T) {
	f := newFixture(t)
	resp := f.command(t, "get_plugin_config", map[string]any{"id": "demo-usage"})
	require.True(t, resp.Success)

	resp = f.command(t, "validate_plugin_config", map[string]any{"id": "demo-usage", "config": map[string]any{}})
	require.True(t, resp.Success)

	resp = f.command(t, "set_plugin_config", map[string]any{"id": "demo-usage", "config": map[string]any{}})
	require.True(t, resp.Success)
}

func TestWebsocketReceivesIPCEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a beat to register the client.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.bus.EmitIPC(context.Background(), "plugin_data_updated", map[string]any{"id": "demo-usage"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ipc:plugin_data_updated", ev.Topic)
	assert.Equal(t, "demo-usage", ev.Data["id"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
