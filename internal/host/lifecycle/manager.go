// Package lifecycle owns every PluginInstance and drives all state
// transitions: discovery, verification, enable/disable, two-phase reload,
// install/update/rollback, and uninstall. Other components expose narrow
// release operations (cancel_all_for, unsubscribe_only, invalidate_plugin)
// that this manager invokes during transitions; nothing else mutates plugin
// state.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/cuk-labs/usagebar/infrastructure/archive"
	"github.com/cuk-labs/usagebar/infrastructure/pluginfs"
	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/infrastructure/trust"
	"github.com/cuk-labs/usagebar/internal/host/bus"
	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/internal/host/manifest"
	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/internal/host/ratelimit"
	"github.com/cuk-labs/usagebar/internal/host/resultcache"
	"github.com/cuk-labs/usagebar/internal/host/retry"
	"github.com/cuk-labs/usagebar/internal/host/sandbox"
	"github.com/cuk-labs/usagebar/internal/host/scheduler"
	"github.com/cuk-labs/usagebar/internal/host/timerreg"
	"github.com/cuk-labs/usagebar/pkg/logger"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

// Config holds lifecycle manager settings.
type Config struct {
	PluginsDir string `yaml:"plugins_dir" env:"PLUGINS_DIR"`
	DataDir    string `yaml:"data_dir" env:"DATA_DIR"`
	// RequireSignatures rejects unsigned plugins. Disabled only for local
	// plugin development.
	RequireSignatures bool `yaml:"require_signatures" env:"REQUIRE_SIGNATURES"`
	// RefreshSpec is the cron spec driving periodic refresh-all sweeps.
	RefreshSpec string `yaml:"refresh_spec" env:"REFRESH_SPEC"`
	// MarketplaceURL serves the update registry document.
	MarketplaceURL string `yaml:"marketplace_url" env:"MARKETPLACE_URL"`
	// WatchPlugins enables the fsnotify directory watcher.
	WatchPlugins bool `yaml:"watch_plugins" env:"WATCH_PLUGINS"`
}

// DefaultConfig returns development-friendly defaults.
func DefaultConfig() Config {
	return Config{
		PluginsDir:        "plugins",
		DataDir:           "data",
		RequireSignatures: true,
		RefreshSpec:       "@every 5m",
	}
}

// Deps bundles the components the manager composes. Everything is passed
// explicitly; the manager owns instances, not components.
type Deps struct {
	Log     *logger.Logger
	Metrics *metrics.Metrics
	Keyring *trust.Keyring
	Runtime *sandbox.Runtime
	Fetch   *securefetch.Client
	Timers  *timerreg.Registry
	Bus     *bus.Bus
	Router  *bus.Router
	Checker *permission.Checker
	Limiter *ratelimit.Limiter
	Retrier *retry.Executor
	Cache   *resultcache.Cache
	Sched   *scheduler.Scheduler
	Cron    *scheduler.RefreshCron
}

// Manager is the lifecycle manager.
type Manager struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu      sync.RWMutex
	plugins map[string]*Instance

	storages map[string]*pluginStorage

	watcher *watcher

	initOnce sync.Once
	initErr  error
}

// NewManager wires a manager. Init must be called before use.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = DefaultConfig().PluginsDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig().DataDir
	}
	if deps.Log == nil {
		deps.Log = logger.NewDefault("lifecycle")
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log,
		plugins:  make(map[string]*Instance),
		storages: make(map[string]*pluginStorage),
	}
}

// Init discovers plugins and starts the dispatchers exactly once.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.deps.Router.Start()
		m.deps.Sched.Start()

		if err := m.DiscoverAndLoad(ctx, m.cfg.PluginsDir); err != nil {
			m.initErr = err
			return
		}

		if m.cfg.RefreshSpec != "" && m.deps.Cron != nil {
			if err := m.deps.Cron.Start(m.cfg.RefreshSpec, func() {
				m.RefreshAll(context.Background())
			}); err != nil {
				m.initErr = fmt.Errorf("start refresh schedule: %w", err)
				return
			}
		}
		if m.cfg.WatchPlugins {
			w, err := newWatcher(m, m.cfg.PluginsDir)
			if err != nil {
				m.log.WithError(err).Warn("plugin directory watcher unavailable")
			} else {
				m.watcher = w
			}
		}

		_ = m.deps.Bus.EmitIPC(ctx, "plugins_ready", map[string]any{"count": len(m.List())})
	})
	return m.initErr
}

// Shutdown stops dispatchers and drains state.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.watcher != nil {
		m.watcher.stop()
	}
	if m.deps.Cron != nil {
		m.deps.Cron.Stop()
	}
	m.deps.Sched.Stop()
	m.deps.Router.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.plugins {
		if inst.isEnabled() {
			m.teardownEnabled(id, inst)
		}
	}
}

// DiscoverAndLoad enumerates plugin subdirectories and loads each manifest.
// A plugin that fails verification stays in the map, disabled, with its
// error persisted; it never takes the host down.
func (m *Manager) DiscoverAndLoad(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0755)
		}
		return fmt.Errorf("read plugins dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || isVersionDir(entry.Name()) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		root := filepath.Join(dir, entry.Name())
		if err := m.loadDirectory(ctx, root); err != nil {
			m.log.WithField("dir", root).WithError(err).Warn("plugin failed to load")
		}
	}

	if m.deps.Metrics != nil {
		m.deps.Metrics.PluginsLoaded.Set(float64(len(m.List())))
	}
	return nil
}

// isVersionDir filters the keep-N rollback siblings ("<id>.v1", ...).
func isVersionDir(name string) bool {
	for n := 1; n <= archive.KeepVersions; n++ {
		if filepath.Ext(name) == fmt.Sprintf(".v%d", n) {
			return true
		}
	}
	return false
}

// loadDirectory validates one plugin directory and registers the instance.
func (m *Manager) loadDirectory(ctx context.Context, root string) error {
	raw, err := pluginfs.ReadFile(root, "manifest.json")
	if err != nil {
		return hosterr.Wrap(hosterr.CodeManifestParse, err, "read manifest")
	}

	// A cheap id peek so even a manifest that fails full validation is
	// attributable in logs and the disabled-with-error instance map.
	peekID := gjson.GetBytes(raw, "id").String()

	mf, _, grants, schema, err := m.validateManifest(raw, root)
	if err != nil {
		if peekID != "" {
			m.recordLoadFailure(peekID, root, err)
		}
		return err
	}

	inst := &Instance{
		manifest: mf,
		root:     root,
		config:   map[string]any{},
		schema:   schema,
		grants:   grants,
	}

	if persisted, perr := m.readPersistedConfig(mf.ID); perr == nil && persisted != nil {
		if schema.Validate(persisted) == nil {
			inst.config = schema.ApplyDefaults(persisted)
		}
	} else {
		inst.config = schema.ApplyDefaults(nil)
	}

	m.mu.Lock()
	m.plugins[mf.ID] = inst
	m.mu.Unlock()

	m.registerPlugin(inst)
	m.log.WithPlugin(mf.ID).WithField("version", mf.Version).Info("plugin loaded")
	return nil
}

// validateManifest runs the parse → signature → integrity → permission →
// schema pipeline and returns everything load needs.
func (m *Manager) validateManifest(raw []byte, root string) (*manifest.Manifest, map[string]any, []permission.Grant, *manifest.CompiledSchema, error) {
	mf, asMap, err := manifest.Parse(raw)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if err := m.deps.Keyring.VerifyManifest(asMap); err != nil {
		if err == trust.ErrMissingSignature && !m.cfg.RequireSignatures {
			m.log.WithPlugin(mf.ID).Warn("unsigned plugin accepted (signatures not required)")
		} else {
			return nil, nil, nil, nil, hosterr.Wrap(signatureCode(err), err, "verify signature")
		}
	}

	if err := trust.VerifyFiles(root, mf.Files); err != nil {
		return nil, nil, nil, nil, hosterr.Wrap(hosterr.CodeIntegrityMismatch, err, "verify files")
	}

	grants, err := permission.ParseAll(mf.Permissions)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	schema, err := manifest.CompileSchema(mf.ConfigSchema)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return mf, asMap, grants, schema, nil
}

func signatureCode(err error) hosterr.Code {
	switch err {
	case trust.ErrMissingSignature:
		return hosterr.CodeMissingSignature
	case trust.ErrUnknownKeyID:
		return hosterr.CodeUnknownKeyID
	case trust.ErrBadSignature:
		return hosterr.CodeBadSignature
	}
	return hosterr.CodeSignatureUntrusted
}

// recordLoadFailure keeps a corrupt plugin visible and disabled.
func (m *Manager) recordLoadFailure(id, root string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[id]; exists {
		return
	}
	m.plugins[id] = &Instance{
		manifest:  &manifest.Manifest{ID: id, Name: id},
		root:      root,
		loadError: cause.Error(),
	}
}

// registerPlugin installs the shared registrations for a loaded plugin:
// permissions, exposed methods, subscriptions, and the bus handler slot.
// The handler resolves the live instance at dispatch time, so it survives
// reloads without re-registration.
func (m *Manager) registerPlugin(inst *Instance) {
	id := inst.manifest.ID
	m.deps.Checker.Register(id, inst.grants)
	m.deps.Router.RegisterMethods(id, inst.manifest.ExposedMethods)
	m.deps.Bus.RegisterHandler(id, m.eventHandlerFor(id))
	m.deps.Bus.Subscribe(id, inst.manifest.SubscribedEvents...)
}

// eventHandlerFor returns the bus handler holding only the weak plugin id.
func (m *Manager) eventHandlerFor(id string) bus.Handler {
	return func(ctx context.Context, topic string, data map[string]any) error {
		inst := m.get(id)
		if inst == nil || !inst.isEnabled() {
			return nil
		}
		sb := inst.sandboxRef()
		if sb == nil {
			return nil
		}
		return sb.OnEvent(ctx, topic, data)
	}
}

func (m *Manager) get(id string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[id]
}

// List returns snapshots sorted by id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.plugins))
	for _, inst := range m.plugins {
		out = append(out, inst.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one plugin's snapshot.
func (m *Manager) Get(id string) (Snapshot, error) {
	inst := m.get(id)
	if inst == nil {
		return Snapshot{}, hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	return inst.snapshot(), nil
}

// Enable builds the plugin's sandbox and flips it live.
func (m *Manager) Enable(ctx context.Context, id string) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}

	inst.mu.Lock()
	if inst.enabled {
		inst.mu.Unlock()
		return nil
	}
	if inst.loadError != "" {
		inst.mu.Unlock()
		return hosterr.New(hosterr.CodeManifestInvariant, "plugin %q failed to load: %s", id, inst.loadError)
	}
	mf := inst.manifest
	root := inst.root
	grants := inst.grants
	config := make(map[string]any, len(inst.config))
	for k, v := range inst.config {
		config[k] = v
	}
	inst.mu.Unlock()

	entry, err := pluginfs.ReadFile(root, mf.Entry)
	if err != nil {
		return hosterr.Wrap(hosterr.CodeIntegrityMismatch, err, "read entry")
	}

	sb, err := m.deps.Runtime.NewSandbox(id, string(entry), grants, config, m.bindingsFor(id, grants))
	if err != nil {
		m.emitPluginError(ctx, id, err)
		return err
	}

	inst.mu.Lock()
	inst.sb = sb
	inst.enabled = true
	inst.mu.Unlock()

	// Re-establish registrations so disable → enable converges with a
	// fresh load. Module-level exports override the manifest's
	// declarations when present.
	m.deps.Checker.Register(id, grants)
	if subs := sb.SubscribedEvents(); subs != nil {
		m.deps.Bus.UnsubscribeOnly(id)
		m.deps.Bus.Subscribe(id, subs...)
	} else {
		m.deps.Bus.Subscribe(id, mf.SubscribedEvents...)
	}
	if methods := sb.ExposedMethods(); methods != nil {
		m.deps.Router.RegisterMethods(id, methods)
	} else {
		m.deps.Router.RegisterMethods(id, mf.ExposedMethods)
	}

	if m.deps.Metrics != nil {
		m.deps.Metrics.PluginsEnabled.Inc()
	}
	m.log.WithPlugin(id).Info("plugin enabled")
	return nil
}

// Disable tears a plugin down to its loaded-but-inert state.
func (m *Manager) Disable(ctx context.Context, id string) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}

	inst.mu.Lock()
	if !inst.enabled {
		inst.mu.Unlock()
		return nil
	}
	inst.enabled = false
	inst.mu.Unlock()

	m.teardownEnabled(id, inst)
	if m.deps.Metrics != nil {
		m.deps.Metrics.PluginsEnabled.Dec()
	}
	m.log.WithPlugin(id).Info("plugin disabled")
	return nil
}

// teardownEnabled releases every component's share of plugin state.
// The bus handler slot survives so re-enable and reload stay cheap.
func (m *Manager) teardownEnabled(id string, inst *Instance) {
	m.deps.Timers.CancelAllFor(id)
	m.deps.Bus.UnsubscribeOnly(id)
	m.deps.Checker.Unregister(id)
	m.deps.Router.UnregisterMethods(id)
	m.deps.Cache.InvalidatePlugin(id)

	inst.mu.Lock()
	if inst.sb != nil {
		inst.sb.Close()
		inst.sb = nil
	}
	inst.mu.Unlock()
}

// Uninstall disables, removes the plugin directory, and drops the instance.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	if err := m.Disable(ctx, id); err != nil {
		return err
	}

	m.deps.Bus.UnregisterHandler(id)
	m.deps.Limiter.Forget(id)
	if err := removePluginStorage(m.cfg.DataDir, id); err != nil {
		m.log.WithPlugin(id).WithError(err).Warn("storage cleanup failed")
	}

	inst.mu.RLock()
	root := inst.root
	inst.mu.RUnlock()
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove plugin dir: %w", err)
	}
	for n := 1; n <= archive.KeepVersions; n++ {
		_ = os.RemoveAll(fmt.Sprintf("%s.v%d", root, n))
	}

	m.mu.Lock()
	delete(m.plugins, id)
	delete(m.storages, id)
	m.mu.Unlock()

	_ = m.deps.Bus.EmitIPC(ctx, "plugin_uninstalled", map[string]any{"id": id})
	m.log.WithPlugin(id).Info("plugin uninstalled")
	return nil
}

// Reload re-reads the manifest with a two-phase atomic switch: phase one
// validates without mutating anything, phase two swaps registrations only
// after validation succeeded. A validation failure leaves every
// registration byte-identical to its pre-reload value.
func (m *Manager) Reload(ctx context.Context, id string) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}

	inst.mu.RLock()
	root := inst.root
	wasEnabled := inst.enabled
	inst.mu.RUnlock()

	// Phase 1: validate. No state is touched.
	raw, err := pluginfs.ReadFile(root, "manifest.json")
	if err != nil {
		// The source vanished mid-reload: release registrations and report.
		m.teardownEnabled(id, inst)
		inst.mu.Lock()
		inst.enabled = false
		inst.loadError = err.Error()
		inst.mu.Unlock()
		return hosterr.Wrap(hosterr.CodeManifestParse, err, "re-read manifest")
	}
	mf, _, grants, schema, err := m.validateManifest(raw, root)
	if err != nil {
		return err
	}
	if mf.ID != id {
		return hosterr.New(hosterr.CodeManifestInvariant, "manifest id changed from %q to %q", id, mf.ID)
	}

	// Phase 2: swap. Subscriptions are removed without dropping the handler
	// slot, then everything is re-registered from the validated manifest.
	if wasEnabled {
		if err := m.Disable(ctx, id); err != nil {
			return err
		}
	}
	m.deps.Bus.UnsubscribeOnly(id)
	m.deps.Checker.Unregister(id)
	m.deps.Router.UnregisterMethods(id)

	m.deps.Checker.Register(id, grants)
	m.deps.Router.RegisterMethods(id, mf.ExposedMethods)
	m.deps.Bus.Subscribe(id, mf.SubscribedEvents...)

	inst.mu.Lock()
	inst.manifest = mf
	inst.grants = grants
	inst.schema = schema
	inst.config = schema.ApplyDefaults(inst.config)
	inst.reloadPending = false
	inst.loadError = ""
	inst.mu.Unlock()

	if wasEnabled {
		if err := m.Enable(ctx, id); err != nil {
			return err
		}
	}

	_ = m.deps.Bus.EmitIPC(ctx, "plugin_updated", map[string]any{"id": id, "version": mf.Version})
	m.log.WithPlugin(id).WithField("version", mf.Version).Info("plugin reloaded")
	return nil
}

// Install extracts a plugin archive, verifies it, and loads it.
func (m *Manager) Install(ctx context.Context, archivePath string) (string, error) {
	staging := filepath.Join(m.cfg.PluginsDir, ".staging")
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("clear staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := archive.Extract(archivePath, staging); err != nil {
		return "", err
	}

	raw, err := pluginfs.ReadFile(staging, "manifest.json")
	if err != nil {
		return "", hosterr.Wrap(hosterr.CodeManifestParse, err, "read staged manifest")
	}
	mf, _, _, _, err := m.validateManifest(raw, staging)
	if err != nil {
		return "", err
	}

	target := filepath.Join(m.cfg.PluginsDir, mf.ID)
	if err := archive.Promote(staging, target); err != nil {
		return "", err
	}

	// An older live instance is replaced wholesale.
	if old := m.get(mf.ID); old != nil {
		_ = m.Disable(ctx, mf.ID)
		m.mu.Lock()
		delete(m.plugins, mf.ID)
		m.mu.Unlock()
	}
	if err := m.loadDirectory(ctx, target); err != nil {
		return "", err
	}

	_ = m.deps.Bus.EmitIPC(ctx, "plugin_installed", map[string]any{"id": mf.ID, "version": mf.Version})
	return mf.ID, nil
}

// Rollback restores the previous plugin version from the keep-N chain.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	wasEnabled := inst.isEnabled()
	if wasEnabled {
		if err := m.Disable(ctx, id); err != nil {
			return err
		}
	}

	inst.mu.RLock()
	root := inst.root
	inst.mu.RUnlock()
	if err := archive.Rollback(root); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.mu.Unlock()
	if err := m.loadDirectory(ctx, root); err != nil {
		return err
	}
	if wasEnabled {
		if err := m.Enable(ctx, id); err != nil {
			return err
		}
	}
	_ = m.deps.Bus.EmitIPC(ctx, "plugin_updated", map[string]any{"id": id, "rollback": true})
	return nil
}

func (m *Manager) emitPluginError(ctx context.Context, id string, err error) {
	code := string(hosterr.CodeOf(err))
	var fe *securefetch.Error
	if errors.As(err, &fe) {
		code = string(fe.Kind)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.PluginErrors.WithLabelValues(id, code).Inc()
	}
	_ = m.deps.Bus.EmitIPC(ctx, "plugin_error", map[string]any{
		"id":      id,
		"code":    code,
		"message": err.Error(),
	})
}

func (m *Manager) readPersistedConfig(id string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(m.cfg.DataDir, "configs", id+".json"))
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) writePersistedConfig(id string, cfg map[string]any) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(m.cfg.DataDir, "configs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (m *Manager) storageFor(id string) (*pluginStorage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.storages[id]; ok {
		return s, nil
	}
	s, err := openPluginStorage(m.cfg.DataDir, id)
	if err != nil {
		return nil, err
	}
	m.storages[id] = s
	return s, nil
}
