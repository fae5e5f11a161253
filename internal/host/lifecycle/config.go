package lifecycle

import (
	"context"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/internal/host/manifest"
)

// GetConfig returns the plugin's effective config with secret fields
// redacted for display.
func (m *Manager) GetConfig(id string) (map[string]any, error) {
	inst := m.get(id)
	if inst == nil {
		return nil, hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}

	inst.mu.RLock()
	fields := inst.schema.Fields()
	out := make(map[string]any, len(inst.config))
	for k, v := range inst.config {
		if f, ok := fields[k]; ok && f.Secret {
			out[k] = "********"
			continue
		}
		out[k] = v
	}
	inst.mu.RUnlock()
	return out, nil
}

// ValidateConfig checks a candidate config against the plugin's schema
// without applying it.
func (m *Manager) ValidateConfig(id string, cfg map[string]any) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	inst.mu.RLock()
	schema := inst.schema
	inst.mu.RUnlock()
	return schema.Validate(cfg)
}

// SetConfig validates, persists, and applies a new config. The live sandbox
// is notified through onConfigChanged and the plugin's cached results are
// invalidated, since they were derived from the old config.
func (m *Manager) SetConfig(ctx context.Context, id string, cfg map[string]any) error {
	inst := m.get(id)
	if inst == nil {
		return hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}

	inst.mu.RLock()
	schema := inst.schema
	inst.mu.RUnlock()

	if err := schema.Validate(cfg); err != nil {
		return err
	}
	effective := schema.ApplyDefaults(cfg)

	if err := m.writePersistedConfig(id, effective); err != nil {
		return hosterr.Wrap(hosterr.CodeInternal, err, "persist config")
	}

	inst.mu.Lock()
	inst.config = effective
	sb := inst.sb
	inst.mu.Unlock()

	m.deps.Cache.InvalidatePlugin(id)

	if sb != nil {
		if err := sb.OnConfigChanged(ctx, effective); err != nil {
			m.log.WithPlugin(id).WithError(err).Warn("onConfigChanged failed")
		}
	}
	return nil
}

// Schema returns the declared config fields for the UI's settings form.
func (m *Manager) Schema(id string) (map[string]manifest.ConfigField, error) {
	inst := m.get(id)
	if inst == nil {
		return nil, hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.schema.Fields(), nil
}
