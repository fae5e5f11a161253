package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/internal/host/manifest"
	"github.com/cuk-labs/usagebar/internal/host/resultcache"
	"github.com/cuk-labs/usagebar/internal/host/retry"
	"github.com/cuk-labs/usagebar/internal/host/scheduler"
)

// artefactTTL bounds how long a refresh result serves from cache.
const artefactTTL = time.Minute

// Refresh runs one plugin's refresh through the full pipeline: rate
// limiter, result cache, retry executor, sandbox. The produced artefact is
// validated for its declared dataType, stored on the instance, and
// announced on the bus.
func (m *Manager) Refresh(ctx context.Context, id string) (map[string]any, error) {
	inst := m.get(id)
	if inst == nil {
		return nil, hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	if !inst.isEnabled() {
		return nil, hosterr.New(hosterr.CodeCancelled, "plugin %q is disabled", id)
	}

	if err := m.deps.Limiter.Acquire(id); err != nil {
		return nil, err
	}

	inst.mu.RLock()
	descriptor := map[string]any{
		"plugin":  id,
		"version": inst.manifest.Version,
		"config":  inst.config,
	}
	inst.mu.RUnlock()
	fingerprint, err := resultcache.Fingerprint(descriptor)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	outcomeCh, err := m.deps.Sched.Submit(id, fingerprint, func(taskCtx context.Context) (map[string]any, error) {
		return m.deps.Cache.GetOrCompute(fingerprint, artefactTTL, []string{id}, func() (map[string]any, error) {
			return m.executeWithRetry(taskCtx, id, inst)
		})
	})
	if err != nil {
		return nil, err
	}

	var outcome scheduler.Outcome
	select {
	case outcome = <-outcomeCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	latency := time.Since(started)
	if outcome.Err != nil {
		m.recordFailure(ctx, inst, latency, outcome.Err)
		return nil, outcome.Err
	}

	m.recordSuccess(ctx, inst, latency, outcome.Value)
	return outcome.Value, nil
}

// executeWithRetry drives the sandbox under the retry executor. Failures
// whose root cause was a transient fetch error are marked retryable;
// everything else propagates immediately.
func (m *Manager) executeWithRetry(ctx context.Context, id string, inst *Instance) (map[string]any, error) {
	var artefact map[string]any
	op := func(ctx context.Context) error {
		inst.mu.Lock()
		inst.lastFetchErr = nil
		sb := inst.sb
		inst.mu.Unlock()
		if sb == nil {
			return hosterr.New(hosterr.CodeCancelled, "plugin %q has no live sandbox", id)
		}

		result, err := sb.Execute(ctx)
		if err != nil {
			inst.mu.RLock()
			fetchErr := inst.lastFetchErr
			inst.mu.RUnlock()
			var fe *securefetch.Error
			if errors.As(fetchErr, &fe) && transientFetchKinds[fe.Kind] {
				return retry.Transient(err)
			}
			return err
		}

		if err := validateArtefact(inst.manifest.DataType, result); err != nil {
			return err
		}
		artefact = result
		return nil
	}

	if err := m.deps.Retrier.Run(ctx, op); err != nil {
		return nil, err
	}
	return artefact, nil
}

// validateArtefact checks the fields a dataType promises. Validation runs
// on the serialised form so nested JS values behave like they will over IPC.
func validateArtefact(dataType manifest.DataType, artefact map[string]any) error {
	raw, err := json.Marshal(artefact)
	if err != nil {
		return hosterr.Wrap(hosterr.CodeJsException, err, "serialise artefact")
	}
	switch dataType {
	case "usage":
		if !gjson.GetBytes(raw, "percentage").Exists() && !gjson.GetBytes(raw, "used").Exists() {
			return hosterr.New(hosterr.CodeJsException, "usage artefact needs percentage or used")
		}
	case "balance":
		if !gjson.GetBytes(raw, "balance").Exists() {
			return hosterr.New(hosterr.CodeJsException, "balance artefact needs balance")
		}
	case "status":
		if !gjson.GetBytes(raw, "status").Exists() {
			return hosterr.New(hosterr.CodeJsException, "status artefact needs status")
		}
	}
	return nil
}

func (m *Manager) recordSuccess(ctx context.Context, inst *Instance, latency time.Duration, artefact map[string]any) {
	inst.mu.Lock()
	id := inst.manifest.ID
	prev := inst.health.Status()
	inst.health.recordSuccess(latency)
	curr := inst.health.Status()
	inst.artefact = artefact
	inst.artefactAt = time.Now()
	inst.mu.Unlock()

	_ = m.deps.Bus.EmitIPC(ctx, "plugin_data_updated", map[string]any{"id": id, "data": artefact})
	if prev != curr {
		m.emitHealthChanged(ctx, id, curr)
	}
}

func (m *Manager) recordFailure(ctx context.Context, inst *Instance, latency time.Duration, cause error) {
	inst.mu.Lock()
	id := inst.manifest.ID
	prev := inst.health.Status()
	inst.health.recordFailure(latency, cause.Error())
	curr := inst.health.Status()
	inst.mu.Unlock()

	m.emitPluginError(ctx, id, cause)
	if prev != curr {
		m.emitHealthChanged(ctx, id, curr)
	}
}

func (m *Manager) emitHealthChanged(ctx context.Context, id string, status HealthStatus) {
	_ = m.deps.Bus.EmitIPC(ctx, "plugin_health_changed", map[string]any{
		"id":     id,
		"status": string(status),
	})
}

// RefreshAll refreshes every enabled plugin; failures are per-plugin and
// never abort the sweep.
func (m *Manager) RefreshAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, snap := range m.List() {
		if !snap.Enabled {
			continue
		}
		if _, err := m.Refresh(ctx, snap.ID); err != nil {
			results[snap.ID] = err
			m.log.WithPlugin(snap.ID).WithError(err).Warn("refresh failed")
		}
	}
	return results
}

// Health returns one plugin's counters.
func (m *Manager) Health(id string) (Health, error) {
	inst := m.get(id)
	if inst == nil {
		return Health{}, hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.health, nil
}

// AllHealth returns every plugin's counters keyed by id.
func (m *Manager) AllHealth() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.plugins))
	for id, inst := range m.plugins {
		inst.mu.RLock()
		out[id] = inst.health
		inst.mu.RUnlock()
	}
	return out
}

// Artefact returns the last produced artefact for a plugin.
func (m *Manager) Artefact(id string) (map[string]any, error) {
	inst := m.get(id)
	if inst == nil {
		return nil, hosterr.New(hosterr.CodeNotFound, "plugin %q not installed", id)
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if inst.artefact == nil {
		return nil, hosterr.New(hosterr.CodeNotFound, "plugin %q has no data yet", id)
	}
	return inst.artefact, nil
}
