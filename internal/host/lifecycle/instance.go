package lifecycle

import (
	"sync"
	"time"

	"github.com/cuk-labs/usagebar/internal/host/manifest"
	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/internal/host/sandbox"
)

// HealthStatus buckets a plugin's rolling health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// unhealthyAfter is the consecutive-failure threshold for unhealthy.
const unhealthyAfter = 3

// Health carries a plugin's rolling counters.
type Health struct {
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	TotalLatency        time.Duration `json:"-"`
	TotalLatencyMs      int64         `json:"total_latency_ms"`
	LastSuccess         time.Time     `json:"last_success"`
	LastError           string        `json:"last_error,omitempty"`
}

// Status derives the bucket from the counters.
func (h *Health) Status() HealthStatus {
	switch {
	case h.ConsecutiveFailures >= unhealthyAfter:
		return HealthUnhealthy
	case h.ConsecutiveFailures > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (h *Health) recordSuccess(latency time.Duration) {
	h.SuccessCount++
	h.ConsecutiveFailures = 0
	h.TotalLatency += latency
	h.TotalLatencyMs = h.TotalLatency.Milliseconds()
	h.LastSuccess = time.Now()
	h.LastError = ""
}

func (h *Health) recordFailure(latency time.Duration, msg string) {
	h.FailureCount++
	h.ConsecutiveFailures++
	h.TotalLatency += latency
	h.TotalLatencyMs = h.TotalLatency.Milliseconds()
	h.LastError = msg
}

// Instance is the runtime state of one loaded plugin. It is created at
// discovery, mutated only by the lifecycle manager or its supervision
// callbacks, and destroyed at uninstall.
type Instance struct {
	mu sync.RWMutex

	manifest *manifest.Manifest
	root     string
	enabled  bool

	// reloadPending is set by the directory watcher when on-disk content
	// changed; the UI surfaces it and the user triggers the actual reload.
	reloadPending bool

	// loadError is the persisted failure that keeps the plugin disabled.
	loadError string

	config map[string]any
	schema *manifest.CompiledSchema
	grants []permission.Grant

	artefact   map[string]any
	artefactAt time.Time

	health Health

	sb *sandbox.Sandbox

	// lastFetchErr remembers the most recent fetch failure inside the
	// current execution, so the refresh pipeline can classify transience.
	lastFetchErr error
}

// Snapshot is the externally visible instance state.
type Snapshot struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	PluginType    string         `json:"pluginType"`
	DataType      string         `json:"dataType,omitempty"`
	Enabled       bool           `json:"enabled"`
	ReloadPending bool           `json:"reloadPending,omitempty"`
	LoadError     string         `json:"loadError,omitempty"`
	Health        Health         `json:"health"`
	HealthStatus  HealthStatus   `json:"healthStatus"`
	Artefact      map[string]any `json:"artefact,omitempty"`
	ArtefactAt    time.Time      `json:"artefactAt,omitempty"`
}

func (i *Instance) snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Snapshot{
		ID:            i.manifest.ID,
		Name:          i.manifest.Name,
		Version:       i.manifest.Version,
		PluginType:    string(i.manifest.PluginType),
		DataType:      string(i.manifest.DataType),
		Enabled:       i.enabled,
		ReloadPending: i.reloadPending,
		LoadError:     i.loadError,
		Health:        i.health,
		HealthStatus:  i.health.Status(),
		Artefact:      i.artefact,
		ArtefactAt:    i.artefactAt,
	}
}

func (i *Instance) isEnabled() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled
}

func (i *Instance) sandboxRef() *sandbox.Sandbox {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sb
}

func (i *Instance) currentConfig() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.config))
	for k, v := range i.config {
		out[k] = v
	}
	return out
}
