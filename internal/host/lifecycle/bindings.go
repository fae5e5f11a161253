package lifecycle

import (
	"context"
	"time"

	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/internal/host/sandbox"
	"github.com/cuk-labs/usagebar/internal/host/timerreg"
)

// bindingsFor assembles the capability closures for one plugin. Each
// closure owns exactly the typed component it routes into; the sandbox only
// wires the ones matching granted permissions.
func (m *Manager) bindingsFor(id string, grants []permission.Grant) sandbox.Bindings {
	b := sandbox.Bindings{
		Emit: func(action string, data map[string]any) error {
			return m.deps.Bus.EmitSync(id, action, data)
		},
		Call: func(target, method string, params map[string]any) map[string]any {
			// Depth 1: the sandbox is the chain's origin.
			return m.deps.Router.Call(id, target, method, params, 1)
		},
		Log: func(level, message string) {
			entry := m.log.WithPlugin(id)
			switch level {
			case "debug":
				entry.Debug(message)
			case "warn":
				entry.Warn(message)
			case "error":
				entry.Error(message)
			default:
				entry.Info(message)
			}
		},
	}

	for _, g := range grants {
		switch g.Kind {
		case permission.KindNetwork:
			b.Fetch = m.fetchBinding(id)
		case permission.KindTimer:
			b.Schedule = func(kind string, delayMs int64, fn func()) uint64 {
				tk := timerreg.KindTimeout
				if kind == "interval" {
					tk = timerreg.KindInterval
				}
				return m.deps.Timers.Schedule(id, tk, msToDuration(delayMs), fn)
			}
			b.Cancel = m.deps.Timers.Cancel
		case permission.KindStorage:
			store, err := m.storageFor(id)
			if err != nil {
				m.log.WithPlugin(id).WithError(err).Warn("plugin storage unavailable")
				continue
			}
			b.StorageGet = func(key string) (string, bool, error) {
				v, ok := store.get(key)
				return v, ok, nil
			}
			b.StorageSet = store.set
			b.StorageRemove = store.remove
		}
	}
	return b
}

// fetchBinding routes the plugin fetch capability into the hardened client
// and records the failure kind for the refresh pipeline's transience
// classification.
func (m *Manager) fetchBinding(id string) func(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	return func(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
		resp, err := m.deps.Fetch.Fetch(ctx, securefetch.Request{
			Method:  method,
			URL:     url,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			if inst := m.get(id); inst != nil {
				inst.mu.Lock()
				inst.lastFetchErr = err
				inst.mu.Unlock()
			}
			m.emitPluginError(ctx, id, err)
			return 0, nil, err
		}
		return resp.Status, resp.Body, nil
	}
}

// transientFetchKinds are the fetch failures worth retrying.
var transientFetchKinds = map[securefetch.ErrorKind]bool{
	securefetch.KindNetworkError:    true,
	securefetch.KindDNSError:        true,
	securefetch.KindReadError:       true,
	securefetch.KindTooManyRequests: true,
}

func msToDuration(ms int64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
