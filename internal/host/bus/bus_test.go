package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/pkg/logger"
)

func newBus() *Bus {
	return New(DefaultConfig(), logger.NewNop(), nil)
}

func TestEmitReachesSubscriber(t *testing.T) {
	b := newBus()
	got := make(chan string, 1)
	b.RegisterHandler("listener", func(ctx context.Context, topic string, data map[string]any) error {
		got <- topic
		return nil
	})
	b.Subscribe("listener", "plugin:openai-usage:data_updated")

	require.NoError(t, b.Emit(context.Background(), "openai-usage", "data_updated", map[string]any{"v": 1}))
	assert.Equal(t, "plugin:openai-usage:data_updated", <-got)
}

func TestEmitValidatesSnakeCase(t *testing.T) {
	b := newBus()
	for _, action := range []string{"DataUpdated", "data-updated", "data updated", "", "_x", "x__y"} {
		assert.Error(t, b.Emit(context.Background(), "p", action, nil), action)
	}
	assert.NoError(t, b.Emit(context.Background(), "p", "data_updated_v2", nil))
}

func TestEmitSystemAndIPCPrefixes(t *testing.T) {
	b := newBus()
	var topics []string
	var mu sync.Mutex
	b.RegisterHandler("sink", func(ctx context.Context, topic string, data map[string]any) error {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
		return nil
	})
	b.Subscribe("sink", "system:plugins_ready")
	b.SubscribePrefix("sink", "ipc:")

	require.NoError(t, b.EmitSystem(context.Background(), "plugins_ready", nil))
	require.NoError(t, b.EmitIPC(context.Background(), "plugin_installed", map[string]any{"id": "x"}))
	require.NoError(t, b.EmitIPC(context.Background(), "plugin_error", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"system:plugins_ready", "ipc:plugin_installed", "ipc:plugin_error"}, topics)
}

func TestUnsubscribeOnlyRetainsHandler(t *testing.T) {
	b := newBus()
	var calls atomic.Int32
	b.RegisterHandler("p", func(ctx context.Context, topic string, data map[string]any) error {
		calls.Add(1)
		return nil
	})
	b.Subscribe("p", "system:tick")

	b.UnsubscribeOnly("p")
	require.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
	assert.EqualValues(t, 0, calls.Load())

	// Re-subscribing works without re-registering the handler.
	b.Subscribe("p", "system:tick")
	require.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
	assert.EqualValues(t, 1, calls.Load())
}

func TestUnregisterHandlerDropsEverything(t *testing.T) {
	b := newBus()
	b.RegisterHandler("p", func(ctx context.Context, topic string, data map[string]any) error { return nil })
	b.Subscribe("p", "system:tick")
	b.UnregisterHandler("p")

	assert.Empty(t, b.Subscriptions("p"))
	assert.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
}

func TestStaleSubscriptionWithoutHandlerIsSkipped(t *testing.T) {
	b := newBus()
	b.Subscribe("ghost", "system:tick")
	assert.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
}

func TestDispatchConcurrencyBounded(t *testing.T) {
	cfg := Config{MaxConcurrentHandlers: 2}
	b := New(cfg, logger.NewNop(), nil)

	var active, peak atomic.Int64
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		b.RegisterHandler(id, func(ctx context.Context, topic string, data map[string]any) error {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		})
		b.Subscribe(id, "system:tick")
	}

	require.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestHandlerPanicContained(t *testing.T) {
	b := newBus()
	b.RegisterHandler("bad", func(ctx context.Context, topic string, data map[string]any) error {
		panic("boom")
	})
	b.Subscribe("bad", "system:tick")
	assert.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
}

func TestReentrantEmitDoesNotDeadlock(t *testing.T) {
	b := newBus()
	inner := make(chan struct{})
	b.RegisterHandler("outer", func(ctx context.Context, topic string, data map[string]any) error {
		if topic == "system:first" {
			return b.EmitSystem(ctx, "second", nil)
		}
		close(inner)
		return nil
	})
	b.Subscribe("outer", "system:first", "system:second")

	require.NoError(t, b.EmitSystem(context.Background(), "first", nil))
	select {
	case <-inner:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant emit deadlocked")
	}
}

func TestEventsPublishedCounter(t *testing.T) {
	b := newBus()
	require.NoError(t, b.EmitSync("p", "tick", nil))
	require.NoError(t, b.EmitSystem(context.Background(), "tick", nil))
	assert.EqualValues(t, 2, b.EventsPublished())
}

func TestRouterPermissionDenied(t *testing.T) {
	checker := permission.NewChecker()
	r := NewRouter(checker, logger.NewNop())
	r.Start()
	defer r.Stop()

	env := r.Call("a", "b", "m", nil, 0)
	assert.Equal(t, "PermissionDenied", env["status"])
	assert.Equal(t, false, env["success"])
}

func TestRouterDepthLimit(t *testing.T) {
	checker := permission.NewChecker()
	checker.Register("a", []permission.Grant{{Kind: permission.KindCall, Target: "b", Method: "m"}})
	r := NewRouter(checker, logger.NewNop())
	r.Start()
	defer r.Stop()

	env := r.Call("a", "b", "m", nil, MaxCallDepth)
	assert.Equal(t, "CallDepthExceeded", env["status"])
}

func TestRouterGrantedReturnsNotSupported(t *testing.T) {
	checker := permission.NewChecker()
	checker.Register("a", []permission.Grant{{Kind: permission.KindCall, Target: "b", Method: "m"}})
	r := NewRouter(checker, logger.NewNop())
	r.RegisterMethods("b", []string{"m"})
	r.Start()
	defer r.Stop()

	env := r.Call("a", "b", "m", map[string]any{"x": 1}, 1)
	assert.Equal(t, "not_supported", env["status"])
	assert.Equal(t, "b", env["target"])
	assert.Equal(t, "m", env["method"])
	assert.Equal(t, 1, env["call_depth"])
	assert.Equal(t, MaxCallDepth, env["max_depth"])
}

func TestRouterUnknownMethod(t *testing.T) {
	checker := permission.NewChecker()
	checker.Register("a", []permission.Grant{{Kind: permission.KindCall, Target: "b", Method: "m"}})
	r := NewRouter(checker, logger.NewNop())
	r.Start()
	defer r.Stop()

	env := r.Call("a", "b", "m", nil, 0)
	assert.Equal(t, "UnsupportedApi", env["status"])
}

func TestRouterStoppedIsTerminal(t *testing.T) {
	checker := permission.NewChecker()
	checker.Register("a", []permission.Grant{{Kind: permission.KindCall, Target: "b", Method: "m"}})
	r := NewRouter(checker, logger.NewNop())
	r.Start()
	r.Stop()

	env := r.Call("a", "b", "m", nil, 0)
	assert.Equal(t, "Cancelled", env["status"])
}

func TestRouterMethodRegistry(t *testing.T) {
	r := NewRouter(permission.NewChecker(), logger.NewNop())
	r.RegisterMethods("p", []string{"convert", "lookup"})
	assert.ElementsMatch(t, []string{"convert", "lookup"}, r.Methods("p"))
	r.UnregisterMethods("p")
	assert.Empty(t, r.Methods("p"))
}
