// Package sandbox executes plugin JavaScript inside per-plugin goja runtimes
// with stripped globals, injected capabilities, and wall-clock enforcement.
//
// A Sandbox lives as long as its plugin is enabled. Every entry into the VM
// (the default handler, onEvent, onConfigChanged, a timer callback) is
// serialised by the sandbox mutex; goja runtimes are not goroutine-safe.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/pkg/logger"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

const (
	// DefaultExecTimeout bounds one entry into the VM.
	DefaultExecTimeout = 5 * time.Second
	// DefaultMaxCallStack bounds JS recursion depth.
	DefaultMaxCallStack = 2048
	// MaxArtefactBytes bounds the exported artefact.
	MaxArtefactBytes = 1 << 20 // 1 MiB
)

// Config holds runtime limits.
type Config struct {
	ExecTimeout  time.Duration `yaml:"exec_timeout" env:"SANDBOX_EXEC_TIMEOUT"`
	MaxCallStack int           `yaml:"max_call_stack" env:"SANDBOX_MAX_CALL_STACK"`
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:  DefaultExecTimeout,
		MaxCallStack: DefaultMaxCallStack,
	}
}

// Bindings are the host-side halves of the injected capabilities. Only the
// functions matching granted permissions are wired into the VM.
type Bindings struct {
	// Fetch performs a hardened HTTP request. Required for the network grant.
	Fetch func(ctx context.Context, method, url string, headers map[string]string, body []byte) (status int, respBody []byte, err error)
	// Schedule and Cancel route into the timer registry.
	Schedule func(kind string, delayMs int64, fn func()) uint64
	Cancel   func(id uint64) bool
	// Emit publishes a plugin event; an error surfaces as a JS exception.
	Emit func(action string, data map[string]any) error
	// Call dispatches a cross-plugin call and returns its envelope.
	Call func(target, method string, params map[string]any) map[string]any
	// Log forwards context.log(level, message).
	Log func(level, message string)
	// Storage is present only with the storage grant.
	StorageGet    func(key string) (string, bool, error)
	StorageSet    func(key, value string) error
	StorageRemove func(key string) error
}

// Runtime builds sandboxes. It carries shared config, logging and metrics.
type Runtime struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewRuntime creates a sandbox factory.
func NewRuntime(cfg Config, log *logger.Logger, m *metrics.Metrics) *Runtime {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.MaxCallStack <= 0 {
		cfg.MaxCallStack = DefaultMaxCallStack
	}
	if log == nil {
		log = logger.NewDefault("sandbox")
	}
	return &Runtime{cfg: cfg, log: log, metrics: m}
}

// Sandbox is one plugin's execution environment.
type Sandbox struct {
	runtime  *Runtime
	pluginID string

	mu     sync.Mutex
	vm     *goja.Runtime
	closed bool

	// interrupted is set by the watchdog before it interrupts the VM and
	// cached by the executor before the interrupt state is cleared, so a
	// timeout is attributable even if the VM raises something else on the
	// way out.
	interrupted atomic.Bool

	exports *pluginExports
}

// pluginExports captures what the plugin module handed back.
type pluginExports struct {
	handler         goja.Callable
	onEvent         goja.Callable
	onConfigChanged goja.Callable
	subscribed      []string
	exposed         []string
}

// NewSandbox creates the capability-restricted context and loads the plugin
// module. The only way to obtain a VM is through here; the constructor
// strips eval and the function-constructor path before any plugin code runs.
func (r *Runtime) NewSandbox(pluginID, entrySource string, grants []permission.Grant, config map[string]any, b Bindings) (*Sandbox, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(r.cfg.MaxCallStack)

	s := &Sandbox{runtime: r, pluginID: pluginID, vm: vm}

	if err := s.installGlobals(grants, config, b); err != nil {
		return nil, hosterr.Wrap(hosterr.CodeRuntimeInit, err, "install sandbox globals")
	}
	if err := s.loadModule(entrySource); err != nil {
		return nil, err
	}
	return s, nil
}

// loadModule evaluates the entry source under a CommonJS-style wrapper and
// captures the exported handlers.
func (s *Sandbox) loadModule(entrySource string) error {
	prepared := `(function() {
	var module = { exports: {} };
	var exports = module.exports;
	(function(module, exports) {
` + entrySource + `
	})(module, exports);
	return module.exports;
})();`

	var exportsVal goja.Value
	err := s.enter(context.Background(), func(vm *goja.Runtime) error {
		v, runErr := vm.RunScript(s.pluginID+".js", prepared)
		if runErr != nil {
			return runErr
		}
		exportsVal = v
		return nil
	})
	if err != nil {
		return s.mapError(err, "load plugin module")
	}

	obj, ok := exportsVal.(*goja.Object)
	if !ok || obj == nil {
		return hosterr.New(hosterr.CodeRuntimeInit, "plugin module exported nothing")
	}

	ex := &pluginExports{}
	if fn, ok := goja.AssertFunction(obj.Get("default")); ok {
		ex.handler = fn
	}
	if fn, ok := goja.AssertFunction(obj.Get("onEvent")); ok {
		ex.onEvent = fn
	}
	if fn, ok := goja.AssertFunction(obj.Get("onConfigChanged")); ok {
		ex.onConfigChanged = fn
	}
	ex.subscribed = stringSlice(obj.Get("subscribedEvents"))
	ex.exposed = stringSlice(obj.Get("exposedMethods"))

	if ex.handler == nil {
		return hosterr.New(hosterr.CodeRuntimeInit, "plugin module has no default handler")
	}
	s.exports = ex
	return nil
}

func stringSlice(v goja.Value) []string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, ok := v.Export().([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SubscribedEvents returns the module-level override, or nil when the
// manifest's list applies.
func (s *Sandbox) SubscribedEvents() []string { return s.exports.subscribed }

// ExposedMethods returns the module-level override, or nil.
func (s *Sandbox) ExposedMethods() []string { return s.exports.exposed }

// Execute runs the default handler and returns the produced artefact.
func (s *Sandbox) Execute(ctx context.Context) (map[string]any, error) {
	started := time.Now()
	artefact, err := s.callExported(ctx, s.exports.handler, "execute")
	if s.runtime.metrics != nil {
		status := "ok"
		if err != nil {
			status = string(hosterr.CodeOf(err))
		}
		s.runtime.metrics.ObserveExecution(s.pluginID, status, time.Since(started))
	}
	return artefact, err
}

// OnEvent delivers a bus event to the plugin, if it handles events.
func (s *Sandbox) OnEvent(ctx context.Context, topic string, data map[string]any) error {
	if s.exports.onEvent == nil {
		return nil
	}
	_, err := s.callExported(ctx, s.exports.onEvent, "onEvent", topic, data)
	return err
}

// OnConfigChanged notifies the plugin of a config update.
func (s *Sandbox) OnConfigChanged(ctx context.Context, config map[string]any) error {
	if s.exports.onConfigChanged == nil {
		return nil
	}
	_, err := s.callExported(ctx, s.exports.onConfigChanged, "onConfigChanged", config)
	return err
}

// callExported enters the VM, invokes fn, and resolves a settled promise
// result, mapping every failure to the runtime error taxonomy. Arguments are
// converted inside the VM lock; goja values must not be built outside it.
func (s *Sandbox) callExported(ctx context.Context, fn goja.Callable, what string, goArgs ...any) (map[string]any, error) {
	var result goja.Value
	err := s.enter(ctx, func(vm *goja.Runtime) error {
		args := make([]goja.Value, len(goArgs))
		for i, a := range goArgs {
			args[i] = vm.ToValue(a)
		}
		v, callErr := fn(goja.Undefined(), args...)
		if callErr != nil {
			return callErr
		}
		resolved, resolveErr := resolveValue(v)
		if resolveErr != nil {
			return resolveErr
		}
		result = resolved
		return nil
	})
	if err != nil {
		return nil, s.mapError(err, what)
	}
	return exportArtefact(s.vm, result)
}

// enter serialises VM access and arms the wall-clock watchdog.
func (s *Sandbox) enter(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hosterr.New(hosterr.CodeCancelled, "sandbox closed")
	}

	timeout := s.runtime.cfg.ExecTimeout
	if deadline, ok := ctx.Deadline(); ok {
		// Saturating: a deadline already in the past leaves zero, which
		// trips the watchdog immediately rather than underflowing.
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
			if timeout < 0 {
				timeout = 0
			}
		}
	}

	s.interrupted.Store(false)
	watchdogDone := make(chan struct{})
	watchdog := time.AfterFunc(timeout, func() {
		s.interrupted.Store(true)
		s.vm.Interrupt("execution timed out")
		close(watchdogDone)
	})

	err := fn(s.vm)

	if !watchdog.Stop() {
		// The watchdog fired: wait for the interrupt to be delivered, then
		// cache the flag before clearing the state.
		<-watchdogDone
	}
	wasInterrupted := s.interrupted.Load()
	s.vm.ClearInterrupt()

	if wasInterrupted {
		return hosterr.New(hosterr.CodeTimeout, "execution exceeded %s", timeout)
	}
	return err
}

// mapError converts goja failures into the host taxonomy.
func (s *Sandbox) mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	var he *hosterr.Error
	if errors.As(err, &he) {
		return he
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return hosterr.Wrap(hosterr.CodeTimeout, err, "%s interrupted", what)
	}
	var stack *goja.StackOverflowError
	if errors.As(err, &stack) {
		return hosterr.Wrap(hosterr.CodeStackOverflow, err, "%s overflowed the stack", what)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return hosterr.Wrap(hosterr.CodeJsException, err, "%s threw", what)
	}
	return hosterr.Wrap(hosterr.CodeJsException, err, "%s failed", what)
}

// Close tears the sandbox down. Subsequent entries fail with Cancelled.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// resolveValue unwraps a settled promise. Pending promises are a plugin bug:
// every capability resolves synchronously, so nothing legitimate can still
// be in flight when the handler returns.
func resolveValue(val goja.Value) (goja.Value, error) {
	if val == nil {
		return goja.Undefined(), nil
	}
	if promise, ok := val.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, rejectionError(promise.Result())
		default:
			return nil, hosterr.New(hosterr.CodeJsException, "handler returned a promise that did not settle")
		}
	}
	return val, nil
}

func rejectionError(reason goja.Value) error {
	if reason == nil {
		return hosterr.New(hosterr.CodeJsException, "promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return hosterr.Wrap(hosterr.CodeJsException, err, "promise rejected")
		}
	}
	return hosterr.New(hosterr.CodeJsException, "promise rejected: %s", reason.String())
}

// exportArtefact converts the handler's return value into the artefact map,
// bounding its serialised size.
func exportArtefact(vm *goja.Runtime, val goja.Value) (map[string]any, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return map[string]any{}, nil
	}

	jsonVal, err := vm.RunString("JSON.stringify")
	if err != nil {
		return nil, hosterr.Wrap(hosterr.CodeRuntimeInit, err, "artefact serialiser")
	}
	stringify, _ := goja.AssertFunction(jsonVal)
	raw, err := stringify(goja.Undefined(), val)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.CodeJsException, err, "serialise artefact")
	}
	text := raw.String()
	if len(text) > MaxArtefactBytes {
		return nil, hosterr.New(hosterr.CodeOutOfMemory, "artefact is %d bytes, max %d", len(text), MaxArtefactBytes)
	}

	exported := val.Export()
	switch v := exported.(type) {
	case map[string]any:
		return v, nil
	default:
		return map[string]any{"result": v}, nil
	}
}
