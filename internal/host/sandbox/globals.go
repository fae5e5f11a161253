package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/internal/host/permission"
)

// hardenScript strips the dynamic-code paths before any plugin code runs.
// Both the global eval binding and the Function-constructor route (including
// the one reachable through any function's prototype chain) are cut.
const hardenScript = `(function() {
	'use strict';
	globalThis.eval = undefined;
	var proto = Object.getPrototypeOf(function(){});
	Object.defineProperty(proto, 'constructor', { value: undefined, writable: false, configurable: false });
	globalThis.Function = undefined;

	globalThis.__deepFreeze = function deepFreeze(obj) {
		if (obj === null || typeof obj !== 'object') { return obj; }
		Object.getOwnPropertyNames(obj).forEach(function(name) {
			deepFreeze(obj[name]);
		});
		return Object.freeze(obj);
	};

	function PluginError(message, code) {
		var e = Error.call(this, message);
		this.name = 'PluginError';
		this.message = message;
		this.code = code || 'PluginError';
		this.stack = e.stack;
	}
	PluginError.prototype = Object.create(Error.prototype);
	PluginError.prototype.constructor = PluginError;
	globalThis.PluginError = PluginError;
})();`

// fetchGlue wraps the synchronous host fetch in the Promise surface plugins
// expect. The host half resolves before the wrapper returns, so awaiting the
// result settles within the same execution.
const fetchGlue = `globalThis.fetch = function(url, options) {
	try {
		var r = __hostFetch(url, options || {});
		return Promise.resolve({
			ok: r.status >= 200 && r.status < 300,
			status: r.status,
			text: function() { return Promise.resolve(r.body); },
			json: function() {
				try { return Promise.resolve(JSON.parse(r.body)); }
				catch (e) { return Promise.reject(e); }
			}
		});
	} catch (e) {
		return Promise.reject(e);
	}
};`

func (s *Sandbox) installGlobals(grants []permission.Grant, config map[string]any, b Bindings) error {
	vm := s.vm

	if _, err := vm.RunString(hardenScript); err != nil {
		return fmt.Errorf("harden globals: %w", err)
	}
	if err := s.installConsole(); err != nil {
		return err
	}
	if err := s.installTextCodecs(); err != nil {
		return err
	}

	hasNetwork := hasGrant(grants, permission.KindNetwork)
	hasTimer := hasGrant(grants, permission.KindTimer)
	hasStorage := hasGrant(grants, permission.KindStorage)

	if hasNetwork && b.Fetch != nil {
		if err := vm.Set("__hostFetch", s.hostFetch(b)); err != nil {
			return err
		}
		if _, err := vm.RunString(fetchGlue); err != nil {
			return fmt.Errorf("install fetch: %w", err)
		}
	}

	if hasTimer && b.Schedule != nil {
		if err := s.installTimers(b); err != nil {
			return err
		}
	}

	return s.installContext(config, b, hasStorage)
}

func hasGrant(grants []permission.Grant, kind permission.Kind) bool {
	for _, g := range grants {
		if g.Kind == kind {
			return true
		}
	}
	return false
}

// throwJS raises a PluginError inside the VM.
func (s *Sandbox) throwJS(code, message string) {
	obj := s.vm.NewObject()
	_ = obj.Set("name", "PluginError")
	_ = obj.Set("code", code)
	_ = obj.Set("message", message)
	panic(s.vm.ToValue(obj))
}

func (s *Sandbox) hostFetch(b Bindings) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			s.throwJS("InvalidUrl", "fetch requires a url")
		}
		url := call.Arguments[0].String()

		method := "GET"
		headers := map[string]string{}
		var body []byte
		if len(call.Arguments) > 1 {
			if opts, ok := call.Arguments[1].(*goja.Object); ok && opts != nil {
				if v := opts.Get("method"); v != nil && !goja.IsUndefined(v) {
					method = v.String()
				}
				if v := opts.Get("headers"); v != nil && !goja.IsUndefined(v) {
					if hm, ok := v.Export().(map[string]any); ok {
						for k, hv := range hm {
							headers[k] = fmt.Sprint(hv)
						}
					}
				}
				if v := opts.Get("body"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
					body = []byte(v.String())
				}
			}
		}

		status, respBody, err := b.Fetch(context.Background(), method, url, headers, body)
		if err != nil {
			s.throwJS(fetchErrorCode(err), err.Error())
		}

		result := s.vm.NewObject()
		_ = result.Set("status", status)
		_ = result.Set("body", string(respBody))
		return result
	}
}

func (s *Sandbox) installTimers(b Bindings) error {
	vm := s.vm

	schedule := func(kind string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 1 {
				s.throwJS("UnsupportedApi", kind+" requires a callback")
			}
			fn, ok := goja.AssertFunction(call.Arguments[0])
			if !ok {
				s.throwJS("UnsupportedApi", kind+" callback must be a function")
			}
			var delayMs int64
			if len(call.Arguments) > 1 {
				delayMs = call.Arguments[1].ToInteger()
			}
			if delayMs < 0 {
				delayMs = 0
			}

			id := b.Schedule(kind, delayMs, func() {
				err := s.enter(context.Background(), func(vm *goja.Runtime) error {
					_, callErr := fn(goja.Undefined())
					return callErr
				})
				if err != nil {
					s.runtime.log.WithPlugin(s.pluginID).WithError(err).Warn("timer callback failed")
				}
			})
			return vm.ToValue(id)
		}
	}

	cancel := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(false)
		}
		return vm.ToValue(b.Cancel(uint64(call.Arguments[0].ToInteger())))
	}

	if err := vm.Set("setTimeout", schedule("timeout")); err != nil {
		return err
	}
	if err := vm.Set("setInterval", schedule("interval")); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", cancel); err != nil {
		return err
	}
	return vm.Set("clearInterval", cancel)
}

func (s *Sandbox) installContext(config map[string]any, b Bindings, hasStorage bool) error {
	vm := s.vm
	ctxObj := vm.NewObject()

	if err := ctxObj.Set("pluginId", s.pluginID); err != nil {
		return err
	}
	if config == nil {
		config = map[string]any{}
	}
	// Rebuilt as a plain JS object: a Go map wrapped by vm.ToValue cannot be
	// frozen.
	rawConfig, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	configVal, err := parse(goja.Undefined(), vm.ToValue(string(rawConfig)))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := ctxObj.Set("config", configVal); err != nil {
		return err
	}

	logFn := func(call goja.FunctionCall) goja.Value {
		level := "info"
		message := ""
		if len(call.Arguments) > 0 {
			level = call.Arguments[0].String()
		}
		if len(call.Arguments) > 1 {
			message = call.Arguments[1].String()
		}
		message = truncateUTF8(message, consoleMaxBytes)
		if b.Log != nil {
			b.Log(level, message)
		} else {
			s.logAt(level, message)
		}
		return goja.Undefined()
	}
	if err := ctxObj.Set("log", logFn); err != nil {
		return err
	}

	emitFn := func(call goja.FunctionCall) goja.Value {
		if b.Emit == nil {
			s.throwJS("UnsupportedApi", "emit is not available")
		}
		if len(call.Arguments) < 1 {
			s.throwJS("UnsupportedApi", "emit requires an event name")
		}
		action := call.Arguments[0].String()
		data := exportObject(call, 1)
		if err := b.Emit(action, data); err != nil {
			s.throwJS("UnsupportedApi", err.Error())
		}
		return goja.Undefined()
	}
	if err := ctxObj.Set("emit", emitFn); err != nil {
		return err
	}

	callFn := func(call goja.FunctionCall) goja.Value {
		if b.Call == nil {
			s.throwJS("PermissionDenied", "cross-plugin calls are not available")
		}
		if len(call.Arguments) < 2 {
			s.throwJS("UnsupportedApi", "call requires target and method")
		}
		target := call.Arguments[0].String()
		method := call.Arguments[1].String()
		params := exportObject(call, 2)
		return vm.ToValue(b.Call(target, method, params))
	}
	if err := ctxObj.Set("call", callFn); err != nil {
		return err
	}

	if hasStorage && b.StorageGet != nil {
		storage := vm.NewObject()
		_ = storage.Set("get", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 1 {
				return goja.Null()
			}
			val, ok, err := b.StorageGet(call.Arguments[0].String())
			if err != nil {
				s.throwJS("UnsupportedApi", err.Error())
			}
			if !ok {
				return goja.Null()
			}
			return vm.ToValue(val)
		})
		_ = storage.Set("set", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 2 {
				s.throwJS("UnsupportedApi", "storage.set requires key and value")
			}
			if err := b.StorageSet(call.Arguments[0].String(), call.Arguments[1].String()); err != nil {
				s.throwJS("UnsupportedApi", err.Error())
			}
			return goja.Undefined()
		})
		_ = storage.Set("remove", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 1 {
				return goja.Undefined()
			}
			if err := b.StorageRemove(call.Arguments[0].String()); err != nil {
				s.throwJS("UnsupportedApi", err.Error())
			}
			return goja.Undefined()
		})
		if err := ctxObj.Set("storage", storage); err != nil {
			return err
		}
	}

	if err := vm.Set("context", ctxObj); err != nil {
		return err
	}

	// Config is read-only from plugin code.
	if _, err := vm.RunString("__deepFreeze(context.config); Object.freeze(context);"); err != nil {
		return fmt.Errorf("freeze context: %w", err)
	}
	return nil
}

func (s *Sandbox) logAt(level, message string) {
	entry := s.runtime.log.WithPlugin(s.pluginID)
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
}

func exportObject(call goja.FunctionCall, idx int) map[string]any {
	if len(call.Arguments) <= idx {
		return map[string]any{}
	}
	v := call.Arguments[idx]
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]any{}
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v.Export()}
}

func fetchErrorCode(err error) string {
	return string(securefetch.KindOf(err))
}
