package bus

import (
	"sync"
	"sync/atomic"

	"github.com/cuk-labs/usagebar/internal/host/permission"
	"github.com/cuk-labs/usagebar/pkg/logger"
)

// MaxCallDepth caps cross-plugin call chains.
const MaxCallDepth = 3

// Envelope is the synchronous result of a cross-plugin call. Executing the
// callee requires a persistent sandbox dispatch mode that is not wired yet,
// so granted, in-depth calls currently come back as not_supported.
type Envelope struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Target    string `json:"target"`
	Method    string `json:"method"`
	CallDepth int    `json:"call_depth"`
	MaxDepth  int    `json:"max_depth"`
	Message   string `json:"message,omitempty"`
}

func (e Envelope) asMap() map[string]any {
	out := map[string]any{
		"success":    e.Success,
		"status":     e.Status,
		"target":     e.Target,
		"method":     e.Method,
		"call_depth": e.CallDepth,
		"max_depth":  e.MaxDepth,
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	return out
}

// callRequest travels through the dispatcher channel.
type callRequest struct {
	caller string
	target string
	method string
	params map[string]any
	depth  int
	reply  chan Envelope
}

// Router enforces call permissions and depth limits and dispatches granted
// calls. The dispatcher goroutine consumes the receive end of the request
// channel; stopping it is terminal by design.
type Router struct {
	log     *logger.Logger
	checker *permission.Checker

	mu      sync.RWMutex
	methods map[string]map[string]struct{}

	requests  chan callRequest
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   chan struct{}
	loopDone  chan struct{}
}

// NewRouter creates a router backed by the permission checker.
func NewRouter(checker *permission.Checker, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefault("callrouter")
	}
	return &Router{
		log:      log,
		checker:  checker,
		methods:  make(map[string]map[string]struct{}),
		requests: make(chan callRequest, 64),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// RegisterMethods replaces a plugin's exposed method set.
func (r *Router) RegisterMethods(pluginID string, methods []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	r.methods[pluginID] = set
}

// UnregisterMethods removes a plugin's exposed methods.
func (r *Router) UnregisterMethods(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, pluginID)
}

// Methods returns a plugin's exposed methods.
func (r *Router) Methods(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods[pluginID]))
	for m := range r.methods[pluginID] {
		out = append(out, m)
	}
	return out
}

func (r *Router) exposes(pluginID, method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[pluginID][method]
	return ok
}

// Start launches the dispatcher exactly once.
func (r *Router) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.dispatchLoop()
	})
}

// Stop halts the dispatcher. Terminal: the receive end is consumed and a
// stopped router rejects all further calls.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		if r.started.Load() {
			<-r.loopDone
		}
	})
}

func (r *Router) dispatchLoop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.stopped:
			return
		case req := <-r.requests:
			req.reply <- r.handle(req)
		}
	}
}

// Call validates and dispatches one cross-plugin call, returning the
// envelope synchronously.
func (r *Router) Call(caller, target, method string, params map[string]any, callDepth int) map[string]any {
	env := Envelope{Target: target, Method: method, CallDepth: callDepth, MaxDepth: MaxCallDepth}

	if callDepth >= MaxCallDepth {
		env.Status = "CallDepthExceeded"
		env.Message = "call chain too deep"
		return env.asMap()
	}

	allowed, err := r.checker.AllowsCallSync(caller, target, method)
	if err != nil {
		env.Status = "LockContention"
		env.Message = err.Error()
		return env.asMap()
	}
	if !allowed {
		env.Status = "PermissionDenied"
		env.Message = "missing call:" + target + ":" + method
		return env.asMap()
	}

	req := callRequest{
		caller: caller,
		target: target,
		method: method,
		params: params,
		depth:  callDepth,
		reply:  make(chan Envelope, 1),
	}
	select {
	case r.requests <- req:
	case <-r.stopped:
		env.Status = "Cancelled"
		env.Message = "call dispatcher stopped"
		return env.asMap()
	}

	select {
	case resp := <-req.reply:
		return resp.asMap()
	case <-r.stopped:
		env.Status = "Cancelled"
		env.Message = "call dispatcher stopped"
		return env.asMap()
	}
}

func (r *Router) handle(req callRequest) Envelope {
	env := Envelope{Target: req.target, Method: req.method, CallDepth: req.depth, MaxDepth: MaxCallDepth}

	if !r.exposes(req.target, req.method) {
		env.Status = "UnsupportedApi"
		env.Message = "target does not expose " + req.method
		return env
	}

	// Executing the callee needs its sandbox kept hot between dispatches;
	// until that mode exists the granted path acknowledges without running.
	env.Status = "not_supported"
	env.Message = "cross-plugin execution is not available yet"
	return env
}
