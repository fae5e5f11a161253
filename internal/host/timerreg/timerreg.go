// Package timerreg schedules cancellable plugin callbacks. The registry is
// built around one ordering rule: registration and every observation of
// cancellation happen under the same lock, so the window where a timer is
// "scheduled but not yet registered" cannot lose a cancel.
package timerreg

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuk-labs/usagebar/pkg/logger"
)

// Kind selects one-shot or repeating behaviour.
type Kind int

const (
	// KindTimeout fires once.
	KindTimeout Kind = iota
	// KindInterval fires repeatedly until cancelled.
	KindInterval
)

// cancelToken signals cancellation to the firing goroutine. done is closed
// at most once, under the registry lock.
type cancelToken struct {
	done      chan struct{}
	cancelled bool
}

func (t *cancelToken) cancelLocked() {
	if !t.cancelled {
		t.cancelled = true
		close(t.done)
	}
}

// entry is a registered, armed timer.
type entry struct {
	id       uint64
	pluginID string
	kind     Kind
	token    *cancelToken
}

// Registry owns all plugin timers.
type Registry struct {
	log    *logger.Logger
	nextID atomic.Uint64

	// mu guards both tables. A timer id lives in pending from Schedule
	// until the firing goroutine registers it, then in timers until it
	// fires or is cancelled. Cancel consults both, which closes the
	// migration window.
	mu      sync.Mutex
	pending map[uint64]*entry
	timers  map[uint64]*entry
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("timerreg")
	}
	return &Registry{
		log:     log,
		pending: make(map[uint64]*entry),
		timers:  make(map[uint64]*entry),
	}
}

// Schedule arms a timer and returns its id. The callback runs on its own
// goroutine after delay; for KindInterval it keeps running every delay until
// cancelled.
func (r *Registry) Schedule(pluginID string, kind Kind, delay time.Duration, fn func()) uint64 {
	id := r.nextID.Add(1)
	e := &entry{
		id:       id,
		pluginID: pluginID,
		kind:     kind,
		token:    &cancelToken{done: make(chan struct{})},
	}

	r.mu.Lock()
	r.pending[id] = e
	r.mu.Unlock()

	go r.run(e, delay, fn)
	return id
}

// register moves the id from pending to timers. Returns false when the
// timer was cancelled before it was registered; the caller must not run the
// callback in that case.
func (r *Registry) register(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[e.id]; !ok {
		return false
	}
	delete(r.pending, e.id)
	r.timers[e.id] = e
	return true
}

func (r *Registry) run(e *entry, delay time.Duration, fn func()) {
	if !r.register(e) {
		return
	}
	id, token, kind := e.id, e.token, e.kind

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-token.done:
			r.remove(id)
			return
		case <-timer.C:
		}

		// Commit to this fire under the lock: if Cancel got there first it
		// returned true and this exits without firing. Once the entry is
		// observed uncancelled here, the callback runs. A timeout leaves the
		// table now, so a concurrent Cancel returns false; an interval stays,
		// so a concurrent Cancel returns true and stops later fires, but this
		// committed one still runs.
		r.mu.Lock()
		if token.cancelled {
			delete(r.timers, id)
			r.mu.Unlock()
			return
		}
		if kind == KindTimeout {
			delete(r.timers, id)
		}
		r.mu.Unlock()

		r.invoke(e.pluginID, id, fn)

		if kind == KindTimeout {
			return
		}
		timer.Reset(delay)
	}
}

func (r *Registry) invoke(pluginID string, id uint64, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithPlugin(pluginID).WithField("timer_id", id).
				WithField("panic", rec).Error("timer callback panicked")
		}
	}()
	fn()
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.timers, id)
	r.mu.Unlock()
}

// Cancel stops a timer. Returns true iff the timer was observed in either
// table, meaning the callback will not fire (again); for an interval, a fire
// already committed when Cancel runs still completes.
func (r *Registry) Cancel(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	if e, ok := r.timers[id]; ok {
		delete(r.timers, id)
		e.token.cancelLocked()
		found = true
	}
	if e, ok := r.pending[id]; ok {
		delete(r.pending, id)
		e.token.cancelLocked()
		found = true
	}
	return found
}

// CancelAllFor stops every timer owned by a plugin. Invoked on disable and
// uninstall.
func (r *Registry) CancelAllFor(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.timers {
		if e.pluginID == pluginID {
			delete(r.timers, id)
			e.token.cancelLocked()
			n++
		}
	}
	for id, e := range r.pending {
		if e.pluginID == pluginID {
			delete(r.pending, id)
			e.token.cancelLocked()
			n++
		}
	}
	return n
}

// Active returns the number of registered timers. Pending (not yet
// registered) timers are not counted.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// ActiveFor returns the live timer ids for one plugin.
func (r *Registry) ActiveFor(pluginID string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint64
	for id, e := range r.timers {
		if e.pluginID == pluginID {
			ids = append(ids, id)
		}
	}
	return ids
}
