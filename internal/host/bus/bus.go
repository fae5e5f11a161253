// Package bus carries events between plugins, the host core, and the UI
// process. Topics are namespaced: plugin:{id}:{action} for plugin-emitted
// events, system:{action} for the core, ipc:{action} for the UI surface.
package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/cuk-labs/usagebar/pkg/logger"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

// Handler receives dispatched events. Handlers run concurrently relative to
// each other, bounded by MaxConcurrentHandlers.
type Handler func(ctx context.Context, topic string, data map[string]any) error

// Config bounds dispatch behaviour.
type Config struct {
	MaxConcurrentHandlers int `yaml:"max_concurrent_handlers" env:"BUS_MAX_CONCURRENT_HANDLERS"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentHandlers: 8}
}

var actionRe = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

// Bus is the in-process event bus.
type Bus struct {
	log  *logger.Logger
	mets *metrics.Metrics

	// fanout bounds concurrently running handlers across all dispatches.
	fanout *semaphore.Weighted

	mu sync.RWMutex
	// subs maps topic -> subscriber ids. Subscribers are weak plugin ids,
	// resolved to handlers at dispatch time, so a stale subscription can
	// never keep a dead handler alive.
	subs map[string]map[string]struct{}
	// prefixSubs maps a topic prefix -> subscriber ids; used by the UI sink
	// which wants every ipc: event.
	prefixSubs map[string]map[string]struct{}
	handlers   map[string]Handler

	eventsPublished atomic.Int64
}

// New creates a bus.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *Bus {
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = DefaultConfig().MaxConcurrentHandlers
	}
	if log == nil {
		log = logger.NewDefault("bus")
	}
	return &Bus{
		log:        log,
		mets:       m,
		fanout:     semaphore.NewWeighted(int64(cfg.MaxConcurrentHandlers)),
		subs:       make(map[string]map[string]struct{}),
		prefixSubs: make(map[string]map[string]struct{}),
		handlers:   make(map[string]Handler),
	}
}

// RegisterHandler installs (or replaces) a subscriber's handler.
func (b *Bus) RegisterHandler(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// UnregisterHandler removes the handler and every subscription.
func (b *Bus) UnregisterHandler(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	b.removeSubsLocked(id)
}

// Subscribe adds topic subscriptions for a registered subscriber.
func (b *Bus) Subscribe(id string, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		set, ok := b.subs[topic]
		if !ok {
			set = make(map[string]struct{})
			b.subs[topic] = set
		}
		set[id] = struct{}{}
	}
}

// SubscribePrefix subscribes id to every topic with the given prefix.
func (b *Bus) SubscribePrefix(id, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.prefixSubs[prefix]
	if !ok {
		set = make(map[string]struct{})
		b.prefixSubs[prefix] = set
	}
	set[id] = struct{}{}
}

// UnsubscribeOnly removes id's subscriptions but retains its handler slot.
// Reload uses this so a re-registered subscription set does not require
// re-executing the plugin to rebuild the handler.
func (b *Bus) UnsubscribeOnly(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeSubsLocked(id)
}

func (b *Bus) removeSubsLocked(id string) {
	for topic, set := range b.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
	for prefix, set := range b.prefixSubs {
		delete(set, id)
		if len(set) == 0 {
			delete(b.prefixSubs, prefix)
		}
	}
}

// Subscriptions returns the topics id is subscribed to. Used by reload to
// verify registration state.
func (b *Bus) Subscriptions(id string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var topics []string
	for topic, set := range b.subs {
		if _, ok := set[id]; ok {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Emit publishes a plugin event and waits for every handler to finish.
func (b *Bus) Emit(ctx context.Context, pluginID, action string, data map[string]any) error {
	if err := validateAction(action); err != nil {
		return err
	}
	topic := fmt.Sprintf("plugin:%s:%s", pluginID, action)
	b.count(topic)
	return b.dispatch(ctx, topic, data)
}

// EmitSync publishes a plugin event without waiting for handlers. It never
// blocks the caller: the counter update is a non-blocking atomic and the
// fan-out (which may wait for handler permits) runs on its own goroutine.
func (b *Bus) EmitSync(pluginID, action string, data map[string]any) error {
	if err := validateAction(action); err != nil {
		return err
	}
	topic := fmt.Sprintf("plugin:%s:%s", pluginID, action)
	b.count(topic)
	go func() {
		_ = b.dispatch(context.Background(), topic, data)
	}()
	return nil
}

// EmitSystem publishes a core event.
func (b *Bus) EmitSystem(ctx context.Context, action string, data map[string]any) error {
	if err := validateAction(action); err != nil {
		return err
	}
	b.count("system:" + action)
	return b.dispatch(ctx, "system:"+action, data)
}

// EmitIPC publishes an event for the UI surface.
func (b *Bus) EmitIPC(ctx context.Context, action string, data map[string]any) error {
	if err := validateAction(action); err != nil {
		return err
	}
	b.count("ipc:" + action)
	return b.dispatch(ctx, "ipc:"+action, data)
}

func validateAction(action string) error {
	if !actionRe.MatchString(action) {
		return fmt.Errorf("bus: action %q is not snake_case", action)
	}
	return nil
}

func (b *Bus) count(topic string) {
	b.eventsPublished.Add(1)
	if b.mets != nil {
		b.mets.EventsPublished.WithLabelValues(topicClass(topic)).Inc()
	}
}

// dispatch clones the receiver list under the read lock, releases it, then
// awaits handlers. The lock is never held across a handler call: a handler
// that re-enters the bus (emit from an event handler) cannot deadlock.
func (b *Bus) dispatch(ctx context.Context, topic string, data map[string]any) error {
	b.mu.RLock()
	ids := make(map[string]struct{})
	for id := range b.subs[topic] {
		ids[id] = struct{}{}
	}
	for prefix, set := range b.prefixSubs {
		if strings.HasPrefix(topic, prefix) {
			for id := range set {
				ids[id] = struct{}{}
			}
		}
	}
	type target struct {
		id string
		h  Handler
	}
	targets := make([]target, 0, len(ids))
	for id := range ids {
		if h, ok := b.handlers[id]; ok {
			targets = append(targets, target{id: id, h: h})
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, tgt := range targets {
		if err := b.fanout.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return fmt.Errorf("bus: dispatch cancelled: %w", err)
		}
		wg.Add(1)
		go func(tgt target) {
			defer wg.Done()
			defer b.fanout.Release(1)
			defer func() {
				if rec := recover(); rec != nil {
					b.log.WithField("topic", topic).WithField("subscriber", tgt.id).
						WithField("panic", rec).Error("event handler panicked")
				}
			}()
			if err := tgt.h(ctx, topic, data); err != nil {
				b.log.WithField("topic", topic).WithField("subscriber", tgt.id).
					WithError(err).Warn("event handler failed")
			}
		}(tgt)
	}
	wg.Wait()
	return nil
}

func topicClass(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return "unknown"
}

// EventsPublished reports the total published events.
func (b *Bus) EventsPublished() int64 {
	return b.eventsPublished.Load()
}
