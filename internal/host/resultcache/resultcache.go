// Package resultcache memoises refresh artefacts keyed by a request
// fingerprint, with an inverse index from plugin id to owned keys so one
// plugin's entries can be dropped without touching anyone else's.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuk-labs/usagebar/infrastructure/canonical"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

const (
	// DefaultCapacity bounds the primary store.
	DefaultCapacity = 512
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL = 5 * time.Minute
)

// Entry is one cached artefact.
type Entry struct {
	Fingerprint string
	Artefact    map[string]any
	InsertedAt  time.Time
	TTL         time.Duration
	Owners      []string
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Cache is a TTL'd LRU with a plugin inverse index.
type Cache struct {
	metrics *metrics.Metrics

	mu    sync.Mutex
	store *lru.Cache[string, *Entry]
	// owned maps plugin id -> set of fingerprints. LRU eviction informs it
	// through the eviction callback, so the index cannot grow keys the
	// store no longer has.
	owned map[string]map[string]struct{}
	clock func() time.Time
}

// New creates a cache with the given capacity (<= 0 means DefaultCapacity).
func New(capacity int, m *metrics.Metrics) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		metrics: m,
		owned:   make(map[string]map[string]struct{}),
		clock:   time.Now,
	}
	// The callback runs under c.mu: every store mutation happens inside it.
	store, err := lru.NewWithEvict[string, *Entry](capacity, func(key string, e *Entry) {
		c.dropFromIndex(key, e)
	})
	if err != nil {
		// Capacity is validated above; NewWithEvict only rejects <= 0.
		panic(fmt.Sprintf("resultcache: %v", err))
	}
	c.store = store
	return c
}

func (c *Cache) dropFromIndex(key string, e *Entry) {
	for _, owner := range e.Owners {
		if set, ok := c.owned[owner]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.owned, owner)
			}
		}
	}
}

// Fingerprint derives the stable cache key for a request descriptor.
func Fingerprint(descriptor any) (string, error) {
	raw, err := canonical.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("fingerprint descriptor: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns a live entry's artefact.
func (c *Cache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (map[string]any, bool) {
	e, ok := c.store.Get(key)
	if ok && e.expired(c.clock()) {
		c.store.Remove(key)
		ok = false
	}
	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.Inc()
		} else {
			c.metrics.CacheMisses.Inc()
		}
	}
	if !ok {
		return nil, false
	}
	return e.Artefact, true
}

// Set stores an artefact under key for the given owners.
func (c *Cache) Set(key string, artefact map[string]any, ttl time.Duration, owners []string) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, artefact, ttl, owners)
}

func (c *Cache) setLocked(key string, artefact map[string]any, ttl time.Duration, owners []string) {
	if old, ok := c.store.Peek(key); ok {
		c.dropFromIndex(key, old)
	}
	c.store.Add(key, &Entry{
		Fingerprint: key,
		Artefact:    artefact,
		InsertedAt:  c.clock(),
		TTL:         ttl,
		Owners:      append([]string(nil), owners...),
	})
	for _, owner := range owners {
		set, ok := c.owned[owner]
		if !ok {
			set = make(map[string]struct{})
			c.owned[owner] = set
		}
		set[key] = struct{}{}
	}
}

// GetOrCompute returns the cached artefact for key or runs compute and
// stores its result. Compute runs outside the lock; concurrent misses for
// the same key race and the last write wins, which is sound for memoised
// refreshes.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, owners []string, compute func() (map[string]any, error)) (map[string]any, error) {
	if artefact, ok := c.Get(key); ok {
		return artefact, nil
	}
	artefact, err := compute()
	if err != nil {
		return nil, err
	}
	c.Set(key, artefact, ttl, owners)
	return artefact, nil
}

// InvalidatePlugin removes every entry the plugin owns. Entries shared with
// other owners are removed too: a shared artefact derived from a stale
// plugin is stale for everyone.
func (c *Cache) InvalidatePlugin(pluginID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.owned[pluginID]
	n := 0
	for key := range keys {
		if c.store.Remove(key) {
			n++
		}
	}
	delete(c.owned, pluginID)
	return n
}

// Len reports the number of stored entries, including not-yet-collected
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
