// Package ratelimit bounds refresh pressure with token buckets: one bucket
// per plugin plus one global bucket every acquisition must also pass.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/pkg/logger"
)

// Config holds bucket parameters. Global and per-plugin semantics are
// identical; only the scope differs.
type Config struct {
	GlobalRPS   float64 `yaml:"global_rps" env:"RATE_GLOBAL_RPS"`
	GlobalBurst int     `yaml:"global_burst" env:"RATE_GLOBAL_BURST"`
	PluginRPS   float64 `yaml:"plugin_rps" env:"RATE_PLUGIN_RPS"`
	PluginBurst int     `yaml:"plugin_burst" env:"RATE_PLUGIN_BURST"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		GlobalRPS:   10,
		GlobalBurst: 20,
		PluginRPS:   1,
		PluginBurst: 5,
	}
}

// ErrWouldExceed is returned when a bucket has no token available.
var ErrWouldExceed = hosterr.New(hosterr.CodeWouldExceed, "rate limit would be exceeded")

// Limiter is the two-level token bucket.
type Limiter struct {
	cfg    Config
	log    *logger.Logger
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a limiter. Invalid values (including zero rates) do not fail:
// they are logged and replaced with a minimum positive rate of 1.
func New(cfg Config, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	cfg.GlobalRPS = sanitiseRate(cfg.GlobalRPS, "global_rps", log)
	cfg.PluginRPS = sanitiseRate(cfg.PluginRPS, "plugin_rps", log)
	if cfg.GlobalBurst < 1 {
		log.Warnf("rate limit global_burst %d invalid, using 1", cfg.GlobalBurst)
		cfg.GlobalBurst = 1
	}
	if cfg.PluginBurst < 1 {
		log.Warnf("rate limit plugin_burst %d invalid, using 1", cfg.PluginBurst)
		cfg.PluginBurst = 1
	}

	return &Limiter{
		cfg:     cfg,
		log:     log,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		buckets: make(map[string]*rate.Limiter),
	}
}

func sanitiseRate(v float64, name string, log *logger.Logger) float64 {
	if v <= 0 {
		log.Warnf("rate limit %s %v invalid, using minimum rate 1", name, v)
		return 1
	}
	return v
}

func (l *Limiter) bucketFor(pluginID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[pluginID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.PluginRPS), l.cfg.PluginBurst)
		l.buckets[pluginID] = b
	}
	return b
}

// Acquire takes one token from both the plugin's bucket and the global
// bucket. Either bucket being empty is ErrWouldExceed, and no token is
// consumed from the other.
func (l *Limiter) Acquire(pluginID string) error {
	bucket := l.bucketFor(pluginID)

	res := bucket.Reserve()
	if !res.OK() || res.Delay() > 0 {
		res.Cancel()
		return ErrWouldExceed
	}
	gres := l.global.Reserve()
	if !gres.OK() || gres.Delay() > 0 {
		gres.Cancel()
		res.Cancel()
		return ErrWouldExceed
	}
	return nil
}

// Forget drops a plugin's bucket. Invoked on uninstall.
func (l *Limiter) Forget(pluginID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, pluginID)
}
