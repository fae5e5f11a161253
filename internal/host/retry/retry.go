// Package retry runs operations under exponential backoff with jitter.
// Only errors explicitly marked retryable are retried; everything else
// propagates immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// DefaultConfig returns the host's standard schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Executor retries operations. Construction validates the config once so
// every later Run can trust it.
type Executor struct {
	cfg Config
}

// New validates cfg and builds an executor. Invalid configs fail fast.
func New(cfg Config) (*Executor, error) {
	if cfg.MaxAttempts < 1 {
		return nil, hosterr.New(hosterr.CodeRetryConfig, "max_attempts %d < 1", cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 {
		return nil, hosterr.New(hosterr.CodeRetryConfig, "base_delay %s <= 0", cfg.BaseDelay)
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, hosterr.New(hosterr.CodeRetryConfig, "max_delay %s < base_delay %s", cfg.MaxDelay, cfg.BaseDelay)
	}
	if cfg.Multiplier < 1 {
		return nil, hosterr.New(hosterr.CodeRetryConfig, "multiplier %v < 1", cfg.Multiplier)
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor > 1 {
		return nil, hosterr.New(hosterr.CodeRetryConfig, "jitter_factor %v outside [0, 1]", cfg.JitterFactor)
	}
	return &Executor{cfg: cfg}, nil
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Retryable() bool {
	return true
}

// Transient wraps err so Run will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) opted into retry.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Run executes op until it succeeds, fails permanently, exhausts attempts,
// or ctx is cancelled. An in-flight attempt is never interrupted;
// cancellation takes effect at the next backoff boundary.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(e.delayFor(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", e.cfg.MaxAttempts, lastErr)
}

// delayFor computes min(max_delay, base * multiplier^(n-1)) with uniform
// ± jitter_factor noise, defensively clamped on both sides.
func (e *Executor) delayFor(attempt int) time.Duration {
	base := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.Multiplier, float64(attempt-1))
	capped := math.Min(base, float64(e.cfg.MaxDelay))

	jitter := 1 + e.cfg.JitterFactor*(2*rand.Float64()-1)
	jittered := capped * jitter

	if jittered < 0 {
		jittered = 0
	}
	if jittered > float64(e.cfg.MaxDelay)*(1+e.cfg.JitterFactor) {
		jittered = float64(e.cfg.MaxDelay)
	}
	return time.Duration(jittered)
}
