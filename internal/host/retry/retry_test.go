package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{MaxAttempts: 0, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		{MaxAttempts: 3, BaseDelay: 0, MaxDelay: time.Second, Multiplier: 2},
		{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond, Multiplier: 2},
		{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 0.5},
		{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFactor: 1.5},
		{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFactor: -0.1},
	}
	for i, cfg := range cases {
		_, err := New(cfg)
		assert.Error(t, err, "case %d", i)
	}

	_, err := New(DefaultConfig())
	assert.NoError(t, err)
}

func TestRunSucceedsFirstTry(t *testing.T) {
	e, err := New(fastConfig())
	require.NoError(t, err)

	calls := 0
	err = e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesTransient(t *testing.T) {
	e, err := New(fastConfig())
	require.NoError(t, err)

	calls := 0
	err = e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnPermanentError(t *testing.T) {
	e, err := New(fastConfig())
	require.NoError(t, err)

	permanent := errors.New("bad request")
	calls := 0
	err = e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustsAttempts(t *testing.T) {
	e, err := New(fastConfig())
	require.NoError(t, err)

	calls := 0
	underlying := errors.New("down")
	err = e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return Transient(underlying)
	})
	assert.ErrorIs(t, err, underlying)
	assert.Equal(t, 3, calls)
}

func TestRunCancelledAtBackoffBoundary(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(ctx context.Context) error {
			calls++
			return Transient(errors.New("flaky"))
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "the in-flight attempt completed; no new attempt started")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
}

func TestDelayForClampsToMax(t *testing.T) {
	cfg := Config{
		MaxAttempts:  10,
		BaseDelay:    time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   10,
		JitterFactor: 0,
	}
	e, err := New(cfg)
	require.NoError(t, err)

	for attempt := 1; attempt <= 10; attempt++ {
		d := e.delayFor(attempt)
		assert.LessOrEqual(t, d, 2*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("x")))
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	wrapped := errors.Join(errors.New("ctx"), Transient(errors.New("x")))
	assert.True(t, IsRetryable(wrapped))
}
