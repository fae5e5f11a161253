package timerreg

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuk-labs/usagebar/pkg/logger"
)

func newTestRegistry() *Registry {
	return New(logger.NewNop())
}

func TestTimeoutFires(t *testing.T) {
	r := newTestRegistry()
	fired := make(chan struct{})
	r.Schedule("p", KindTimeout, 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, time.Millisecond)
}

func TestIntervalFiresRepeatedly(t *testing.T) {
	r := newTestRegistry()
	var count atomic.Int32
	id := r.Schedule("p", KindInterval, 5*time.Millisecond, func() { count.Add(1) })

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, r.Cancel(id))

	settled := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), settled+1, "no fires after cancel settles")
}

func TestCancelPreventsFire(t *testing.T) {
	r := newTestRegistry()
	var fired atomic.Bool
	id := r.Schedule("p", KindTimeout, 30*time.Millisecond, func() { fired.Store(true) })

	require.True(t, r.Cancel(id))
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled callback must never fire")
}

func TestCancelTwice(t *testing.T) {
	r := newTestRegistry()
	id := r.Schedule("p", KindTimeout, time.Minute, func() {})
	assert.True(t, r.Cancel(id))
	assert.False(t, r.Cancel(id))
}

func TestCancelUnknownID(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Cancel(42))
}

func TestCancelRegisterRace(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 100; i++ {
		var fired atomic.Bool
		var wg sync.WaitGroup
		id := r.Schedule("p", KindTimeout, time.Microsecond, func() { fired.Store(true) })

		wg.Add(1)
		cancelled := false
		go func() {
			defer wg.Done()
			cancelled = r.Cancel(id)
		}()
		wg.Wait()

		// Let any committed fire complete.
		time.Sleep(2 * time.Millisecond)
		if cancelled {
			assert.False(t, fired.Load(), "iteration %d: cancel returned true but callback fired", i)
		}
	}
}

func TestCancelAllFor(t *testing.T) {
	r := newTestRegistry()
	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		r.Schedule("victim", KindTimeout, 50*time.Millisecond, func() { fired.Add(1) })
	}
	other := make(chan struct{})
	r.Schedule("other", KindTimeout, 50*time.Millisecond, func() { close(other) })

	n := r.CancelAllFor("victim")
	assert.Equal(t, 5, n)

	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated plugin's timer must still fire")
	}
	assert.EqualValues(t, 0, fired.Load())
}

func TestActiveFor(t *testing.T) {
	r := newTestRegistry()
	id := r.Schedule("p", KindInterval, time.Minute, func() {})
	assert.Eventually(t, func() bool { return len(r.ActiveFor("p")) == 1 }, time.Second, time.Millisecond)
	assert.Contains(t, r.ActiveFor("p"), id)
	r.Cancel(id)
	assert.Empty(t, r.ActiveFor("p"))
}

func TestCallbackPanicIsContained(t *testing.T) {
	r := newTestRegistry()
	fired := make(chan struct{})
	r.Schedule("p", KindTimeout, time.Millisecond, func() { panic("boom") })
	r.Schedule("p", KindTimeout, 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("registry died after callback panic")
	}
}
