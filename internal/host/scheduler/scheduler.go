// Package scheduler runs plugin refresh work through a bounded FIFO queue
// and a fixed pool of worker permits. Every submitted task reaches a
// terminal outcome: success, error, panic, or cancellation at shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/pkg/logger"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

const (
	// DefaultQueueCapacity bounds waiting tasks.
	DefaultQueueCapacity = 64
	// DefaultPermits bounds concurrently running tasks.
	DefaultPermits = 4
	// DefaultTaskTimeout bounds one task's execution.
	DefaultTaskTimeout = 30 * time.Second
	// drainTimeout bounds how long shutdown waits for outstanding tasks.
	drainTimeout = 10 * time.Second
)

// Config holds scheduler parameters.
type Config struct {
	QueueCapacity int           `yaml:"queue_capacity" env:"SCHED_QUEUE_CAPACITY"`
	Permits       int           `yaml:"permits" env:"SCHED_PERMITS"`
	TaskTimeout   time.Duration `yaml:"task_timeout" env:"SCHED_TASK_TIMEOUT"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		Permits:       DefaultPermits,
		TaskTimeout:   DefaultTaskTimeout,
	}
}

// TaskFunc is the unit of scheduled work.
type TaskFunc func(ctx context.Context) (map[string]any, error)

// Outcome is a task's terminal result.
type Outcome struct {
	Value map[string]any
	Err   error
}

// queuedTask sits in the FIFO until a permit frees up.
type queuedTask struct {
	id          string
	pluginID    string
	fingerprint string
	submittedAt time.Time
	fn          TaskFunc
	result      chan Outcome // buffered(1); written exactly once
}

// Scheduler is the bounded execution pipeline.
type Scheduler struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	queue   []*queuedTask
	closed  bool
	started bool

	// notify wakes the dispatch loop; buffered so a notification is never
	// lost while the loop is busy.
	notify  chan struct{}
	permits *semaphore.Weighted

	running    sync.WaitGroup
	stopCh     chan struct{}
	doneCh     chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc

	totalExecuted atomic.Int64
	totalPanicked atomic.Int64
}

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = hosterr.New(hosterr.CodeWouldExceed, "scheduler queue full")

// ErrShutdown is returned for submissions after Stop.
var ErrShutdown = hosterr.New(hosterr.CodeCancelled, "scheduler stopped")

// New creates a scheduler. Start must be called before submissions execute.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Permits <= 0 {
		cfg.Permits = DefaultPermits
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		notify:     make(chan struct{}, 1),
		permits:    semaphore.NewWeighted(int64(cfg.Permits)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.dispatchLoop()
}

// dispatchLoop acquires a permit, pops the next task, runs it on its own
// goroutine, and re-notifies itself when the permit frees. The self-notify
// guarantees a freed permit always wakes the loop, so the queue cannot get
// stuck with idle permits and waiting tasks.
func (s *Scheduler) dispatchLoop() {
	defer close(s.doneCh)

	for {
		// The loop context is cancelled at shutdown so a loop blocked here
		// waiting for a permit held by a stuck task still exits.
		if err := s.permits.Acquire(s.loopCtx, 1); err != nil {
			return
		}

		task := s.pop()
		for task == nil {
			select {
			case <-s.notify:
				task = s.pop()
			case <-s.stopCh:
				s.permits.Release(1)
				return
			}
		}

		s.running.Add(1)
		go func(t *queuedTask) {
			defer s.running.Done()
			defer func() {
				s.permits.Release(1)
				s.wake()
			}()
			s.execute(t)
		}(task)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pop() *queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
	return task
}

// execute runs one task inside a panic barrier. A panic becomes TaskPanic
// and never reaches the result channel un-delivered.
func (s *Scheduler) execute(t *queuedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	outcome := s.runGuarded(ctx, t)

	s.totalExecuted.Add(1)
	if s.metrics != nil {
		s.metrics.TasksExecuted.Inc()
	}
	t.result <- outcome
}

func (s *Scheduler) runGuarded(ctx context.Context, t *queuedTask) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			s.totalPanicked.Add(1)
			if s.metrics != nil {
				s.metrics.TasksPanicked.Inc()
			}
			s.log.WithPlugin(t.pluginID).WithField("task_id", t.id).
				WithField("panic", rec).Error("task panicked")
			outcome = Outcome{Err: hosterr.New(hosterr.CodeTaskPanic, "task panicked: %v", rec)}
		}
	}()
	value, err := t.fn(ctx)
	return Outcome{Value: value, Err: err}
}

// Submit enqueues a task. The returned channel delivers exactly one Outcome.
// Submission itself can fail when the queue is full or the scheduler has
// stopped; capacity check and insertion are atomic under the queue lock.
func (s *Scheduler) Submit(pluginID, fingerprint string, fn TaskFunc) (<-chan Outcome, error) {
	task := &queuedTask{
		id:          uuid.NewString(),
		pluginID:    pluginID,
		fingerprint: fingerprint,
		submittedAt: time.Now(),
		fn:          fn,
		result:      make(chan Outcome, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.TasksRejected.Inc()
		}
		return nil, ErrQueueFull
	}
	s.queue = append(s.queue, task)
	if s.metrics != nil {
		s.metrics.TasksSubmitted.Inc()
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
	s.mu.Unlock()

	s.wake()
	return task.result, nil
}

// SubmitMany submits a batch and collects every outcome, including
// submission failures, in input order. Nothing is dropped silently.
func (s *Scheduler) SubmitMany(pluginID string, fingerprints []string, fns []TaskFunc) []Outcome {
	if len(fingerprints) != len(fns) {
		return []Outcome{{Err: fmt.Errorf("scheduler: %d fingerprints for %d tasks", len(fingerprints), len(fns))}}
	}

	type pending struct {
		ch  <-chan Outcome
		err error
	}
	submitted := make([]pending, len(fns))
	for i := range fns {
		ch, err := s.Submit(pluginID, fingerprints[i], fns[i])
		submitted[i] = pending{ch: ch, err: err}
	}

	outcomes := make([]Outcome, len(fns))
	for i, p := range submitted {
		if p.err != nil {
			outcomes[i] = Outcome{Err: p.err}
			continue
		}
		outcomes[i] = <-p.ch
	}
	return outcomes
}

// Stop stops accepting work, waits for outstanding tasks up to the drain
// timeout, and reports still-queued tasks as Cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	remaining := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.loopCancel()
	close(s.stopCh)
	if started {
		<-s.doneCh
	}

	for _, t := range remaining {
		t.result <- Outcome{Err: hosterr.New(hosterr.CodeCancelled, "scheduler shut down before execution")}
	}

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.log.Warn("scheduler drain timed out with tasks still running")
	}
}

// Stats reports execution counters.
func (s *Scheduler) Stats() (executed, panicked int64) {
	return s.totalExecuted.Load(), s.totalPanicked.Load()
}
