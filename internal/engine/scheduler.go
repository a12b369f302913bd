package engine

import (
	"context"
	"log/slog"
	"sync"
)

// Scheduler is the delivery context: it decides where a subscription's
// drain loop runs. Schedule must not block on the task itself.
type Scheduler interface {
	Schedule(task func())
}

// GoScheduler runs each task on a fresh goroutine.
type GoScheduler struct{}

// Schedule starts task on a new goroutine.
func (GoScheduler) Schedule(task func()) {
	go task()
}

// Immediate runs each task inline on the caller's goroutine. Deliveries then
// happen on the publishing goroutine, which keeps tests deterministic but
// couples writers to consumers; do not use it in production.
type Immediate struct{}

// Schedule runs task before returning.
func (Immediate) Schedule(task func()) {
	task()
}

// taskQueue is a thread-safe FIFO of tasks.
//
// The queue is unbounded, but it holds at most one drain task per active
// subscription: a subscription never schedules a second drain while the
// first is pending or running.
//
// A buffered signal channel (size 1) coalesces wake-ups and lets the worker
// wait with select alongside ctx.Done().
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds task to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, task)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue removes and returns the front task without blocking.
func (q *taskQueue) tryDequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	task := q.tasks[0]
	// Release the closure so the backing array does not pin it.
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return task, true
}

func (q *taskQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// SerialScheduler runs every task on one worker goroutine, in FIFO order.
// All subscriptions sharing it observe deliveries serialized on that worker.
//
// Thread-safety model:
//   - Schedule(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type SerialScheduler struct {
	queue  *taskQueue
	logger *slog.Logger
}

// NewSerialScheduler creates a scheduler. Call Run to start the worker.
func NewSerialScheduler(logger *slog.Logger) *SerialScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialScheduler{queue: newTaskQueue(), logger: logger}
}

// Schedule enqueues task. Tasks scheduled after Stop are dropped.
func (s *SerialScheduler) Schedule(task func()) {
	if !s.queue.enqueue(task) {
		s.logger.Warn("delivery scheduler stopped, dropping task")
	}
}

// Pending returns the number of queued tasks.
func (s *SerialScheduler) Pending() int {
	return s.queue.len()
}

// Run executes tasks until ctx is cancelled or Stop is called and the queue
// has drained.
func (s *SerialScheduler) Run(ctx context.Context) error {
	s.logger.Debug("delivery scheduler starting")

	for {
		if task, ok := s.queue.tryDequeue(); ok {
			task()
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("delivery scheduler stopping: context cancelled")
			s.queue.close()
			return ctx.Err()

		case <-s.queue.wait():
			// The signal channel closes with the queue, so once stopped this
			// case fires immediately and the loop ends when nothing is left.
			if s.isClosed() && s.queue.len() == 0 {
				s.logger.Debug("delivery scheduler stopping: stopped")
				return nil
			}
		}
	}
}

func (s *SerialScheduler) isClosed() bool {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return s.queue.closed
}

// Stop closes the queue. Run returns once queued tasks have executed.
func (s *SerialScheduler) Stop() {
	s.queue.close()
}
