package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// Task is one schedulable unit of work, keyed by job or thread id.
type Task struct {
	Key uuid.UUID
	Run func(ctx context.Context)
}

// workerHandle tracks one running task.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler caps concurrently running workers at maxParallel; excess
// submissions queue FIFO. Cancellation signals the worker's context and
// force-abandons it after the grace period.
type Scheduler struct {
	maxParallel int
	grace       time.Duration

	mu      sync.Mutex
	active  map[uuid.UUID]*workerHandle
	queue   []Task
	closed  bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewScheduler builds the scheduler; Run must be called to start
// dispatching.
func NewScheduler(maxParallel int, grace time.Duration) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Scheduler{
		maxParallel: maxParallel,
		grace:       grace,
		active:      make(map[uuid.UUID]*workerHandle),
	}
}

// Run owns the scheduler lifecycle: it dispatches until ctx is cancelled,
// then waits for running workers.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	<-ctx.Done()
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit enqueues a task. Tasks whose key is already active are refused
// (a thread's turns are serialized upstream; a duplicate submit is a
// bug).
func (s *Scheduler) Submit(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, running := s.active[task.Key]; running {
		return false
	}
	if len(s.active) < s.maxParallel {
		s.startLocked(task)
		return true
	}
	s.queue = append(s.queue, task)
	logging.Get(logging.CategoryScheduler).Debug("queued task %s (depth %d)", task.Key, len(s.queue))
	return true
}

// startLocked launches a task; caller holds the lock.
func (s *Scheduler) startLocked(task Task) {
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	handle := &workerHandle{cancel: cancel, done: make(chan struct{})}
	s.active[task.Key] = handle
	s.wg.Add(1)

	go func() {
		defer func() {
			close(handle.done)
			s.finish(task.Key)
			s.wg.Done()
		}()
		task.Run(ctx)
	}()
}

// finish releases the slot and dispatches the next queued task FIFO.
func (s *Scheduler) finish(key uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
	if s.closed || len(s.queue) == 0 || len(s.active) >= s.maxParallel {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.startLocked(next)
}

// Cancel signals the worker for key and waits up to the grace period for
// acknowledgement. Returns false if no such worker was running.
func (s *Scheduler) Cancel(key uuid.UUID) bool {
	s.mu.Lock()
	handle, ok := s.active[key]
	if !ok {
		// Drop it from the queue if it never started.
		for i, t := range s.queue {
			if t.Key == key {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	handle.cancel()
	select {
	case <-handle.done:
	case <-time.After(s.grace):
		logging.Get(logging.CategoryScheduler).Warn("worker %s missed cancellation grace period", key)
	}
	return true
}

// Running reports whether key has an active worker.
func (s *Scheduler) Running(key uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

// Load reports active and queued counts.
func (s *Scheduler) Load() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.queue)
}
