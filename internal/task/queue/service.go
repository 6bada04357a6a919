package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"saverbot/internal/eventbus"
	logx "saverbot/pkg/logx"
)

// Service is the bounded FIFO retrieval queue plus its fixed worker pool.
//
// Worker count is the single knob controlling total retrieval concurrency:
// tasks from every batch share one FIFO, so jobs interleave fairly without
// any per-job scheduling.
type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	exec Executor

	mu      sync.Mutex
	q       chan *Task
	stopCh  chan struct{}
	stopped bool
	tasks   map[string]*Task
	timers  map[*time.Timer]struct{}

	wg    sync.WaitGroup
	idSeq uint64

	submitted uint64
	requeued  uint64
	succeeded uint64
	failed    uint64
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "queue")),
		bus:    bus,
		exec:   exec,
		q:      make(chan *Task, cfg.QueueSize),
		stopCh: make(chan struct{}),
		tasks:  map[string]*Task{},
		timers: map[*time.Timer]struct{}{},
	}
}

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.log.Info("task queue started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", cap(s.q)),
	)
}

// Submit enqueues a Pending task. It never blocks: a full queue fails fast
// with ErrQueueFull so callers (the batch window, single-item requests) can
// apply their own back-pressure.
func (s *Service) Submit(t *Task) error {
	if t.ID == "" {
		t.ID = newTaskID(time.Now(), atomic.AddUint64(&s.idSeq, 1))
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.tasks[t.ID] = t
	s.mu.Unlock()

	select {
	case s.q <- t:
		atomic.AddUint64(&s.submitted, 1)
		s.publish("task.submitted", t, "")
		return nil
	default:
		s.mu.Lock()
		delete(s.tasks, t.ID)
		s.mu.Unlock()
		s.log.Warn("queue full, submission rejected",
			logx.String("task", t.ID),
			logx.Int("queue_cap", cap(s.q)),
		)
		return ErrQueueFull
	}
}

// Cancel cancels a task. A still-Pending task fails immediately with
// Cancelled; a Running task gets the cooperative flag and finishes at the
// next stage boundary.
func (s *Service) Cancel(taskID string) error {
	s.mu.Lock()
	t := s.tasks[taskID]
	s.mu.Unlock()
	if t == nil {
		return ErrNotFound
	}

	t.MarkCancelled()
	if t.finishIfPending(ReasonCancelled) {
		atomic.AddUint64(&s.failed, 1)
		s.untrack(t)
		s.publish("task.failed", t, ReasonCancelled)
	}
	return nil
}

// Task looks up a tracked (non-terminal) task.
func (s *Service) Task(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Stop stops accepting submissions, cancels scheduled requeues, and waits
// for in-flight tasks to reach a terminal state. Queued-but-unstarted tasks
// stay Pending; the batch checkpoint brings them back after a restart.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for tmr := range s.timers {
		tmr.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("task queue stopped")
	case <-ctx.Done():
		s.log.Warn("task queue stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tracked := len(s.tasks)
	s.mu.Unlock()
	return Snapshot{
		Workers:   s.cfg.Workers,
		QueueLen:  len(s.q),
		QueueCap:  cap(s.q),
		Tracked:   tracked,
		Submitted: atomic.LoadUint64(&s.submitted),
		Requeued:  atomic.LoadUint64(&s.requeued),
		Succeeded: atomic.LoadUint64(&s.succeeded),
		Failed:    atomic.LoadUint64(&s.failed),
	}
}

// scheduleRequeue resubmits t after delay, bumping the queue's requeue
// counter. Called by workers for rate-gate misses and throttle waits.
func (s *Service) scheduleRequeue(t *Task, delay time.Duration) {
	if delay < s.cfg.RequeueMin {
		delay = s.cfg.RequeueMin
	}
	t.markPending()
	atomic.AddUint64(&s.requeued, 1)
	s.publish("task.requeued", t, "")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var tmr *time.Timer
	tmr = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, tmr)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		select {
		case s.q <- t:
		default:
			// The queue refilled while we waited. Failing is wrong (nothing
			// is wrong with the task), so try again after another interval.
			s.scheduleRequeue(t, delay)
		}
	})
	s.timers[tmr] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t.ID)
	s.mu.Unlock()
}

func (s *Service) publish(typ string, t *Task, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		ID:       t.ID,
		BatchID:  t.BatchID,
		State:    t.State().String(),
		Reason:   reason,
		Attempts: t.Attempts(),
		Size:     t.Size(),
	}})
}
