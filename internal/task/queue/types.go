package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"saverbot/internal/upstream"
)

// Config controls the retrieval queue and its worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// RetryMax bounds the re-enqueue loop (rate-gate misses and upstream
	// throttling). A task exceeding it fails with RetriesExhausted.
	RetryMax int

	// RequeueMin floors the delay before a re-enqueued task is resubmitted.
	RequeueMin time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 8
	}
	if c.RequeueMin <= 0 {
		c.RequeueMin = 250 * time.Millisecond
	}
	return c
}

// State is a task's lifecycle state. Terminal states are immutable.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// Task is one retrieval unit. Queued tasks are owned by the queue; a running
// task is owned by exactly one worker. Mutation goes through the methods
// below so the terminal-state invariant holds under concurrent Cancel calls.
type Task struct {
	ID        string
	Ref       upstream.Ref
	Requester int64
	Target    upstream.Target
	BatchID   string
	CreatedAt time.Time

	// OnDone fires exactly once when the task reaches a terminal state.
	// Used by the batch controller for progress bookkeeping.
	OnDone func(t *Task)

	mu         sync.Mutex
	state      State
	failReason string
	size       int64
	attempts   int

	cancelled atomic.Bool
	doneOnce  sync.Once
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) FailureReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failReason
}

// Size is the content byte size, zero until the fetch stage learns it.
func (t *Task) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *Task) SetSize(n int64) {
	t.mu.Lock()
	t.size = n
	t.mu.Unlock()
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Cancelled reports the cooperative cancellation flag. The orchestrator
// checks it between pipeline stages; a blocking network call finishes before
// cancellation is honored.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// MarkCancelled sets the cooperative cancellation flag without touching the
// lifecycle state. Service.Cancel is the normal entry point.
func (t *Task) MarkCancelled() { t.cancelled.Store(true) }

// markRunning moves Pending → Running. Returns false if the task is already
// terminal (e.g. cancelled while queued).
func (t *Task) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateRunning
	t.attempts++
	return true
}

// markPending reverses Running → Pending for the re-enqueue loop. This is
// the only permitted backward transition.
func (t *Task) markPending() {
	t.mu.Lock()
	if t.state == StateRunning {
		t.state = StatePending
	}
	t.mu.Unlock()
}

// finish moves the task to a terminal state. Safe to call more than once;
// only the first call wins and OnDone fires exactly once.
func (t *Task) finish(s State, reason string) bool {
	if !s.Terminal() {
		return false
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = s
	t.failReason = reason
	t.mu.Unlock()

	if t.OnDone != nil {
		t.doneOnce.Do(func() { t.OnDone(t) })
	}
	return true
}

// finishIfPending fails the task only if it has not started running. The
// pending check and the transition happen under one lock, so a worker that
// wins markRunning concurrently keeps the task.
func (t *Task) finishIfPending(reason string) bool {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return false
	}
	t.state = StateFailed
	t.failReason = reason
	t.mu.Unlock()

	if t.OnDone != nil {
		t.doneOnce.Do(func() { t.OnDone(t) })
	}
	return true
}

// Executor runs one task end to end. Implemented by the download
// orchestrator; tests substitute fakes.
//
// A nil return means success. A RequeueError asks for another attempt after
// a delay. Any other error fails the task; errors implementing
// interface{ Reason() string } control the recorded failure reason.
type Executor interface {
	Execute(ctx context.Context, t *Task) error
}

// TaskEvent is published on the event bus for task lifecycle transitions.
type TaskEvent struct {
	ID       string `json:"id"`
	BatchID  string `json:"batch_id,omitempty"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Snapshot is a diagnostics view of the queue.
type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
	Tracked  int `json:"tracked"`

	Submitted uint64 `json:"submitted"`
	Requeued  uint64 `json:"requeued"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

func newTaskID(now time.Time, seq uint64) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}
