package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// execFunc adapts a function to the Executor interface for tests.
type execFunc func(ctx context.Context, t *Task) error

func (f execFunc) Execute(ctx context.Context, t *Task) error { return f(ctx, t) }

func newTestService(t *testing.T, cfg Config, exec Executor) *Service {
	t.Helper()
	s := New(cfg, exec, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
		cancel()
	})
	return s
}

func waitTerminal(t *testing.T, task *Task) State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if st := task.State(); st.Terminal() {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state (state=%s)", task.ID, task.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitAndSucceed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := newTestService(t, Config{Workers: 2}, execFunc(func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return nil
	}))

	task := &Task{Ref: upstream.Ref{ChatName: "chan", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Submit did not assign an id")
	}

	if st := waitTerminal(t, task); st != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", st)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("executor ran %d times, want 1", got)
	}
	if _, ok := s.Task(task.ID); ok {
		t.Fatal("terminal task still tracked")
	}
}

func TestOnDoneFiresOnce(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	s := newTestService(t, Config{Workers: 1}, execFunc(func(ctx context.Context, task *Task) error {
		return nil
	}))

	task := &Task{
		Ref:    upstream.Ref{ChatName: "chan", MessageID: 1},
		OnDone: func(*Task) { fired.Add(1) },
	}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, task)

	// A late Cancel on a terminal task must not refire the callback.
	_ = s.Cancel(task.ID)
	if got := fired.Load(); got != 1 {
		t.Fatalf("OnDone fired %d times, want 1", got)
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := newTestService(t, Config{Workers: 1, QueueSize: 1}, execFunc(func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}))
	defer close(release)

	// First task occupies the worker, second fills the queue.
	first := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(first); err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	// Wait until the worker picked up the first task so the single queue
	// slot is actually free for the second.
	deadline := time.After(2 * time.Second)
	for first.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("first task never started")
		case <-time.After(time.Millisecond):
		}
	}
	second := &Task{Ref: upstream.Ref{ChatName: "b", MessageID: 2}}
	if err := s.Submit(second); err != nil {
		t.Fatalf("Submit #2: %v", err)
	}

	third := &Task{Ref: upstream.Ref{ChatName: "c", MessageID: 3}}
	err := s.Submit(third)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit #3 = %v, want ErrQueueFull", err)
	}
	if _, ok := s.Task(third.ID); ok {
		t.Fatal("rejected task left tracked")
	}
}

func TestCancelPendingFailsImmediately(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var executed atomic.Int32
	s := newTestService(t, Config{Workers: 1, QueueSize: 4}, execFunc(func(ctx context.Context, task *Task) error {
		executed.Add(1)
		<-release
		return nil
	}))
	defer close(release)

	blocker := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for blocker.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("blocker never started")
		case <-time.After(time.Millisecond):
		}
	}

	pending := &Task{Ref: upstream.Ref{ChatName: "b", MessageID: 2}}
	if err := s.Submit(pending); err != nil {
		t.Fatalf("Submit pending: %v", err)
	}
	if err := s.Cancel(pending.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if st := pending.State(); st != StateFailed {
		t.Fatalf("pending state after cancel = %s, want failed", st)
	}
	if got := pending.FailureReason(); got != ReasonCancelled {
		t.Fatalf("failure reason = %q, want %q", got, ReasonCancelled)
	}
	if got := executed.Load(); got != 1 {
		t.Fatalf("cancelled pending task reached the executor (%d executions)", got)
	}
}

func TestCancelRunningSetsFlag(t *testing.T) {
	t.Parallel()

	started := make(chan *Task, 1)
	release := make(chan struct{})
	s := newTestService(t, Config{Workers: 1}, execFunc(func(ctx context.Context, task *Task) error {
		started <- task
		<-release
		if task.Cancelled() {
			return errors.New("cancelled mid-flight")
		}
		return nil
	}))

	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	running := <-started
	if err := s.Cancel(running.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if st := running.State(); st != StateRunning {
		t.Fatalf("running task flipped state on cancel: %s", st)
	}
	close(release)

	if st := waitTerminal(t, task); st != StateFailed {
		t.Fatalf("state = %s, want failed", st)
	}
}

func TestRequeueRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := newTestService(t, Config{Workers: 1, RequeueMin: time.Millisecond}, execFunc(func(ctx context.Context, task *Task) error {
		if calls.Add(1) < 3 {
			return Requeue(time.Millisecond, errors.New("not yet"))
		}
		return nil
	}))

	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if st := waitTerminal(t, task); st != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", st)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("executor ran %d times, want 3", got)
	}
	if got := task.Attempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestRequeueBoundedByRetryMax(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := newTestService(t, Config{Workers: 1, RetryMax: 3, RequeueMin: time.Millisecond}, execFunc(func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return Requeue(time.Millisecond, errors.New("always busy"))
	}))

	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if st := waitTerminal(t, task); st != StateFailed {
		t.Fatalf("state = %s, want failed", st)
	}
	if got := task.FailureReason(); got != ReasonRetriesExhausted {
		t.Fatalf("failure reason = %q, want %q", got, ReasonRetriesExhausted)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("executor ran %d times, want RetryMax=3", got)
	}
}

type reasonedError struct{ reason string }

func (e reasonedError) Error() string  { return e.reason }
func (e reasonedError) Reason() string { return e.reason }

func TestFailureReasonFromError(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{Workers: 1}, execFunc(func(ctx context.Context, task *Task) error {
		return reasonedError{reason: "access_denied"}
	}))

	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st := waitTerminal(t, task); st != StateFailed {
		t.Fatalf("state = %s, want failed", st)
	}
	if got := task.FailureReason(); got != "access_denied" {
		t.Fatalf("failure reason = %q, want access_denied", got)
	}
}

func TestExecutorPanicFailsTask(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{Workers: 1}, execFunc(func(ctx context.Context, task *Task) error {
		panic("boom")
	}))

	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st := waitTerminal(t, task); st != StateFailed {
		t.Fatalf("state = %s, want failed", st)
	}
	if got := task.FailureReason(); got != ReasonError {
		t.Fatalf("failure reason = %q, want %q", got, ReasonError)
	}
}

func TestStopDrainsRunningTasks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	finished := false
	release := make(chan struct{})
	s := New(Config{Workers: 1}, execFunc(func(ctx context.Context, task *Task) error {
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	}), logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for task.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("task never started")
		case <-time.After(time.Millisecond):
		}
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatal("Stop returned before the running task finished")
	}

	if err := s.Submit(&Task{Ref: upstream.Ref{ChatName: "b", MessageID: 2}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestFinishIfPendingLosesToRunningTask(t *testing.T) {
	t.Parallel()

	var done atomic.Int32
	task := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 1}}
	task.OnDone = func(*Task) { done.Add(1) }

	// A worker claims the task first; the cancel path must keep its hands off.
	if !task.markRunning() {
		t.Fatal("markRunning refused a pending task")
	}
	if task.finishIfPending(ReasonCancelled) {
		t.Fatal("finishIfPending won against a running task")
	}
	if st := task.State(); st != StateRunning {
		t.Fatalf("state = %s, want running", st)
	}
	if done.Load() != 0 {
		t.Fatalf("OnDone fired %d times for a still-running task", done.Load())
	}

	// The worker's outcome stands.
	if !task.finish(StateSucceeded, "") {
		t.Fatal("worker could not finish its own task")
	}
	if st := task.State(); st != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", st)
	}

	// The other order: still pending, the cancel wins atomically.
	fresh := &Task{Ref: upstream.Ref{ChatName: "a", MessageID: 2}}
	if !fresh.finishIfPending(ReasonCancelled) {
		t.Fatal("finishIfPending refused a pending task")
	}
	if st, reason := fresh.State(), fresh.FailureReason(); st != StateFailed || reason != ReasonCancelled {
		t.Fatalf("state = %s reason = %q, want failed/cancelled", st, reason)
	}
}
