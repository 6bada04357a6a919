package relay

import (
	"context"
	"math"
	"testing"
	"time"

	"saverbot/internal/ratelimit"
	"saverbot/internal/task/queue"
	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// These tests run the orchestrator behind a real queue so the re-enqueue
// loops (rate gate, upstream throttling) play out end to end.

func startQueue(t *testing.T, f *fixture, cfg queue.Config) *queue.Service {
	t.Helper()
	q := queue.New(cfg, f.orch, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		q.Stop(context.Background())
		cancel()
	})
	return q
}

func waitAllTerminal(t *testing.T, tasks []*queue.Task) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := 0
		for _, tk := range tasks {
			if tk.State().Terminal() {
				done++
			}
		}
		if done == len(tasks) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d tasks terminal", done, len(tasks))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestThrottledTaskRecoversWithSingleRateCut(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fetchErrs: []error{upstream.Throttled(30 * time.Millisecond)}}
	f := newFixture(t, client)
	q := startQueue(t, f, queue.Config{Workers: 1, QueueSize: 4, RetryMax: 5, RequeueMin: 10 * time.Millisecond})

	tk := &queue.Task{
		Ref:       upstream.Ref{ChatName: "chan", MessageID: 9, Capability: upstream.CapabilityGeneral},
		Requester: 7,
		Target:    upstream.Target{ChatID: 7},
	}
	if err := q.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitAllTerminal(t, []*queue.Task{tk})

	if got := tk.State(); got != queue.StateSucceeded {
		t.Fatalf("state = %v (reason %q), want succeeded", got, tk.FailureReason())
	}
	if got := tk.Attempts(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if got := client.fetchCalls.Load(); got != 2 {
		t.Fatalf("fetch calls = %d, want 2", got)
	}
	if got := client.deliverCalls.Load(); got != 1 {
		t.Fatalf("deliver calls = %d, want 1", got)
	}
	// Default 0.5/s halved exactly once by the throttle signal.
	if got := f.limiter.Rate(); math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("rate = %v, want 0.25", got)
	}
}

func TestBurstAdmitsCapacityThenDelaysRest(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	f := newFixture(t, client, func(f *fixture) {
		f.limiter = ratelimit.New(ratelimit.Config{
			InitialRate: 10,
			MaxRate:     50,
			Burst:       3,
		}, logx.Nop())
	})
	q := startQueue(t, f, queue.Config{Workers: 2, QueueSize: 10, RetryMax: 8, RequeueMin: 20 * time.Millisecond})

	tasks := make([]*queue.Task, 5)
	for i := range tasks {
		tasks[i] = &queue.Task{
			Ref:       upstream.Ref{ChatName: "chan", MessageID: 100 + i, Capability: upstream.CapabilityGeneral},
			Requester: 7,
			Target:    upstream.Target{ChatID: 7},
		}
		if err := q.Submit(tasks[i]); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
	}
	waitAllTerminal(t, tasks)

	firstTry, delayed := 0, 0
	for i, tk := range tasks {
		if got := tk.State(); got != queue.StateSucceeded {
			t.Fatalf("task %d state = %v (reason %q), want succeeded", i, got, tk.FailureReason())
		}
		if tk.Attempts() == 1 {
			firstTry++
		} else {
			delayed++
		}
	}
	// The bucket holds three tokens, so exactly three tasks run on their
	// first attempt and the other two wait out at least one refill.
	if firstTry != 3 || delayed != 2 {
		t.Fatalf("firstTry = %d, delayed = %d, want 3 and 2", firstTry, delayed)
	}
	if got := client.fetchCalls.Load(); got != 5 {
		t.Fatalf("fetch calls = %d, want 5", got)
	}
	if got := client.deliverCalls.Load(); got != 5 {
		t.Fatalf("deliver calls = %d, want 5", got)
	}
}
