package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "saverbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) {
	defer s.wg.Done()
	log := s.log.With(logx.Int("worker", idx))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case t := <-s.q:
			s.execOne(ctx, log, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, log logx.Logger, t *Task) {
	if !t.markRunning() {
		// Cancelled (or otherwise finished) while queued; nothing to run.
		return
	}
	s.publish("task.started", t, "")
	start := time.Now()

	err := s.runExecutor(ctx, t)

	switch {
	case err == nil:
		if t.finish(StateSucceeded, "") {
			atomic.AddUint64(&s.succeeded, 1)
			s.untrack(t)
			s.publish("task.succeeded", t, "")
			log.Debug("task succeeded",
				logx.String("task", t.ID),
				logx.Int("attempts", t.Attempts()),
				logx.Duration("dur", time.Since(start)),
			)
		}

	case isRequeue(err):
		var rq *RequeueError
		errors.As(err, &rq)
		if t.Cancelled() {
			s.fail(t, ReasonCancelled)
			return
		}
		if t.Attempts() >= s.cfg.RetryMax {
			log.Warn("task out of retries",
				logx.String("task", t.ID),
				logx.Int("attempts", t.Attempts()),
				logx.Err(rq.Cause),
			)
			s.fail(t, ReasonRetriesExhausted)
			return
		}
		log.Debug("task requeued",
			logx.String("task", t.ID),
			logx.Duration("delay", rq.Delay),
			logx.Err(rq.Cause),
		)
		s.scheduleRequeue(t, rq.Delay)

	default:
		s.fail(t, failureReason(err))
		log.Warn("task failed",
			logx.String("task", t.ID),
			logx.String("reason", failureReason(err)),
			logx.Int("attempts", t.Attempts()),
			logx.Err(err),
		)
	}
}

// runExecutor guards against executor panics so one bad task can't take a
// worker down with it.
func (s *Service) runExecutor(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked",
				logx.String("task", t.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return s.exec.Execute(ctx, t)
}

func (s *Service) fail(t *Task, reason string) {
	if t.finish(StateFailed, reason) {
		atomic.AddUint64(&s.failed, 1)
		s.untrack(t)
		s.publish("task.failed", t, reason)
	}
}

func isRequeue(err error) bool {
	var rq *RequeueError
	return errors.As(err, &rq)
}
