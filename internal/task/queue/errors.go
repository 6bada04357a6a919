package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("task queue stopped")
	ErrQueueFull = errors.New("task queue full")
	ErrNotFound  = errors.New("task not found")
)

// Failure reasons recorded on terminal Failed tasks. The batch controller
// and the outcome log carry these verbatim; no terminal failure goes
// unreasoned.
const (
	ReasonCancelled        = "cancelled"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonError            = "error"
)

// RequeueError asks the queue to resubmit the task after Delay instead of
// failing it. This is the only Running → Pending transition and it is
// bounded by Config.RetryMax.
type RequeueError struct {
	Delay time.Duration
	Cause error
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("requeue after %s: %v", e.Delay, e.Cause)
}

func (e *RequeueError) Unwrap() error { return e.Cause }

// Requeue wraps cause into a re-enqueue request.
func Requeue(delay time.Duration, cause error) error {
	return &RequeueError{Delay: delay, Cause: cause}
}

// Reasoner lets executor errors carry a user-facing failure reason.
type Reasoner interface {
	Reason() string
}

func failureReason(err error) string {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return ReasonError
}
