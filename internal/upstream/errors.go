package upstream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound: the referenced message does not exist (or was deleted).
	ErrNotFound = errors.New("upstream: message not found")

	// ErrAccessDenied: the session cannot see the source (not a member,
	// banned, or the chat id is invalid for this account).
	ErrAccessDenied = errors.New("upstream: access denied")

	// ErrEmptyMessage: the message exists but has no relayable content.
	ErrEmptyMessage = errors.New("upstream: message has no content")
)

// ThrottledError signals upstream-imposed back-pressure (flood wait).
//
// It is recoverable: the orchestrator reduces the send rate and re-enqueues
// the task after Wait.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("upstream: throttled, retry after %s", e.Wait)
}

// Throttled wraps a flood-wait hint from the network.
func Throttled(wait time.Duration) error {
	if wait <= 0 {
		wait = ThrottleHint
	}
	return &ThrottledError{Wait: wait}
}

// AsThrottled extracts the wait hint from a throttling error.
func AsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.Wait, true
	}
	return 0, false
}

// DeliveryError reports a failed delivery attempt.
//
// Transient failures (size limits, upload hiccups) are eligible for the
// fallback delivery path; permanent ones are not.
type DeliveryError struct {
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Transient {
		return fmt.Sprintf("upstream: delivery failed (transient): %v", e.Err)
	}
	return fmt.Sprintf("upstream: delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTransientDelivery reports whether err is a delivery failure worth a
// fallback attempt.
func IsTransientDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Transient
}
