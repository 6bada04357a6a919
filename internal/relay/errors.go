package relay

import (
	"errors"
	"fmt"
)

// Terminal failure reasons recorded on tasks, matching what the outcome log
// and the batch summary render.
const (
	ReasonInvalidReference = "invalid_reference"
	ReasonAccessDenied     = "access_denied"
	ReasonNotFound         = "not_found"
	ReasonEmptyMessage     = "empty_message"
	ReasonDeliveryFailed   = "delivery_failed"
)

// InvalidReferenceError: the source reference could not be parsed or is
// structurally impossible. Never retried.
type InvalidReferenceError struct {
	Link  string
	Cause string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid reference %q: %s", e.Link, e.Cause)
}

func (e *InvalidReferenceError) Reason() string { return ReasonInvalidReference }

// IsInvalidReference reports whether err is a reference validation failure.
func IsInvalidReference(err error) bool {
	var ir *InvalidReferenceError
	return errors.As(err, &ir)
}

// AccessDeniedError: the reference needs a capability the requester's
// sessions don't provide, or the source rejected the session. Fatal, never
// retried, and raised before any network call when the capability is known
// to be missing.
type AccessDeniedError struct {
	Cause error
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %v", e.Cause)
}

func (e *AccessDeniedError) Unwrap() error  { return e.Cause }
func (e *AccessDeniedError) Reason() string { return ReasonAccessDenied }

// NotFoundError: the referenced message does not exist.
type NotFoundError struct {
	Cause error
}

func (e *NotFoundError) Error() string  { return fmt.Sprintf("not found: %v", e.Cause) }
func (e *NotFoundError) Unwrap() error  { return e.Cause }
func (e *NotFoundError) Reason() string { return ReasonNotFound }

// EmptyMessageError: the message exists but carries nothing to relay.
type EmptyMessageError struct {
	Cause error
}

func (e *EmptyMessageError) Error() string  { return fmt.Sprintf("empty message: %v", e.Cause) }
func (e *EmptyMessageError) Unwrap() error  { return e.Cause }
func (e *EmptyMessageError) Reason() string { return ReasonEmptyMessage }

// DeliveryFailedError: both the primary and the fallback delivery path
// failed. Fatal for the task.
type DeliveryFailedError struct {
	Primary  error
	Fallback error
}

func (e *DeliveryFailedError) Error() string {
	if e.Fallback != nil {
		return fmt.Sprintf("delivery failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
	}
	return fmt.Sprintf("delivery failed: %v", e.Primary)
}

func (e *DeliveryFailedError) Unwrap() error  { return e.Primary }
func (e *DeliveryFailedError) Reason() string { return ReasonDeliveryFailed }
