package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotOwner means the actor is not the sender of the message it
	// tried to mutate. Semantic, never retried.
	ErrNotOwner = errors.New("only the message sender can perform this action")

	// ErrNotFound means the target message does not exist remotely.
	ErrNotFound = errors.New("message not found")

	// ErrMalformed means a remote payload was missing required fields.
	// The event is logged and dropped; the sync loop keeps running.
	ErrMalformed = errors.New("malformed remote payload")
)

// TransientError marks a failure worth retrying: resource exhaustion or
// a connectivity blip, as opposed to a semantic rejection.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable, preserving nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Retryable reports whether err may succeed on retry. Cancellation is
// not retryable: the caller already gave up.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
