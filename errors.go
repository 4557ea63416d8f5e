package paigeant

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage wraps every decode failure: missing required
	// fields, incompatible spec version, or structural slip violations.
	// Consumers ack and drop such deliveries; they are never requeued.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrEmptyItinerary is returned when dispatching an empty runway or
	// advancing a slip with no remaining steps.
	ErrEmptyItinerary = errors.New("itinerary is empty")

	// ErrUnknownActivity rejects an insertion naming an agent absent from
	// the availability snapshot carried by the envelope.
	ErrUnknownActivity = errors.New("activity not registered for insertion")

	// ErrItineraryCycle rejects an insertion that would revisit a step
	// already executed in this run.
	ErrItineraryCycle = errors.New("insertion would revisit an executed step")

	// ErrInsertionBound rejects an insertion that would push the cumulative
	// inserted-step count past the workflow's bound.
	ErrInsertionBound = errors.New("insertion bound exceeded")
)

// UnknownAgentError reports that a worker was asked to serve an agent that
// is not present in its registry. It terminates the worker, never the
// workflow: the message stays on the topic for a correctly configured peer.
type UnknownAgentError struct {
	Agent string
}

// Error implements error.
func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agent %q is not registered", e.Agent)
}

// ActivityError is the failure sentinel runners use to signal whether a
// failed step may be retried. The executor is the sole arbiter of retry
// versus terminate; errors not wrapped in an ActivityError are permanent.
type ActivityError struct {
	Err       error
	Retryable bool
}

// Error implements error.
func (e *ActivityError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("activity failed (%s): %v", kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ActivityError) Unwrap() error {
	return e.Err
}

// NewRetryableError marks err as safe to retry with backoff.
func NewRetryableError(err error) error {
	return &ActivityError{Err: err, Retryable: true}
}

// NewPermanentError marks err as terminal for the workflow.
func NewPermanentError(err error) error {
	return &ActivityError{Err: err, Retryable: false}
}

// IsRetryable reports whether err requests a retry.
func IsRetryable(err error) bool {
	var ae *ActivityError
	return errors.As(err, &ae) && ae.Retryable
}
