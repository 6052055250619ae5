package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for job execution. Handlers decide retry/fallback behavior
// with errors.As against these types; raw causes stay wrapped and are never
// forwarded past the lifecycle boundary.

// ValidationError rejects a submission before it is queued. Not retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError is an engine-reported failure, usually scoped to one graph
// node. Retryable up to the attempt ceiling.
type ExecutionError struct {
	Msg  string
	Node string
}

func (e *ExecutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("execution failed at node %s: %s", e.Node, e.Msg)
	}
	return "execution failed: " + e.Msg
}

// TimeoutError marks a soft or hard time-limit breach. Terminal, not retried.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return e.Op + " timed out" }

// ResourceUnavailableError signals that the accelerator is absent or below
// the capacity threshold. It is an admission-control signal that triggers
// fallback, not a job failure.
type ResourceUnavailableError struct {
	Reason string
}

func (e *ResourceUnavailableError) Error() string {
	return "resource unavailable: " + e.Reason
}

// CloudExecutionError is a remote provider failure or provider-side timeout.
type CloudExecutionError struct {
	Provider string
	Msg      string
}

func (e *CloudExecutionError) Error() string {
	return fmt.Sprintf("cloud execution (%s): %s", e.Provider, e.Msg)
}

// CallbackDeliveryError reports that a status or asset callback could not be
// delivered after its own retry budget. It never alters job status.
type CallbackDeliveryError struct {
	URL string
	Err error
}

func (e *CallbackDeliveryError) Error() string {
	return fmt.Sprintf("callback delivery to %s failed: %v", e.URL, e.Err)
}

func (e *CallbackDeliveryError) Unwrap() error { return e.Err }

// ErrMaxRetries is the terminal error reported when the attempt ceiling is
// exhausted.
var ErrMaxRetries = errors.New("maximum retry attempts exceeded")

// ErrCancelled is recorded when a cancel request interrupts an attempt.
var ErrCancelled = errors.New("job cancelled")

// IsRetryable reports whether err may consume another attempt. Validation,
// timeout and cancellation errors are terminal by definition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var te *TimeoutError
	if errors.As(err, &ve) || errors.As(err, &te) {
		return false
	}
	if errors.Is(err, ErrMaxRetries) || errors.Is(err, ErrCancelled) {
		return false
	}
	return true
}
