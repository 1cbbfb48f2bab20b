package delivery

import (
	"context"
	stderrors "errors"
	"fmt"

	"data-router/internal/circuitbreaker"
	"data-router/internal/common/errors"
)

var (
	// ErrHalted is the cancellation cause used to stop sibling deliveries
	// once a route in fail mode has failed
	ErrHalted = stderrors.New("delivery halted after route failure")

	// ErrRetriesExhausted wraps the last error once max_attempts is reached
	ErrRetriesExhausted = stderrors.New("delivery retries exhausted")

	// ErrRetryAbandoned wraps the context cause when a pending retry is dropped
	ErrRetryAbandoned = stderrors.New("delivery retry abandoned")

	// ErrAttemptTimeout is reported when a single attempt exceeds attempt_timeout
	ErrAttemptTimeout = stderrors.New("delivery attempt timed out")
)

// DeliveryError is returned by destinations. Retryable decides whether the
// driver tries the batch again.
type DeliveryError struct {
	DestinationID string
	Retryable     bool
	Err           error
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.DestinationID == "" {
		return fmt.Sprintf("%s delivery error: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s delivery error for %s: %v", kind, e.DestinationID, e.Err)
}

// Unwrap returns the underlying cause
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// As lets errors.As view a DeliveryError as a delivery-typed AppError
func (e *DeliveryError) As(target interface{}) bool {
	appErr, ok := target.(**errors.AppError)
	if !ok {
		return false
	}
	*appErr = &errors.AppError{
		Type:    errors.ErrTypeDelivery,
		Message: e.Error(),
		Cause:   e.Err,
		Context: map[string]interface{}{
			"destination_id": e.DestinationID,
			"retryable":      e.Retryable,
		},
	}
	return true
}

// Retryable marks err as a transient failure
func Retryable(err error) *DeliveryError {
	return &DeliveryError{Retryable: true, Err: err}
}

// Permanent marks err as a failure that retrying cannot fix
func Permanent(err error) *DeliveryError {
	return &DeliveryError{Retryable: false, Err: err}
}

// Retryablef formats a retryable error
func Retryablef(format string, args ...interface{}) *DeliveryError {
	return Retryable(fmt.Errorf(format, args...))
}

// Permanentf formats a permanent error
func Permanentf(format string, args ...interface{}) *DeliveryError {
	return Permanent(fmt.Errorf(format, args...))
}

// IsRetryable classifies an error returned by a destination. Plain errors
// are retryable. Context errors and open breakers are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var de *DeliveryError
	if stderrors.As(err, &de) {
		return de.Retryable
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	return true
}

// IsPermanent reports whether err is a DeliveryError explicitly marked
// non-retryable. Such errors are caused by the payload, so they do not count
// against a destination's circuit breaker.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return stderrors.As(err, &de) && !de.Retryable
}

func withDestination(id string, err error) *DeliveryError {
	if de, ok := err.(*DeliveryError); ok {
		return &DeliveryError{DestinationID: id, Retryable: de.Retryable, Err: de.Err}
	}
	return &DeliveryError{DestinationID: id, Retryable: IsRetryable(err), Err: err}
}
