package custom_errors

import (
	"errors"
	"fmt"
)

// Retryable conditions that never count against a chip.
var (
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrWindowViolation   = errors.New("outside allowed time window")
	ErrChipUnavailable   = errors.New("no chip available")
)

var (
	// ErrLinkNotSchedulable is a validation failure owned by the upstream producer; it is never retried here.
	ErrLinkNotSchedulable = errors.New("link is not schedulable")
	ErrConfigUnavailable  = errors.New("capacity config unavailable")
	ErrAlreadyQueued      = errors.New("link already has an active queue entry")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotFound           = errors.New("not found")
)

// GatewayError is a failed join reported by (or on the way to) the messaging gateway.
// It is retryable and counts toward the chip's circuit breaker.
type GatewayError struct {
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway failure: %s", e.Reason)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func NewGatewayError(reason string, err error) *GatewayError {
	return &GatewayError{Reason: reason, Err: err}
}

// IsRetryable reports whether err should funnel into the reschedule-with-backoff path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLinkNotSchedulable) || errors.Is(err, ErrInvalidTransition) {
		return false
	}
	var gwErr *GatewayError
	return errors.Is(err, ErrCapacityExhausted) ||
		errors.Is(err, ErrWindowViolation) ||
		errors.Is(err, ErrChipUnavailable) ||
		errors.As(err, &gwErr)
}

// CountsAgainstChip reports whether err should move the chip's consecutive failure counter.
func CountsAgainstChip(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr)
}
