package broker

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a failure worth retrying within the caller's deadline
// (network errors, timeouts, throttling). The engine treats an exhausted
// transient failure as a missing tick for that cycle.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ResolveError reports that no option contract exists for the requested
// root/strike/side combination.
type ResolveError struct {
	Root   string
	Strike int
	Side   Side
	Expiry string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("no contract for %s %d %s exp %s", e.Root, e.Strike, e.Side, e.Expiry)
}

// RejectionError is a terminal broker rejection of an order attempt.
type RejectionError struct {
	OrderID string
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}

// APIError is a non-2xx response from the live broker API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api status %d: %s", e.Status, e.Body)
}

// retryable 4xx is only 429; 5xx is always retryable.
func (e *APIError) transient() bool {
	return e.Status == 429 || e.Status >= 500
}

// NormalizeStatus collapses vendor order-state strings into the engine's
// four-state model. Dhan reports fills as TRADED; other vendors use
// FILLED/COMPLETE/COMPLETED.
func NormalizeStatus(vendor string) OrderState {
	switch strings.ToUpper(strings.TrimSpace(vendor)) {
	case "FILLED", "TRADED", "COMPLETE", "COMPLETED", "EXECUTED":
		return StateFilled
	case "REJECTED", "CANCELLED", "CANCELED", "EXPIRED":
		return StateRejected
	case "PENDING", "OPEN", "TRANSIT", "CONFIRM", "PART_TRADED", "PARTIAL":
		return StatePending
	default:
		return StateUnknown
	}
}
