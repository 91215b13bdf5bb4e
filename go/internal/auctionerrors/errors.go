package auctionerrors

import (
	"errors"
	"fmt"
)

// Request-level errors. Both are transient and safe to retry.
var (
	ErrNetwork = errors.New("network error")
	ErrTimeout = errors.New("request timed out")
)

// Bidding errors
var (
	ErrValidation      = errors.New("invalid bid")
	ErrDepositRequired = errors.New("deposit required")
	ErrConflict        = errors.New("bid superseded")
)

// ErrInvalidTransition marks an attempted backward status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError is a locally detectable bid problem.
type ValidationError struct {
	Reason         string
	CurrentHighest int64
}

func (e *ValidationError) Error() string {
	if e.CurrentHighest > 0 {
		return fmt.Sprintf("%s: %s (current highest bid is %d)", ErrValidation, e.Reason, e.CurrentHighest)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError means the server already accepted a bid at or above ours.
type ConflictError struct {
	SessionID string
	BidPrice  int64
	Message   string
}

func (e *ConflictError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "bid too low, refresh"
	}
	return fmt.Sprintf("%s: session %s, bid %d: %s", ErrConflict, e.SessionID, e.BidPrice, msg)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError is an internal invariant violation. It is logged
// and the offending operation is a no-op.
type InvalidTransitionError struct {
	SessionID string
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: session %s cannot move from %s to %s", ErrInvalidTransition, e.SessionID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Retryable reports whether err is a transient request failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
