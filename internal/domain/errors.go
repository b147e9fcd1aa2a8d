package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidDateRange       = errors.New("invalid date range")
	ErrGuestCountOutOfBounds  = errors.New("guest count out of bounds")
	ErrListingNotBookable     = errors.New("listing is not bookable")
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrHoldExpired            = errors.New("reservation expired")
	ErrHoldNotFound           = errors.New("hold not found")
	ErrHoldAlreadyResolved    = errors.New("hold already resolved")
	ErrInventoryUnavailable   = errors.New("no inventory available for the requested listing")
	ErrQuoteStale             = errors.New("quoted price no longer valid")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrPaymentNotAuthorized   = errors.New("payment is not authorized yet")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrRefundExceedsCaptured  = errors.New("refund exceeds captured amount")
	ErrRefundInProgress       = errors.New("refund already in progress")
	ErrNotFound               = errors.New("not found")
	ErrConcurrentUpdate       = errors.New("concurrent update detected")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
)

// ValidationError describes a rejected input field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError reports a state change the state machine does not allow.
type TransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalStateTransition
}
