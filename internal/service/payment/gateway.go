package payment

import (
	"context"
	"errors"

	"github.com/Domenick1991/staybook/internal/domain"
)

// ErrTransient marks provider failures worth retrying: network errors, 5xx,
// rate limiting.
var ErrTransient = errors.New("transient provider error")

// ErrNotVoidable means the intent has moved past authorization, usually
// because it was captured.
var ErrNotVoidable = errors.New("intent can no longer be voided")

type AuthorizeRequest struct {
	// PaymentID doubles as the provider idempotency key and lookup reference.
	PaymentID     string
	BookingID     string
	Amount        int64
	Currency      string
	PaymentMethod string
}

type AuthorizeResult struct {
	IntentID string
	// Capturable is true when the funds are already held and capture may proceed.
	Capturable bool
}

type RefundRequest struct {
	IntentID       string
	Amount         int64
	IdempotencyKey string
	Reason         string
}

// IntentState is the provider's current view of an intent. Status uses the
// webhook event vocabulary; PaymentEventIgnored means still in flight.
type IntentState struct {
	IntentID      string
	Status        domain.PaymentEventType
	FailureReason string
}

// PaymentGateway is the external payment provider. Declines are reported as
// domain.ErrPaymentDeclined, retryable failures as ErrTransient.
type PaymentGateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
	Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) error
	Refund(ctx context.Context, req RefundRequest) (string, error)
	// Void cancels an uncaptured authorization.
	Void(ctx context.Context, intentID, idempotencyKey string) error
	// Lookup finds an intent by id or, when intentID is empty, by payment reference.
	// Returns domain.ErrNotFound if the provider never saw it.
	Lookup(ctx context.Context, intentID, paymentID string) (IntentState, error)
}
