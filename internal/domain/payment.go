package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusProcessing        PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Captured reports whether money has actually been charged.
func (s PaymentStatus) Captured() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) Active() bool {
	return s != PaymentStatusFailed
}

// Payment is one authorization attempt for a booking. RefundPending is the
// amount claimed by refunds the provider has not confirmed yet.
type Payment struct {
	ID               string
	BookingID        string
	Amount           int64
	Currency         string
	Status           PaymentStatus
	ProviderIntentID *string
	PaymentMethod    string
	AuthorizedAt     *time.Time
	RefundedAmount   int64
	RefundPending    int64
	FailureReason    string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p *Payment) IntentID() string {
	if p.ProviderIntentID == nil {
		return ""
	}
	return *p.ProviderIntentID
}

func (p *Payment) Refundable() int64 {
	if !p.Status.Captured() {
		return 0
	}
	return p.Amount - p.RefundedAmount - p.RefundPending
}

func (p *Payment) Clone() *Payment {
	c := *p
	if p.ProviderIntentID != nil {
		id := *p.ProviderIntentID
		c.ProviderIntentID = &id
	}
	if p.AuthorizedAt != nil {
		at := *p.AuthorizedAt
		c.AuthorizedAt = &at
	}
	return &c
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusSucceeded RefundStatus = "SUCCEEDED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// Refund is the audit record of one refund. Key is unique per payment and is
// sent to the provider as the idempotency key, so a retried refund with the
// same key pays out at most once.
type Refund struct {
	ID               string
	PaymentID        string
	Key              string
	Amount           int64
	Status           RefundStatus
	ProviderRefundID string
	Reason           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type PaymentEventType string

const (
	PaymentEventAuthorized PaymentEventType = "AUTHORIZED"
	PaymentEventSucceeded  PaymentEventType = "SUCCEEDED"
	PaymentEventFailed     PaymentEventType = "FAILED"
	PaymentEventIgnored    PaymentEventType = "IGNORED"
)

// PaymentEvent is a provider notification after signature verification.
type PaymentEvent struct {
	ID               string
	Type             PaymentEventType
	ProviderIntentID string
	FailureReason    string
	OccurredAt       time.Time
}
