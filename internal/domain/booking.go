package domain

import (
	"errors"
	"time"
)

type BookingStatus string

const (
	BookingStatusQuote               BookingStatus = "QUOTE"
	BookingStatusHold                BookingStatus = "HOLD"
	BookingStatusPaymentPending      BookingStatus = "PAYMENT_PENDING"
	BookingStatusConfirmed           BookingStatus = "CONFIRMED"
	BookingStatusCompleted           BookingStatus = "COMPLETED"
	BookingStatusExpiredHold         BookingStatus = "EXPIRED_HOLD"
	BookingStatusCancelledByGuest    BookingStatus = "CANCELLED_BY_GUEST"
	BookingStatusCancelledByProvider BookingStatus = "CANCELLED_BY_PROVIDER"
)

// transitions lists, for every status, the statuses it may move to.
var transitions = map[BookingStatus][]BookingStatus{
	BookingStatusQuote:          {BookingStatusHold},
	BookingStatusHold:           {BookingStatusPaymentPending, BookingStatusExpiredHold},
	BookingStatusPaymentPending: {BookingStatusConfirmed, BookingStatusExpiredHold, BookingStatusHold},
	BookingStatusConfirmed:      {BookingStatusCancelledByGuest, BookingStatusCancelledByProvider, BookingStatusCompleted},
}

func CanTransition(from, to BookingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingStatusCompleted, BookingStatusExpiredHold, BookingStatusCancelledByGuest, BookingStatusCancelledByProvider:
		return true
	}
	return false
}

// Holding reports whether inventory is blocked by a live, time-boxed hold.
func (s BookingStatus) Holding() bool {
	return s == BookingStatusHold || s == BookingStatusPaymentPending
}

type SnapshotAddOn struct {
	Code      string `json:"code"`
	UnitPrice int64  `json:"unit_price"`
	// Requested is the quantity asked for; Quantity includes the per-guest factor.
	Requested int64 `json:"requested"`
	Quantity  int64 `json:"quantity"`
	Amount    int64 `json:"amount"`
}

// PriceSnapshot is the price and policy agreed at quote time. It is never
// recomputed once a booking holds inventory.
type PriceSnapshot struct {
	Currency       string             `json:"currency"`
	UnitPrice      int64              `json:"unit_price"`
	Units          int64              `json:"units"`
	PricingUnit    PricingUnit        `json:"pricing_unit"`
	Base           int64              `json:"base"`
	AddOns         []SnapshotAddOn    `json:"add_ons"`
	AddOnsTotal    int64              `json:"add_ons_total"`
	FeeBasisPoints int64              `json:"fee_basis_points"`
	Fees           int64              `json:"fees"`
	Total          int64              `json:"total"`
	Policy         CancellationPolicy `json:"policy"`
	QuotedAt       time.Time          `json:"quoted_at"`
}

func (p PriceSnapshot) TotalMoney() Money {
	return Money{Amount: p.Total, Currency: p.Currency}
}

type Booking struct {
	ID            string
	Status        BookingStatus
	UserID        string
	Listing       ListingRef
	Guests        int
	CheckIn       time.Time
	CheckOut      time.Time
	Price         PriceSnapshot
	HoldExpiresAt *time.Time
	CancelReason  string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type NewBookingParams struct {
	ID       string
	UserID   string
	Listing  ListingRef
	Guests   int
	CheckIn  time.Time
	CheckOut time.Time
	Price    PriceSnapshot
	Now      time.Time
}

// NewBooking builds a booking in QUOTE.
func NewBooking(p NewBookingParams) (*Booking, error) {
	if p.ID == "" {
		return nil, errors.New("booking: id required")
	}
	if p.Guests <= 0 {
		return nil, NewValidationError("guests", "must be positive")
	}
	if p.Price.Total < 0 {
		return nil, NewValidationError("price.total", "must not be negative")
	}
	now := p.Now.UTC()
	return &Booking{
		ID:        p.ID,
		Status:    BookingStatusQuote,
		UserID:    p.UserID,
		Listing:   p.Listing,
		Guests:    p.Guests,
		CheckIn:   p.CheckIn.UTC(),
		CheckOut:  p.CheckOut.UTC(),
		Price:     p.Price,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// HoldElapsed is true once a live hold has reached its deadline.
func (b *Booking) HoldElapsed(now time.Time) bool {
	if !b.Status.Holding() || b.HoldExpiresAt == nil {
		return false
	}
	return !now.Before(*b.HoldExpiresAt)
}

func (b *Booking) moveTo(to BookingStatus, now time.Time) error {
	if !CanTransition(b.Status, to) {
		return &TransitionError{From: b.Status, To: to}
	}
	b.Status = to
	b.UpdatedAt = now.UTC()
	if !to.Holding() {
		b.HoldExpiresAt = nil
	}
	return nil
}

func (b *Booking) StartHold(expiresAt, now time.Time) error {
	if err := b.moveTo(BookingStatusHold, now); err != nil {
		return err
	}
	exp := expiresAt.UTC()
	b.HoldExpiresAt = &exp
	return nil
}

func (b *Booking) MarkPaymentPending(now time.Time) error {
	return b.moveTo(BookingStatusPaymentPending, now)
}

// ReturnToHold gives the guest the rest of the hold time after a failed payment.
func (b *Booking) ReturnToHold(now time.Time) error {
	if b.Status != BookingStatusPaymentPending {
		return &TransitionError{From: b.Status, To: BookingStatusHold}
	}
	return b.moveTo(BookingStatusHold, now)
}

func (b *Booking) Confirm(now time.Time) error {
	return b.moveTo(BookingStatusConfirmed, now)
}

func (b *Booking) Expire(now time.Time) error {
	return b.moveTo(BookingStatusExpiredHold, now)
}

func (b *Booking) Cancel(to BookingStatus, reason string, now time.Time) error {
	if to != BookingStatusCancelledByGuest && to != BookingStatusCancelledByProvider {
		return &TransitionError{From: b.Status, To: to}
	}
	if err := b.moveTo(to, now); err != nil {
		return err
	}
	b.CancelReason = reason
	return nil
}

func (b *Booking) Complete(now time.Time) error {
	return b.moveTo(BookingStatusCompleted, now)
}

// Clone returns a deep copy so a failed mutation never leaks into the caller's value.
func (b *Booking) Clone() *Booking {
	c := *b
	if b.HoldExpiresAt != nil {
		exp := *b.HoldExpiresAt
		c.HoldExpiresAt = &exp
	}
	c.Price.AddOns = append([]SnapshotAddOn(nil), b.Price.AddOns...)
	return &c
}
