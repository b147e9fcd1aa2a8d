package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/kafka"
	"github.com/Domenick1991/staybook/internal/repository"
	"github.com/Domenick1991/staybook/internal/service/hold"
	"github.com/Domenick1991/staybook/internal/service/payment"
	"github.com/Domenick1991/staybook/internal/service/pricing"
	"github.com/Domenick1991/staybook/internal/service/refund"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BookingUseCase interface {
	Quote(ctx context.Context, input QuoteInput) (*QuoteResult, error)
	Hold(ctx context.Context, input HoldInput) (*domain.Booking, error)
	PreAuthorize(ctx context.Context, bookingID, paymentMethod string) (*domain.Payment, error)
	Confirm(ctx context.Context, bookingID, paymentID string) (*domain.Booking, error)
	Cancel(ctx context.Context, bookingID string, input CancelInput) (*CancelResult, error)
	Complete(ctx context.Context, now time.Time) ([]domain.Booking, error)
	ApplyPaymentEvent(ctx context.Context, event domain.PaymentEvent) (payment.ReconcileOutcome, error)
	ReconcileStalePayments(ctx context.Context, olderThan time.Duration) (int, error)
	Get(ctx context.Context, bookingID string) (*domain.Booking, error)
}

type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error)
}

type HoldManager interface {
	CreateHold(ctx context.Context, in hold.HoldInput) (*domain.Booking, error)
	ExpireIfDue(ctx context.Context, bookingID string, now time.Time) (*domain.Booking, error)
	Release(ctx context.Context, b *domain.Booking) error
}

type PaymentOrchestrator interface {
	PreAuthorize(ctx context.Context, bookingID string, amount domain.Money, method string) (*domain.Payment, error)
	Capture(ctx context.Context, bookingID string) (*domain.Payment, error)
	Refund(ctx context.Context, in payment.RefundInput) (*domain.Payment, error)
	Get(ctx context.Context, paymentID string) (*domain.Payment, error)
	ActiveForBooking(ctx context.Context, bookingID string) (*domain.Payment, error)
	ReconcileWebhook(ctx context.Context, event domain.PaymentEvent) (payment.ReconcileOutcome, error)
	ReconcileStale(ctx context.Context, olderThan time.Duration) ([]payment.ReconcileOutcome, error)
}

type EventPublisher interface {
	PublishLifecycle(ctx context.Context, event kafka.BookingEvent) error
}

type BookingService struct {
	bookings   repository.BookingRepository
	quoter     Quoter
	holds      HoldManager
	payments   PaymentOrchestrator
	events     EventPublisher
	casRetries int
	batchSize  int
	now        func() time.Time
	newID      func() string
	log        *zap.Logger
}

type BookingServiceOption func(*BookingService)

func WithClock(now func() time.Time) BookingServiceOption {
	return func(s *BookingService) {
		s.now = now
	}
}

func WithIDGenerator(newID func() string) BookingServiceOption {
	return func(s *BookingService) {
		s.newID = newID
	}
}

func WithCASRetries(n int) BookingServiceOption {
	return func(s *BookingService) {
		s.casRetries = n
	}
}

func WithBatchSize(n int) BookingServiceOption {
	return func(s *BookingService) {
		s.batchSize = n
	}
}

func NewBookingService(
	bookings repository.BookingRepository,
	quoter Quoter,
	holds HoldManager,
	payments PaymentOrchestrator,
	events EventPublisher,
	log *zap.Logger,
	opts ...BookingServiceOption,
) *BookingService {
	service := &BookingService{
		bookings:   bookings,
		quoter:     quoter,
		holds:      holds,
		payments:   payments,
		events:     events,
		casRetries: 3,
		batchSize:  100,
		now:        time.Now,
		newID:      uuid.NewString,
		log:        log,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

type QuoteInput struct {
	UserID   string                 `json:"user_id"`
	Listing  domain.ListingRef      `json:"listing_ref"`
	CheckIn  time.Time              `json:"check_in"`
	CheckOut time.Time              `json:"check_out"`
	Guests   int                    `json:"guests"`
	AddOns   []pricing.AddOnRequest `json:"add_ons"`
	// Save persists the quote as a QUOTE booking that can be held later.
	Save bool `json:"save"`
}

func (in QuoteInput) request() pricing.QuoteRequest {
	return pricing.QuoteRequest{
		Listing:  in.Listing,
		CheckIn:  in.CheckIn,
		CheckOut: in.CheckOut,
		Guests:   in.Guests,
		AddOns:   in.AddOns,
	}
}

type QuoteResult struct {
	Snapshot domain.PriceSnapshot `json:"snapshot"`
	CheckIn  time.Time            `json:"check_in"`
	CheckOut time.Time            `json:"check_out"`
	Booking  *domain.Booking      `json:"booking,omitempty"`
}

type HoldInput struct {
	// QuoteID holds a saved quote; otherwise Quote is priced afresh.
	QuoteID       string     `json:"quote_id"`
	Quote         QuoteInput `json:"quote"`
	UserID        string     `json:"user_id"`
	ExpectedTotal *int64     `json:"expected_total"`
}

type Actor string

const (
	ActorGuest    Actor = "GUEST"
	ActorProvider Actor = "PROVIDER"
	ActorAdmin    Actor = "ADMIN"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorGuest, ActorProvider, ActorAdmin:
		return true
	}
	return false
}

type CancelInput struct {
	Actor  Actor  `json:"actor"`
	Reason string `json:"reason"`
}

type CancelResult struct {
	Booking *domain.Booking          `json:"booking"`
	Refund  domain.RefundCalculation `json:"refund"`
	Payment *domain.Payment          `json:"payment,omitempty"`
}

func (s *BookingService) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return s.bookings.Get(ctx, bookingID)
}

// Quote prices a stay or package. With Save set the quote is stored so a
// later hold keeps exactly this price.
func (s *BookingService) Quote(ctx context.Context, input QuoteInput) (*QuoteResult, error) {
	q, err := s.quoter.Quote(ctx, input.request())
	if err != nil {
		return nil, err
	}
	result := &QuoteResult{Snapshot: q.Snapshot, CheckIn: q.CheckIn, CheckOut: q.CheckOut}
	if !input.Save {
		return result, nil
	}

	b, err := domain.NewBooking(domain.NewBookingParams{
		ID:       s.newID(),
		UserID:   input.UserID,
		Listing:  input.Listing,
		Guests:   input.Guests,
		CheckIn:  q.CheckIn,
		CheckOut: q.CheckOut,
		Price:    q.Snapshot,
		Now:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, err
	}
	s.publish(ctx, kafka.EventBookingQuoted, b, nil)
	result.Booking = b
	return result, nil
}

// Hold re-prices the request and blocks inventory. A changed price is
// reported as ErrQuoteStale so the guest can re-confirm it.
func (s *BookingService) Hold(ctx context.Context, input HoldInput) (*domain.Booking, error) {
	quoteInput := input.Quote
	expected := input.ExpectedTotal

	if input.QuoteID != "" {
		saved, err := s.bookings.Get(ctx, input.QuoteID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrHoldNotFound
		}
		if err != nil {
			return nil, err
		}
		if saved.Status != domain.BookingStatusQuote {
			return nil, domain.ErrHoldAlreadyResolved
		}
		quoteInput = quoteOf(saved)
		if expected == nil {
			total := saved.Price.Total
			expected = &total
		}
	}

	q, err := s.quoter.Quote(ctx, quoteInput.request())
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != q.Snapshot.Total {
		return nil, fmt.Errorf("%w: expected total %d, current total %d", domain.ErrQuoteStale, *expected, q.Snapshot.Total)
	}

	userID := input.UserID
	if userID == "" {
		userID = quoteInput.UserID
	}
	return s.holds.CreateHold(ctx, hold.HoldInput{
		UserID:         userID,
		Listing:        quoteInput.Listing,
		Guests:         quoteInput.Guests,
		CheckIn:        q.CheckIn,
		CheckOut:       q.CheckOut,
		Snapshot:       q.Snapshot,
		Capacity:       q.Listing.Capacity,
		QuoteBookingID: input.QuoteID,
	})
}

func quoteOf(b *domain.Booking) QuoteInput {
	in := QuoteInput{
		UserID:   b.UserID,
		Listing:  b.Listing,
		CheckIn:  b.CheckIn,
		CheckOut: b.CheckOut,
		Guests:   b.Guests,
	}
	for _, a := range b.Price.AddOns {
		in.AddOns = append(in.AddOns, pricing.AddOnRequest{Code: a.Code, Quantity: a.Requested})
	}
	return in
}

// PreAuthorize reserves the booking total on the guest's payment method and
// moves the booking to PAYMENT_PENDING. A failed authorization leaves it in HOLD.
func (s *BookingService) PreAuthorize(ctx context.Context, bookingID, paymentMethod string) (*domain.Payment, error) {
	now := s.now().UTC()
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.expiryGuard(ctx, b, now); err != nil {
		return nil, err
	}
	if b.Status != domain.BookingStatusHold {
		return nil, &domain.TransitionError{From: b.Status, To: domain.BookingStatusPaymentPending}
	}

	p, err := s.payments.ActiveForBooking(ctx, b.ID)
	switch {
	case err == nil && p.Status == domain.PaymentStatusProcessing:
		// an earlier attempt timed out but the provider has since accepted it
	case err == nil:
		return nil, fmt.Errorf("%w: booking %s already has payment %s (%s)", domain.ErrIllegalStateTransition, b.ID, p.ID, p.Status)
	case errors.Is(err, domain.ErrNotFound):
		p, err = s.payments.PreAuthorize(ctx, b.ID, b.Price.TotalMoney(), paymentMethod)
		if err != nil {
			return p, err
		}
	default:
		return nil, err
	}

	updated, applied, err := s.mutate(ctx, b.ID, func(next *domain.Booking) (bool, error) {
		if next.Status == domain.BookingStatusPaymentPending {
			return false, nil
		}
		if next.HoldElapsed(now) {
			return false, domain.ErrHoldExpired
		}
		return true, next.MarkPaymentPending(now)
	})
	if err != nil {
		return p, err
	}
	if applied {
		s.publish(ctx, kafka.EventPaymentPending, updated, nil)
	}
	return p, nil
}

// Confirm captures the authorized payment and confirms the booking. Calling
// it again with the same payment returns the confirmed booking.
func (s *BookingService) Confirm(ctx context.Context, bookingID, paymentID string) (*domain.Booking, error) {
	now := s.now().UTC()
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.expiryGuard(ctx, b, now); err != nil {
		return nil, err
	}

	if b.Status != domain.BookingStatusConfirmed && b.Status != domain.BookingStatusPaymentPending {
		return nil, &domain.TransitionError{From: b.Status, To: domain.BookingStatusConfirmed}
	}

	p, err := s.payments.Get(ctx, paymentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError("payment_id", "unknown payment")
	}
	if err != nil {
		return nil, err
	}
	if p.BookingID != b.ID {
		return nil, domain.NewValidationError("payment_id", "does not belong to this booking")
	}
	if b.Status == domain.BookingStatusConfirmed {
		if p.Status.Captured() {
			return b, nil
		}
		return nil, &domain.TransitionError{From: b.Status, To: domain.BookingStatusConfirmed}
	}

	captured, err := s.payments.Capture(ctx, b.ID)
	if errors.Is(err, domain.ErrPaymentDeclined) {
		s.returnToHold(ctx, b.ID, now)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	lostToExpiry := false
	updated, applied, err := s.mutate(ctx, b.ID, func(next *domain.Booking) (bool, error) {
		switch next.Status {
		case domain.BookingStatusConfirmed:
			return false, nil
		case domain.BookingStatusExpiredHold:
			lostToExpiry = true
			return false, domain.ErrHoldExpired
		}
		return true, next.Confirm(now)
	})
	if lostToExpiry {
		s.compensate(ctx, captured)
		return nil, domain.ErrHoldExpired
	}
	if err != nil {
		return nil, err
	}
	if applied {
		s.publish(ctx, kafka.EventBookingConfirmed, updated, nil)
		s.log.Info("booking confirmed", zap.String("booking_id", updated.ID), zap.String("payment_id", captured.ID))
	}
	return updated, nil
}

// compensate refunds a capture whose booking expired before it could be confirmed.
func (s *BookingService) compensate(ctx context.Context, p *domain.Payment) {
	amount := p.Refundable()
	if amount <= 0 {
		return
	}
	_, err := s.payments.Refund(ctx, payment.RefundInput{
		PaymentID: p.ID,
		Key:       p.BookingID + ":expired",
		Amount:    amount,
		Reason:    "hold expired before confirmation",
	})
	if err != nil {
		s.log.Error("compensation refund failed", zap.String("payment_id", p.ID), zap.Int64("amount", amount), zap.Error(err))
		return
	}
	s.log.Warn("captured payment refunded after hold expiry", zap.String("payment_id", p.ID), zap.String("booking_id", p.BookingID))
}

// Cancel cancels a confirmed booking and refunds according to the cancellation
// policy snapshotted at quote time. Provider and admin cancellations refund in full.
func (s *BookingService) Cancel(ctx context.Context, bookingID string, input CancelInput) (*CancelResult, error) {
	if !input.Actor.Valid() {
		return nil, domain.NewValidationError("actor", "must be GUEST, PROVIDER or ADMIN")
	}
	target := domain.BookingStatusCancelledByGuest
	if input.Actor != ActorGuest {
		target = domain.BookingStatusCancelledByProvider
	}

	now := s.now().UTC()
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	p, err := s.payments.ActiveForBooking(ctx, b.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, domain.ErrNotFound) {
		p = nil
	}

	var (
		cancelled *domain.Booking
		applied   bool
	)
	switch {
	case b.Status == domain.BookingStatusConfirmed:
		cancelled, applied, err = s.mutate(ctx, b.ID, func(next *domain.Booking) (bool, error) {
			if next.Status != domain.BookingStatusConfirmed {
				return false, &domain.TransitionError{From: next.Status, To: target}
			}
			return true, next.Cancel(target, input.Reason, now)
		})
		if err != nil {
			return nil, err
		}
	case refundOutstanding(b, p):
		// the booking was cancelled but its refund never went through
		cancelled = b
		target = b.Status
	default:
		return nil, &domain.TransitionError{From: b.Status, To: target}
	}

	calc := s.refundFor(cancelled, target, p)
	result := &CancelResult{Booking: cancelled, Refund: calc, Payment: p}

	if applied {
		if err := s.holds.Release(ctx, cancelled); err != nil {
			s.log.Error("release inventory", zap.String("booking_id", cancelled.ID), zap.Error(err))
		}
		s.publish(ctx, kafka.EventBookingCancelled, cancelled, func(e *kafka.BookingEvent) {
			e.RefundAmount = calc.RefundAmount.Amount
		})
		s.log.Info("booking cancelled",
			zap.String("booking_id", cancelled.ID),
			zap.String("by", string(input.Actor)),
			zap.Int("refund_percent", calc.RefundPercent),
			zap.Int64("refund_amount", calc.RefundAmount.Amount),
		)
	}

	if calc.RefundAmount.Amount > 0 && p.RefundedAmount == 0 {
		// one refund per cancellation; a concurrent Cancel finds it in flight
		refunded, err := s.payments.Refund(ctx, payment.RefundInput{
			PaymentID: p.ID,
			Key:       cancelled.ID + ":cancel",
			Amount:    calc.RefundAmount.Amount,
			Reason:    cancelReason(target, cancelled.CancelReason),
		})
		if err != nil {
			s.log.Error("cancellation refund failed", zap.String("booking_id", cancelled.ID), zap.Error(err))
			return result, err
		}
		result.Payment = refunded
	}
	return result, nil
}

// refundFor computes the refund as of the moment the booking was cancelled.
func (s *BookingService) refundFor(b *domain.Booking, status domain.BookingStatus, p *domain.Payment) domain.RefundCalculation {
	paid := domain.Money{Currency: b.Price.Currency}
	if p != nil && p.Status.Captured() {
		paid.Amount = p.Amount
	}
	if status == domain.BookingStatusCancelledByProvider {
		return refund.Full(paid, b.UpdatedAt, b.CheckIn)
	}
	return refund.Calculate(b.Price.Policy, paid, b.UpdatedAt, b.CheckIn)
}

func refundOutstanding(b *domain.Booking, p *domain.Payment) bool {
	if b.Status != domain.BookingStatusCancelledByGuest && b.Status != domain.BookingStatusCancelledByProvider {
		return false
	}
	if p == nil || p.Status != domain.PaymentStatusSucceeded || p.RefundedAmount != 0 {
		return false
	}
	if b.Status == domain.BookingStatusCancelledByProvider {
		return true
	}
	return refund.Percent(b.Price.Policy, refund.DaysUntil(b.CheckIn, b.UpdatedAt)) > 0
}

func cancelReason(status domain.BookingStatus, reason string) string {
	if reason != "" {
		return reason
	}
	return fmt.Sprintf("booking %s", status)
}

// Complete marks confirmed bookings whose check-out has passed as COMPLETED.
func (s *BookingService) Complete(ctx context.Context, now time.Time) ([]domain.Booking, error) {
	now = now.UTC()
	due, err := s.bookings.ListCompletable(ctx, now, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list completable bookings: %w", err)
	}

	var completed []domain.Booking
	for _, candidate := range due {
		updated, applied, err := s.mutate(ctx, candidate.ID, func(next *domain.Booking) (bool, error) {
			if next.Status != domain.BookingStatusConfirmed || !next.CheckOut.Before(now) {
				return false, nil
			}
			return true, next.Complete(now)
		})
		if err != nil {
			s.log.Error("complete booking", zap.String("booking_id", candidate.ID), zap.Error(err))
			continue
		}
		if applied {
			s.publish(ctx, kafka.EventBookingCompleted, updated, nil)
			completed = append(completed, *updated)
		}
	}
	return completed, nil
}

// ApplyPaymentEvent reconciles a verified provider webhook. Replays are
// acknowledged without side effects.
func (s *BookingService) ApplyPaymentEvent(ctx context.Context, event domain.PaymentEvent) (payment.ReconcileOutcome, error) {
	outcome, err := s.payments.ReconcileWebhook(ctx, event)
	if err != nil {
		return outcome, err
	}
	if outcome.Applied {
		s.afterPaymentChange(ctx, outcome)
	}
	return outcome, nil
}

// ReconcileStalePayments resolves authorizations the provider never reported back on.
func (s *BookingService) ReconcileStalePayments(ctx context.Context, olderThan time.Duration) (int, error) {
	outcomes, err := s.payments.ReconcileStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, outcome := range outcomes {
		s.afterPaymentChange(ctx, outcome)
	}
	return len(outcomes), nil
}

func (s *BookingService) afterPaymentChange(ctx context.Context, outcome payment.ReconcileOutcome) {
	if outcome.Payment == nil || outcome.Payment.Status != domain.PaymentStatusFailed {
		return
	}
	s.returnToHold(ctx, outcome.Payment.BookingID, s.now().UTC())
}

// returnToHold gives the guest the rest of the hold window after a failed payment.
func (s *BookingService) returnToHold(ctx context.Context, bookingID string, now time.Time) {
	updated, applied, err := s.mutate(ctx, bookingID, func(next *domain.Booking) (bool, error) {
		if next.Status != domain.BookingStatusPaymentPending || next.HoldElapsed(now) {
			return false, nil
		}
		return true, next.ReturnToHold(now)
	})
	if err != nil {
		s.log.Error("return booking to hold", zap.String("booking_id", bookingID), zap.Error(err))
		return
	}
	if applied {
		s.publish(ctx, kafka.EventPaymentFailed, updated, nil)
	}
}

// expiryGuard turns an elapsed hold into EXPIRED_HOLD and reports ErrHoldExpired.
func (s *BookingService) expiryGuard(ctx context.Context, b *domain.Booking, now time.Time) error {
	if b.Status == domain.BookingStatusExpiredHold {
		return domain.ErrHoldExpired
	}
	if !b.HoldElapsed(now) {
		return nil
	}
	if _, err := s.holds.ExpireIfDue(ctx, b.ID, now); err != nil {
		s.log.Error("expire hold", zap.String("booking_id", b.ID), zap.Error(err))
	}
	return domain.ErrHoldExpired
}

// mutate runs load, change, compare-and-swap, reloading on a lost race. change
// returns false when there is nothing to write.
func (s *BookingService) mutate(ctx context.Context, bookingID string, change func(next *domain.Booking) (bool, error)) (*domain.Booking, bool, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.bookings.Get(ctx, bookingID)
		if err != nil {
			return nil, false, err
		}
		next := current.Clone()
		ok, err := change(next)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return current, false, nil
		}

		err = s.bookings.CompareAndSwap(ctx, next, current.Version)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= s.casRetries {
			return nil, false, err
		}
		s.log.Debug("booking changed concurrently, retrying", zap.String("booking_id", bookingID), zap.Int("attempt", attempt+1))
	}
}

func (s *BookingService) publish(ctx context.Context, eventType string, b *domain.Booking, decorate func(*kafka.BookingEvent)) {
	if s.events == nil {
		return
	}
	event := kafka.NewBookingEvent(eventType, b, s.now())
	if decorate != nil {
		decorate(&event)
	}
	if err := s.events.PublishLifecycle(ctx, event); err != nil {
		s.log.Warn("publish booking event", zap.String("type", eventType), zap.String("booking_id", b.ID), zap.Error(err))
	}
}

var _ BookingUseCase = (*BookingService)(nil)
