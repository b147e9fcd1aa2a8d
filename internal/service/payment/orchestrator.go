package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcileOutcome reports whether a provider event changed the payment.
// Applied is false for replays and stale events.
type ReconcileOutcome struct {
	Payment  *domain.Payment
	Previous domain.PaymentStatus
	Applied  bool
}

type Orchestrator struct {
	payments   repository.PaymentRepository
	gateway    PaymentGateway
	retry      RetryPolicy
	casRetries int
	batchSize  int
	// refundLease is how long a PENDING refund blocks other callers before
	// it may be taken over.
	refundLease time.Duration
	now         func() time.Time
	newID       func() string
	sleep       func(time.Duration) <-chan time.Time
	log         *zap.Logger
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

func WithSleep(sleep func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func WithRefundLease(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.refundLease = d
	}
}

func WithCASRetries(n int) Option {
	return func(o *Orchestrator) {
		o.casRetries = n
	}
}

func NewOrchestrator(payments repository.PaymentRepository, gateway PaymentGateway, retry RetryPolicy, log *zap.Logger, opts ...Option) *Orchestrator {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.Timeout <= 0 {
		retry.Timeout = 10 * time.Second
	}
	o := &Orchestrator{
		payments:    payments,
		gateway:     gateway,
		retry:       retry,
		casRetries:  3,
		batchSize:   100,
		refundLease: 5 * time.Minute,
		now:         time.Now,
		newID:       uuid.NewString,
		sleep:       time.After,
		log:         log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Get(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return o.payments.Get(ctx, paymentID)
}

func (o *Orchestrator) ActiveForBooking(ctx context.Context, bookingID string) (*domain.Payment, error) {
	return o.payments.ActiveForBooking(ctx, bookingID)
}

// PreAuthorize asks the provider to hold amount for the booking. The returned
// payment is PROCESSING; it becomes capturable once the provider reports the
// authorization, either inline or through a webhook.
func (o *Orchestrator) PreAuthorize(ctx context.Context, bookingID string, amount domain.Money, method string) (*domain.Payment, error) {
	if amount.Amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	if method == "" {
		return nil, domain.NewValidationError("payment_method", "is required")
	}

	existing, err := o.payments.ActiveForBooking(ctx, bookingID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: booking %s already has payment %s (%s)", domain.ErrIllegalStateTransition, bookingID, existing.ID, existing.Status)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	now := o.now().UTC()
	p := &domain.Payment{
		ID:            o.newID(),
		BookingID:     bookingID,
		Amount:        amount.Amount,
		Currency:      amount.Currency,
		Status:        domain.PaymentStatusPending,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.payments.Create(ctx, p); err != nil {
		return nil, err
	}

	var res AuthorizeResult
	callErr := o.call(ctx, "authorize", func(ctx context.Context) error {
		var err error
		res, err = o.gateway.Authorize(ctx, AuthorizeRequest{
			PaymentID:     p.ID,
			BookingID:     bookingID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			PaymentMethod: method,
		})
		return err
	})

	next := p.Clone()
	next.UpdatedAt = o.now().UTC()
	var result error
	switch {
	case callErr == nil:
		next.Status = domain.PaymentStatusProcessing
		next.ProviderIntentID = &res.IntentID
		if res.Capturable {
			at := next.UpdatedAt
			next.AuthorizedAt = &at
		}
	case errors.Is(callErr, domain.ErrPaymentDeclined):
		next.Status = domain.PaymentStatusFailed
		next.FailureReason = callErr.Error()
		result = callErr
	case errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil:
		// The provider may still have created the intent; the stale poll finds it by reference.
		next.Status = domain.PaymentStatusProcessing
		result = fmt.Errorf("%w: authorize timed out", domain.ErrProviderUnavailable)
	default:
		next.Status = domain.PaymentStatusFailed
		next.FailureReason = callErr.Error()
		result = fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, callErr)
	}

	if err := o.payments.CompareAndSwap(ctx, next, p.Version); err != nil {
		return nil, fmt.Errorf("store authorization result: %w", err)
	}

	o.log.Info("payment pre-authorized",
		zap.String("payment_id", next.ID),
		zap.String("booking_id", bookingID),
		zap.String("status", string(next.Status)),
		zap.Bool("authorized", next.AuthorizedAt != nil),
	)
	return next, result
}

// Capture charges the authorized payment of a booking. A payment that is
// already captured is returned as is without calling the provider.
func (o *Orchestrator) Capture(ctx context.Context, bookingID string) (*domain.Payment, error) {
	p, err := o.payments.ActiveForBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if p.Status.Captured() {
		return p, nil
	}
	if p.Status != domain.PaymentStatusProcessing || p.AuthorizedAt == nil || p.IntentID() == "" {
		return nil, fmt.Errorf("%w: payment %s is %s", domain.ErrPaymentNotAuthorized, p.ID, p.Status)
	}

	callErr := o.call(ctx, "capture", func(ctx context.Context) error {
		return o.gateway.Capture(ctx, p.IntentID(), p.Amount, p.ID+":capture")
	})
	if callErr != nil && !errors.Is(callErr, domain.ErrPaymentDeclined) {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, callErr)
	}

	for attempt := 0; ; attempt++ {
		next := p.Clone()
		next.UpdatedAt = o.now().UTC()
		if callErr != nil {
			next.Status = domain.PaymentStatusFailed
			next.FailureReason = callErr.Error()
		} else {
			next.Status = domain.PaymentStatusSucceeded
		}

		err := o.payments.CompareAndSwap(ctx, next, p.Version)
		if err == nil {
			if callErr != nil {
				return next, callErr
			}
			o.log.Info("payment captured", zap.String("payment_id", next.ID), zap.String("booking_id", bookingID))
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= o.casRetries {
			return nil, err
		}

		// A webhook may have recorded the capture first.
		if p, err = o.payments.Get(ctx, p.ID); err != nil {
			return nil, err
		}
		if p.Status.Captured() {
			return p, nil
		}
		if p.Status == domain.PaymentStatusFailed {
			return p, domain.ErrPaymentDeclined
		}
	}
}

// RefundInput names one refund. Calls with the same Key are the same refund:
// the provider pays it out at most once. An empty Key makes it one-off.
type RefundInput struct {
	PaymentID string
	Key       string
	Amount    int64
	Reason    string
}

// Refund returns part of a captured payment to the guest. The amount is
// claimed on the payment before the provider is called, so concurrent refunds
// can never add up to more than was captured. Amounts above what is left are
// rejected, never clamped.
func (o *Orchestrator) Refund(ctx context.Context, in RefundInput) (*domain.Payment, error) {
	if in.Amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	if in.Key == "" {
		in.Key = o.newID()
	}

	p, claim, err := o.claimRefund(ctx, in)
	if err != nil || claim == nil {
		return p, err
	}

	var providerRefundID string
	callErr := o.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		providerRefundID, err = o.gateway.Refund(ctx, RefundRequest{
			IntentID:       p.IntentID(),
			Amount:         claim.Amount,
			IdempotencyKey: claim.Key,
			Reason:         claim.Reason,
		})
		return err
	})
	return o.settleRefund(ctx, p, *claim, providerRefundID, callErr)
}

// claimRefund records the refund as PENDING and reserves its amount. A nil
// claim with a nil error means the refund with this key already succeeded.
func (o *Orchestrator) claimRefund(ctx context.Context, in RefundInput) (*domain.Payment, *domain.Refund, error) {
	for attempt := 0; ; attempt++ {
		p, err := o.payments.Get(ctx, in.PaymentID)
		if err != nil {
			return nil, nil, err
		}
		existing, err := o.payments.GetRefund(ctx, p.ID, in.Key)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, nil, err
		}

		now := o.now().UTC()
		next := p.Clone()
		next.UpdatedAt = now
		var claim domain.Refund
		switch {
		case existing == nil:
			if err := refundable(p, in.Amount); err != nil {
				return nil, nil, err
			}
			claim = domain.Refund{
				ID:        o.newID(),
				PaymentID: p.ID,
				Key:       in.Key,
				Amount:    in.Amount,
				Reason:    in.Reason,
				CreatedAt: now,
			}
			next.RefundPending += in.Amount
		case existing.Amount != in.Amount:
			return nil, nil, domain.NewValidationError("amount", fmt.Sprintf("refund %s was requested for %d", in.Key, existing.Amount))
		case existing.Status == domain.RefundStatusSucceeded:
			return p, nil, nil
		case existing.Status == domain.RefundStatusPending && now.Sub(existing.UpdatedAt) < o.refundLease:
			return nil, nil, fmt.Errorf("%w: refund %s for payment %s", domain.ErrRefundInProgress, in.Key, p.ID)
		case existing.Status == domain.RefundStatusPending:
			// abandoned by a caller that never settled it; the amount is still reserved
			claim = *existing
		default:
			if err := refundable(p, existing.Amount); err != nil {
				return nil, nil, err
			}
			claim = *existing
			next.RefundPending += existing.Amount
		}
		claim.Status = domain.RefundStatusPending
		claim.UpdatedAt = now

		err = o.payments.ClaimRefund(ctx, next, p.Version, claim)
		if err == nil {
			return next, &claim, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= o.casRetries {
			return nil, nil, err
		}
	}
}

// settleRefund moves the claimed amount to RefundedAmount, or frees it when
// the provider call failed. A failed refund can be retried with the same key.
func (o *Orchestrator) settleRefund(ctx context.Context, p *domain.Payment, claim domain.Refund, providerRefundID string, callErr error) (*domain.Payment, error) {
	for attempt := 0; ; attempt++ {
		now := o.now().UTC()
		next := p.Clone()
		next.UpdatedAt = now
		next.RefundPending -= claim.Amount
		settled := claim
		settled.UpdatedAt = now
		if callErr != nil {
			settled.Status = domain.RefundStatusFailed
		} else {
			settled.Status = domain.RefundStatusSucceeded
			settled.ProviderRefundID = providerRefundID
			next.RefundedAmount += claim.Amount
			if next.RefundedAmount >= next.Amount {
				next.Status = domain.PaymentStatusRefunded
			} else {
				next.Status = domain.PaymentStatusPartiallyRefunded
			}
		}

		err := o.payments.SettleRefund(ctx, next, p.Version, settled)
		if err == nil {
			if callErr != nil {
				o.log.Warn("refund failed",
					zap.String("payment_id", p.ID),
					zap.String("refund_key", claim.Key),
					zap.Error(callErr),
				)
				return nil, fmt.Errorf("%w: refund: %w", domain.ErrProviderUnavailable, callErr)
			}
			o.log.Info("payment refunded",
				zap.String("payment_id", p.ID),
				zap.String("refund_key", claim.Key),
				zap.Int64("amount", claim.Amount),
				zap.String("status", string(next.Status)),
			)
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= o.casRetries {
			return nil, err
		}

		current, err := o.payments.GetRefund(ctx, p.ID, claim.Key)
		if err != nil {
			return nil, err
		}
		if p, err = o.payments.Get(ctx, p.ID); err != nil {
			return nil, err
		}
		if current.Status != domain.RefundStatusPending {
			// another caller took over the claim and settled it
			if current.Status == domain.RefundStatusSucceeded {
				return p, nil
			}
			return nil, fmt.Errorf("%w: refund %s failed", domain.ErrProviderUnavailable, claim.Key)
		}
	}
}

func refundable(p *domain.Payment, amount int64) error {
	if p.Status != domain.PaymentStatusSucceeded && p.Status != domain.PaymentStatusPartiallyRefunded {
		return fmt.Errorf("%w: payment %s is %s", domain.ErrIllegalStateTransition, p.ID, p.Status)
	}
	if amount > p.Refundable() {
		return fmt.Errorf("%w: requested %d, refundable %d", domain.ErrRefundExceedsCaptured, amount, p.Refundable())
	}
	return nil
}

// Void releases the uncaptured authorization of a booking and marks the
// payment FAILED. Bookings without an open authorization are left alone.
func (o *Orchestrator) Void(ctx context.Context, bookingID, reason string) (*domain.Payment, error) {
	p, err := o.payments.ActiveForBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentStatusPending && p.Status != domain.PaymentStatusProcessing {
		return p, nil
	}

	if p.IntentID() != "" {
		err := o.call(ctx, "void", func(ctx context.Context) error {
			return o.gateway.Void(ctx, p.IntentID(), p.ID+":void")
		})
		if errors.Is(err, ErrNotVoidable) {
			// a capture got there first; Confirm settles it
			o.log.Warn("authorization not voidable", zap.String("payment_id", p.ID), zap.Error(err))
			return p, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: void: %w", domain.ErrProviderUnavailable, err)
		}
	}

	outcome, err := o.apply(ctx, p, domain.PaymentEvent{
		ID:               "void:" + p.ID,
		Type:             domain.PaymentEventFailed,
		ProviderIntentID: p.IntentID(),
		FailureReason:    reason,
		OccurredAt:       o.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if outcome.Applied {
		o.log.Info("authorization voided", zap.String("payment_id", p.ID), zap.String("booking_id", bookingID))
	}
	return outcome.Payment, nil
}

// ReconcileWebhook applies a verified provider event. Unknown intents and
// replays are acknowledged without changes.
func (o *Orchestrator) ReconcileWebhook(ctx context.Context, event domain.PaymentEvent) (ReconcileOutcome, error) {
	if event.Type == domain.PaymentEventIgnored || event.ProviderIntentID == "" {
		return ReconcileOutcome{}, nil
	}

	p, err := o.payments.GetByProviderIntentID(ctx, event.ProviderIntentID)
	if errors.Is(err, domain.ErrNotFound) {
		o.log.Info("webhook for unknown intent", zap.String("event_id", event.ID), zap.String("intent_id", event.ProviderIntentID))
		return ReconcileOutcome{}, nil
	}
	if err != nil {
		return ReconcileOutcome{}, err
	}
	return o.apply(ctx, p, event)
}

func (o *Orchestrator) apply(ctx context.Context, p *domain.Payment, event domain.PaymentEvent) (ReconcileOutcome, error) {
	for attempt := 0; ; attempt++ {
		next, ok := transition(p, event, o.now().UTC())
		if !ok {
			return ReconcileOutcome{Payment: p, Previous: p.Status}, nil
		}

		err := o.payments.CompareAndSwap(ctx, next, p.Version)
		if err == nil {
			o.log.Info("payment event applied",
				zap.String("event_id", event.ID),
				zap.String("payment_id", p.ID),
				zap.String("from", string(p.Status)),
				zap.String("to", string(next.Status)),
			)
			return ReconcileOutcome{Payment: next, Previous: p.Status, Applied: true}, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= o.casRetries {
			return ReconcileOutcome{}, err
		}
		if p, err = o.payments.Get(ctx, p.ID); err != nil {
			return ReconcileOutcome{}, err
		}
	}
}

// transition computes the payment after event, or false if the event is
// stale for the payment's current state.
func transition(p *domain.Payment, event domain.PaymentEvent, now time.Time) (*domain.Payment, bool) {
	inFlight := p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing
	if !inFlight {
		return nil, false
	}

	next := p.Clone()
	next.UpdatedAt = now
	if next.ProviderIntentID == nil && event.ProviderIntentID != "" {
		id := event.ProviderIntentID
		next.ProviderIntentID = &id
	}

	switch event.Type {
	case domain.PaymentEventAuthorized:
		if p.AuthorizedAt != nil {
			return nil, false
		}
		next.Status = domain.PaymentStatusProcessing
		next.AuthorizedAt = &now
	case domain.PaymentEventSucceeded:
		next.Status = domain.PaymentStatusSucceeded
		if next.AuthorizedAt == nil {
			next.AuthorizedAt = &now
		}
	case domain.PaymentEventFailed:
		next.Status = domain.PaymentStatusFailed
		next.FailureReason = event.FailureReason
	default:
		return nil, false
	}
	return next, true
}

// ReconcileStale asks the provider about authorizations that have been in
// flight longer than olderThan and applies what it reports.
func (o *Orchestrator) ReconcileStale(ctx context.Context, olderThan time.Duration) ([]ReconcileOutcome, error) {
	stale, err := o.payments.ListStaleProcessing(ctx, o.now().UTC().Add(-olderThan), o.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}

	var applied []ReconcileOutcome
	for i := range stale {
		p := &stale[i]

		var state IntentState
		err := o.call(ctx, "lookup", func(ctx context.Context) error {
			var err error
			state, err = o.gateway.Lookup(ctx, p.IntentID(), p.ID)
			return err
		})
		switch {
		case errors.Is(err, domain.ErrNotFound):
			state = IntentState{Status: domain.PaymentEventFailed, FailureReason: "authorization never reached the provider"}
		case err != nil:
			o.log.Warn("lookup stale payment", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}

		outcome, err := o.apply(ctx, p, domain.PaymentEvent{
			ID:               "reconcile:" + p.ID,
			Type:             state.Status,
			ProviderIntentID: state.IntentID,
			FailureReason:    state.FailureReason,
			OccurredAt:       o.now().UTC(),
		})
		if err != nil {
			o.log.Error("reconcile stale payment", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		if outcome.Applied {
			applied = append(applied, outcome)
		}
	}
	return applied, nil
}
