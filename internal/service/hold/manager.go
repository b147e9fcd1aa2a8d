package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/kafka"
	"github.com/Domenick1991/staybook/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HoldStore blocks listing inventory for the nights of a booking.
type HoldStore interface {
	Reserve(ctx context.Context, booking *domain.Booking, capacity int) (bool, error)
	Release(ctx context.Context, booking *domain.Booking) error
}

type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error
}

// AuthorizationVoider releases the card authorization of a booking whose
// hold ran out during payment.
type AuthorizationVoider interface {
	Void(ctx context.Context, bookingID, reason string) (*domain.Payment, error)
}

type EventPublisher interface {
	PublishLifecycle(ctx context.Context, event kafka.BookingEvent) error
}

type HoldInput struct {
	UserID   string
	Listing  domain.ListingRef
	Guests   int
	CheckIn  time.Time
	CheckOut time.Time
	Snapshot domain.PriceSnapshot
	Capacity int
	// QuoteBookingID promotes a saved QUOTE booking instead of creating one.
	QuoteBookingID string
}

type Manager struct {
	bookings   repository.BookingRepository
	store      HoldStore
	scheduler  ExpiryScheduler
	voider     AuthorizationVoider
	events     EventPublisher
	ttl        time.Duration
	casRetries int
	batchSize  int
	now        func() time.Time
	newID      func() string
	log        *zap.Logger
}

type Option func(*Manager)

func WithScheduler(s ExpiryScheduler) Option {
	return func(m *Manager) {
		m.scheduler = s
	}
}

func WithVoider(v AuthorizationVoider) Option {
	return func(m *Manager) {
		m.voider = v
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

func WithCASRetries(n int) Option {
	return func(m *Manager) {
		m.casRetries = n
	}
}

func WithBatchSize(n int) Option {
	return func(m *Manager) {
		m.batchSize = n
	}
}

func NewManager(
	bookings repository.BookingRepository,
	store HoldStore,
	events EventPublisher,
	ttl time.Duration,
	log *zap.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		bookings:   bookings,
		store:      store,
		events:     events,
		ttl:        ttl,
		casRetries: 3,
		batchSize:  100,
		now:        time.Now,
		newID:      uuid.NewString,
		log:        log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateHold blocks inventory and moves a booking into HOLD with a deadline of now+TTL.
func (m *Manager) CreateHold(ctx context.Context, in HoldInput) (*domain.Booking, error) {
	now := m.now().UTC()

	current, err := m.source(ctx, in, now)
	if err != nil {
		return nil, err
	}

	reserved, err := m.store.Reserve(ctx, current, in.Capacity)
	if err != nil {
		return nil, fmt.Errorf("reserve inventory: %w", err)
	}
	if !reserved {
		return nil, domain.ErrInventoryUnavailable
	}

	held := current.Clone()
	if err := held.StartHold(now.Add(m.ttl), now); err != nil {
		m.release(ctx, current)
		return nil, err
	}

	if in.QuoteBookingID != "" {
		err = m.bookings.CompareAndSwap(ctx, held, current.Version)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			err = domain.ErrHoldAlreadyResolved
		}
	} else {
		err = m.bookings.Create(ctx, held)
	}
	if err != nil {
		// a competing promotion of the same quote shares this reservation
		if in.QuoteBookingID == "" || !m.heldElsewhere(ctx, current.ID) {
			m.release(ctx, current)
		}
		return nil, err
	}

	if m.scheduler != nil {
		if err := m.scheduler.ScheduleExpiry(ctx, held.ID, *held.HoldExpiresAt); err != nil {
			m.log.Warn("schedule hold expiry", zap.String("booking_id", held.ID), zap.Error(err))
		}
	}
	m.publish(ctx, kafka.EventBookingHeld, held, now)

	m.log.Info("hold created",
		zap.String("booking_id", held.ID),
		zap.String("listing", held.Listing.String()),
		zap.Time("expires_at", *held.HoldExpiresAt),
	)
	return held, nil
}

func (m *Manager) source(ctx context.Context, in HoldInput, now time.Time) (*domain.Booking, error) {
	if in.QuoteBookingID == "" {
		return domain.NewBooking(domain.NewBookingParams{
			ID:       m.newID(),
			UserID:   in.UserID,
			Listing:  in.Listing,
			Guests:   in.Guests,
			CheckIn:  in.CheckIn,
			CheckOut: in.CheckOut,
			Price:    in.Snapshot,
			Now:      now,
		})
	}

	b, err := m.bookings.Get(ctx, in.QuoteBookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BookingStatusQuote {
		return nil, domain.ErrHoldAlreadyResolved
	}
	return b, nil
}

// heldElsewhere reports whether the booking is in a live hold written by
// another caller. Unreadable bookings count as held.
func (m *Manager) heldElsewhere(ctx context.Context, bookingID string) bool {
	b, err := m.bookings.Get(ctx, bookingID)
	if err != nil {
		m.log.Error("reload booking", zap.String("booking_id", bookingID), zap.Error(err))
		return true
	}
	return b.Status.Holding()
}

// ExpireIfDue moves an elapsed hold to EXPIRED_HOLD and frees its inventory.
// Bookings in any other state, or not yet due, are returned unchanged.
func (m *Manager) ExpireIfDue(ctx context.Context, bookingID string, now time.Time) (*domain.Booking, error) {
	now = now.UTC()
	for attempt := 0; ; attempt++ {
		current, err := m.bookings.Get(ctx, bookingID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrHoldNotFound
		}
		if err != nil {
			return nil, err
		}
		if !current.HoldElapsed(now) {
			return current, nil
		}

		next := current.Clone()
		if err := next.Expire(now); err != nil {
			return nil, err
		}
		err = m.bookings.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, domain.ErrConcurrentUpdate) && attempt < m.casRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		m.release(ctx, next)
		if current.Status == domain.BookingStatusPaymentPending {
			m.void(ctx, next.ID)
		}
		m.publish(ctx, kafka.EventBookingExpired, next, now)
		m.log.Info("hold expired", zap.String("booking_id", next.ID), zap.String("from", string(current.Status)))
		return next, nil
	}
}

// Sweep expires every elapsed hold, one batch at a time.
func (m *Manager) Sweep(ctx context.Context, now time.Time) ([]domain.Booking, error) {
	var expired []domain.Booking
	for {
		batch, err := m.bookings.ListExpiredHolds(ctx, now, m.batchSize)
		if err != nil {
			return expired, fmt.Errorf("list expired holds: %w", err)
		}

		progressed := 0
		for _, candidate := range batch {
			b, err := m.ExpireIfDue(ctx, candidate.ID, now)
			if err != nil {
				m.log.Error("expire hold", zap.String("booking_id", candidate.ID), zap.Error(err))
				continue
			}
			if b.Status == domain.BookingStatusExpiredHold {
				expired = append(expired, *b)
				progressed++
			}
		}

		if len(batch) < m.batchSize || progressed == 0 {
			return expired, nil
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
	}
}

// Release frees the inventory held for b. Safe to call more than once.
func (m *Manager) Release(ctx context.Context, b *domain.Booking) error {
	return m.store.Release(ctx, b)
}

func (m *Manager) release(ctx context.Context, b *domain.Booking) {
	if err := m.store.Release(ctx, b); err != nil {
		m.log.Error("release inventory", zap.String("booking_id", b.ID), zap.Error(err))
	}
}

func (m *Manager) void(ctx context.Context, bookingID string) {
	if m.voider == nil {
		return
	}
	if _, err := m.voider.Void(ctx, bookingID, "hold expired"); err != nil {
		m.log.Error("void authorization", zap.String("booking_id", bookingID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, b *domain.Booking, now time.Time) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishLifecycle(ctx, kafka.NewBookingEvent(eventType, b, now)); err != nil {
		m.log.Warn("publish booking event", zap.String("type", eventType), zap.String("booking_id", b.ID), zap.Error(err))
	}
}
