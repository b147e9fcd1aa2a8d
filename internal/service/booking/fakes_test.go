package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/kafka"
	"github.com/Domenick1991/staybook/internal/service/payment"
	"github.com/stretchr/testify/mock"
)

// memBookings is an in-memory BookingRepository with real version checks.
type memBookings struct {
	mu        sync.Mutex
	bookings  map[string]*domain.Booking
	conflicts int
}

func newMemBookings() *memBookings {
	return &memBookings{bookings: map[string]*domain.Booking{}}
}

func (r *memBookings) Create(_ context.Context, b *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[b.ID]; ok {
		return fmt.Errorf("duplicate booking %s", b.ID)
	}
	b.Version = 0
	r.bookings[b.ID] = b.Clone()
	return nil
}

func (r *memBookings) Get(_ context.Context, id string) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

func (r *memBookings) CompareAndSwap(_ context.Context, b *domain.Booking, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrConcurrentUpdate
	}
	current, ok := r.bookings[b.ID]
	if !ok || current.Version != expectedVersion {
		return domain.ErrConcurrentUpdate
	}
	b.Version = expectedVersion + 1
	r.bookings[b.ID] = b.Clone()
	return nil
}

func (r *memBookings) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Booking
	for _, b := range r.bookings {
		if b.HoldElapsed(now) && len(out) < limit {
			out = append(out, *b.Clone())
		}
	}
	return out, nil
}

func (r *memBookings) ListCompletable(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Booking
	for _, b := range r.bookings {
		if b.Status == domain.BookingStatusConfirmed && b.CheckOut.Before(now) && len(out) < limit {
			out = append(out, *b.Clone())
		}
	}
	return out, nil
}

type memPayments struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
	refunds  []domain.Refund
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[string]*domain.Payment{}}
}

func (r *memPayments) Create(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.BookingID == p.BookingID && existing.Status.Active() {
			return domain.ErrIllegalStateTransition
		}
	}
	p.Version = 0
	r.payments[p.ID] = p.Clone()
	return nil
}

func (r *memPayments) Get(_ context.Context, id string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *memPayments) GetByProviderIntentID(_ context.Context, intentID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.IntentID() == intentID {
			return p.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPayments) ActiveForBooking(_ context.Context, bookingID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.BookingID == bookingID && p.Status.Active() {
			return p.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPayments) CompareAndSwap(_ context.Context, p *domain.Payment, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(p, expectedVersion)
}

func (r *memPayments) cas(p *domain.Payment, expectedVersion int64) error {
	current, ok := r.payments[p.ID]
	if !ok || current.Version != expectedVersion {
		return domain.ErrConcurrentUpdate
	}
	p.Version = expectedVersion + 1
	r.payments[p.ID] = p.Clone()
	return nil
}

func (r *memPayments) GetRefund(_ context.Context, paymentID, key string) (*domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.refundIndex(paymentID, key); i >= 0 {
		ref := r.refunds[i]
		return &ref, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memPayments) ClaimRefund(_ context.Context, p *domain.Payment, expectedVersion int64, refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cas(p, expectedVersion); err != nil {
		return err
	}
	if i := r.refundIndex(refund.PaymentID, refund.Key); i >= 0 {
		r.refunds[i].Status = refund.Status
		r.refunds[i].UpdatedAt = refund.UpdatedAt
		return nil
	}
	r.refunds = append(r.refunds, refund)
	return nil
}

func (r *memPayments) SettleRefund(_ context.Context, p *domain.Payment, expectedVersion int64, refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.refundIndex(refund.PaymentID, refund.Key)
	if i < 0 || r.refunds[i].Status != domain.RefundStatusPending {
		return domain.ErrConcurrentUpdate
	}
	if err := r.cas(p, expectedVersion); err != nil {
		return err
	}
	r.refunds[i] = refund
	return nil
}

func (r *memPayments) refundIndex(paymentID, key string) int {
	for i, ref := range r.refunds {
		if ref.PaymentID == paymentID && ref.Key == key {
			return i
		}
	}
	return -1
}

func (r *memPayments) ListStaleProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		inFlight := p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing
		if inFlight && p.AuthorizedAt == nil && p.UpdatedAt.Before(updatedBefore) && len(out) < limit {
			out = append(out, *p.Clone())
		}
	}
	return out, nil
}

// memInventory mirrors the Redis per-night counters.
type memInventory struct {
	mu     sync.Mutex
	nights map[string]int
	holds  map[string][]string
}

func newMemInventory() *memInventory {
	return &memInventory{nights: map[string]int{}, holds: map[string][]string{}}
}

func (s *memInventory) keys(b *domain.Booking) []string {
	var keys []string
	day := b.CheckIn
	for {
		keys = append(keys, b.Listing.String()+":"+day.Format("2006-01-02"))
		day = day.AddDate(0, 0, 1)
		if !day.Before(b.CheckOut) {
			return keys
		}
	}
}

func (s *memInventory) Reserve(_ context.Context, b *domain.Booking, capacity int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[b.ID]; ok {
		return true, nil
	}
	keys := s.keys(b)
	for _, k := range keys {
		if s.nights[k] >= capacity {
			return false, nil
		}
	}
	for _, k := range keys {
		s.nights[k]++
	}
	s.holds[b.ID] = keys
	return true, nil
}

func (s *memInventory) Release(_ context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.holds[b.ID]
	if !ok {
		return nil
	}
	for _, k := range keys {
		s.nights[k]--
	}
	delete(s.holds, b.ID)
	return nil
}

func (s *memInventory) held(bookingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.holds[bookingID]
	return ok
}

type memListings struct {
	listings map[domain.ListingRef]domain.Listing
}

func (l *memListings) GetListing(_ context.Context, ref domain.ListingRef) (*domain.Listing, error) {
	listing, ok := l.listings[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &listing, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []kafka.BookingEvent
}

func (r *recordingEvents) PublishLifecycle(_ context.Context, event kafka.BookingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingEvents) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Authorize(ctx context.Context, req payment.AuthorizeRequest) (payment.AuthorizeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(payment.AuthorizeResult), args.Error(1)
}

func (m *MockGateway) Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) error {
	args := m.Called(ctx, intentID, amount, idempotencyKey)
	return args.Error(0)
}

func (m *MockGateway) Refund(ctx context.Context, req payment.RefundRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) Void(ctx context.Context, intentID, idempotencyKey string) error {
	args := m.Called(ctx, intentID, idempotencyKey)
	return args.Error(0)
}

func (m *MockGateway) Lookup(ctx context.Context, intentID, paymentID string) (payment.IntentState, error) {
	args := m.Called(ctx, intentID, paymentID)
	return args.Get(0).(payment.IntentState), args.Error(1)
}
