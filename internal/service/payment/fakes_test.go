package payment

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/stretchr/testify/mock"
)

// memPayments is an in-memory PaymentRepository with real version checks.
type memPayments struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
	refunds  []domain.Refund
	// conflicts makes the next n CAS calls fail as if another writer won.
	conflicts int
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[string]*domain.Payment{}}
}

func (r *memPayments) put(p *domain.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = p.Clone()
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
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrConcurrentUpdate
	}
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

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(AuthorizeResult), args.Error(1)
}

func (m *MockGateway) Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) error {
	args := m.Called(ctx, intentID, amount, idempotencyKey)
	return args.Error(0)
}

func (m *MockGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) Void(ctx context.Context, intentID, idempotencyKey string) error {
	args := m.Called(ctx, intentID, idempotencyKey)
	return args.Error(0)
}

func (m *MockGateway) Lookup(ctx context.Context, intentID, paymentID string) (IntentState, error) {
	args := m.Called(ctx, intentID, paymentID)
	return args.Get(0).(IntentState), args.Error(1)
}
