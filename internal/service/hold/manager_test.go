package hold

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockBookingRepository struct {
	mock.Mock
}

func (m *MockBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockBookingRepository) Get(ctx context.Context, id string) (*domain.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking).Clone(), args.Error(1)
}

func (m *MockBookingRepository) CompareAndSwap(ctx context.Context, b *domain.Booking, expectedVersion int64) error {
	args := m.Called(ctx, b, expectedVersion)
	if args.Error(0) == nil {
		b.Version = expectedVersion + 1
	}
	return args.Error(0)
}

func (m *MockBookingRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]domain.Booking), args.Error(1)
}

func (m *MockBookingRepository) ListCompletable(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]domain.Booking), args.Error(1)
}

type MockHoldStore struct {
	mock.Mock
}

func (m *MockHoldStore) Reserve(ctx context.Context, b *domain.Booking, capacity int) (bool, error) {
	args := m.Called(ctx, b, capacity)
	return args.Bool(0), args.Error(1)
}

func (m *MockHoldStore) Release(ctx context.Context, b *domain.Booking) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error {
	args := m.Called(ctx, bookingID, at)
	return args.Error(0)
}

type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) PublishLifecycle(ctx context.Context, event kafka.BookingEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockVoider struct {
	mock.Mock
}

func (m *MockVoider) Void(ctx context.Context, bookingID, reason string) (*domain.Payment, error) {
	args := m.Called(ctx, bookingID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(repo *MockBookingRepository, store *MockHoldStore, events *MockEvents, opts ...Option) *Manager {
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "b-1" }),
	}, opts...)
	return NewManager(repo, store, events, 15*time.Minute, zap.NewNop(), opts...)
}

func stayInput() HoldInput {
	return HoldInput{
		UserID:   "u-1",
		Listing:  domain.ListingRef{Kind: domain.ListingKindStay, ID: "L1"},
		Guests:   2,
		CheckIn:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		CheckOut: time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC),
		Snapshot: domain.PriceSnapshot{Currency: "USD", Total: 50000, Policy: domain.PolicyModerate},
		Capacity: 4,
	}
}

func heldBooking(status domain.BookingStatus, expiresAt time.Time) *domain.Booking {
	return &domain.Booking{
		ID:            "b-1",
		Status:        status,
		Listing:       domain.ListingRef{Kind: domain.ListingKindStay, ID: "L1"},
		Guests:        2,
		HoldExpiresAt: &expiresAt,
		Version:       1,
	}
}

func TestManager_CreateHold_New(t *testing.T) {
	repo := &MockBookingRepository{}
	store := &MockHoldStore{}
	events := &MockEvents{}
	scheduler := &MockScheduler{}
	m := newTestManager(repo, store, events, WithScheduler(scheduler))

	expiresAt := now.Add(15 * time.Minute)
	store.On("Reserve", mock.Anything, mock.AnythingOfType("*domain.Booking"), 4).Return(true, nil)
	repo.On("Create", mock.Anything, mock.MatchedBy(func(b *domain.Booking) bool {
		return b.Status == domain.BookingStatusHold && b.HoldExpiresAt.Equal(expiresAt)
	})).Return(nil)
	scheduler.On("ScheduleExpiry", mock.Anything, "b-1", expiresAt).Return(nil)
	events.On("PublishLifecycle", mock.Anything, mock.MatchedBy(func(e kafka.BookingEvent) bool {
		return e.Type == kafka.EventBookingHeld && e.BookingID == "b-1"
	})).Return(nil)

	b, err := m.CreateHold(context.Background(), stayInput())

	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusHold, b.Status)
	assert.Equal(t, expiresAt, *b.HoldExpiresAt)
	assert.Equal(t, int64(50000), b.Price.Total)
	repo.AssertExpectations(t)
	store.AssertExpectations(t)
	scheduler.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestManager_CreateHold_InventoryUnavailable(t *testing.T) {
	repo := &MockBookingRepository{}
	store := &MockHoldStore{}
	m := newTestManager(repo, store, &MockEvents{})

	store.On("Reserve", mock.Anything, mock.Anything, 4).Return(false, nil)

	_, err := m.CreateHold(context.Background(), stayInput())

	assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestManager_CreateHold_ReleasesOnPersistError(t *testing.T) {
	repo := &MockBookingRepository{}
	store := &MockHoldStore{}
	m := newTestManager(repo, store, &MockEvents{})

	store.On("Reserve", mock.Anything, mock.Anything, 4).Return(true, nil)
	store.On("Release", mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

	_, err := m.CreateHold(context.Background(), stayInput())

	assert.EqualError(t, err, "db down")
	store.AssertExpectations(t)
}

func TestManager_CreateHold_SchedulerFailureIsNotFatal(t *testing.T) {
	repo := &MockBookingRepository{}
	store := &MockHoldStore{}
	events := &MockEvents{}
	scheduler := &MockScheduler{}
	m := newTestManager(repo, store, events, WithScheduler(scheduler))

	store.On("Reserve", mock.Anything, mock.Anything, 4).Return(true, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	scheduler.On("ScheduleExpiry", mock.Anything, "b-1", mock.Anything).Return(errors.New("redis down"))
	events.On("PublishLifecycle", mock.Anything, mock.Anything).Return(errors.New("kafka down"))

	b, err := m.CreateHold(context.Background(), stayInput())

	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusHold, b.Status)
}

func TestManager_CreateHold_FromQuote(t *testing.T) {
	repo := &MockBookingRepository{}
	store := &MockHoldStore{}
	events := &MockEvents{}
	m := newTestManager(repo, store, events)

	quote := &domain.Booking{ID: "q-1", Status: domain.BookingStatusQuote, Guests: 2, Version: 0,
		Price: domain.PriceSnapshot{Currency: "USD", Total: 42000}}
	repo.On("Get", mock.Anything, "q-1").Return(quote, nil)
	store.On("Reserve", mock.Anything, mock.Anything, 4).Return(true, nil)
	repo.On("CompareAndSwap", mock.Anything, mock.MatchedBy(func(b *domain.Booking) bool {
		return b.ID == "q-1" && b.Status == domain.BookingStatusHold
	}), int64(0)).Return(nil)
	events.On("PublishLifecycle", mock.Anything, mock.Anything).Return(nil)

	in := stayInput()
	in.QuoteBookingID = "q-1"
	b, err := m.CreateHold(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, "q-1", b.ID)
	assert.Equal(t, int64(42000), b.Price.Total, "saved quote snapshot is kept")
	assert.Equal(t, int64(1), b.Version)
}

func TestManager_CreateHold_FromQuoteErrors(t *testing.T) {
	t.Run("unknown quote", func(t *testing.T) {
		repo := &MockBookingRepository{}
		m := newTestManager(repo, &MockHoldStore{}, &MockEvents{})
		repo.On("Get", mock.Anything, "q-1").Return(nil, domain.ErrNotFound)

		in := stayInput()
		in.QuoteBookingID = "q-1"
		_, err := m.CreateHold(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrHoldNotFound)
	})

	t.Run("already held", func(t *testing.T) {
		repo := &MockBookingRepository{}
		m := newTestManager(repo, &MockHoldStore{}, &MockEvents{})
		repo.On("Get", mock.Anything, "q-1").Return(heldBooking(domain.BookingStatusHold, now.Add(time.Minute)), nil)

		in := stayInput()
		in.QuoteBookingID = "q-1"
		_, err := m.CreateHold(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrHoldAlreadyResolved)
	})

	t.Run("lost race to a hold that already ended", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		m := newTestManager(repo, store, &MockEvents{})
		repo.On("Get", mock.Anything, "q-1").Return(&domain.Booking{ID: "q-1", Status: domain.BookingStatusQuote, Guests: 1}, nil).Once()
		repo.On("Get", mock.Anything, "q-1").Return(&domain.Booking{ID: "q-1", Status: domain.BookingStatusExpiredHold, Version: 2}, nil).Once()
		store.On("Reserve", mock.Anything, mock.Anything, 4).Return(true, nil)
		store.On("Release", mock.Anything, mock.Anything).Return(nil)
		repo.On("CompareAndSwap", mock.Anything, mock.Anything, int64(0)).Return(domain.ErrConcurrentUpdate)

		in := stayInput()
		in.QuoteBookingID = "q-1"
		_, err := m.CreateHold(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrHoldAlreadyResolved)
		store.AssertCalled(t, "Release", mock.Anything, mock.Anything)
	})

	t.Run("lost race keeps the winner's inventory", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		m := newTestManager(repo, store, &MockEvents{})
		repo.On("Get", mock.Anything, "q-1").Return(&domain.Booking{ID: "q-1", Status: domain.BookingStatusQuote, Guests: 1}, nil).Once()
		repo.On("Get", mock.Anything, "q-1").Return(heldBooking(domain.BookingStatusHold, now.Add(15*time.Minute)), nil).Once()
		store.On("Reserve", mock.Anything, mock.Anything, 4).Return(true, nil)
		repo.On("CompareAndSwap", mock.Anything, mock.Anything, int64(0)).Return(domain.ErrConcurrentUpdate)

		in := stayInput()
		in.QuoteBookingID = "q-1"
		_, err := m.CreateHold(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrHoldAlreadyResolved)
		store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})
}

func TestManager_ExpireIfDue(t *testing.T) {
	t.Run("elapsed hold expires", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		events := &MockEvents{}
		m := newTestManager(repo, store, events)

		repo.On("Get", mock.Anything, "b-1").Return(heldBooking(domain.BookingStatusHold, now), nil)
		repo.On("CompareAndSwap", mock.Anything, mock.MatchedBy(func(b *domain.Booking) bool {
			return b.Status == domain.BookingStatusExpiredHold && b.HoldExpiresAt == nil
		}), int64(1)).Return(nil)
		store.On("Release", mock.Anything, mock.Anything).Return(nil).Once()
		events.On("PublishLifecycle", mock.Anything, mock.MatchedBy(func(e kafka.BookingEvent) bool {
			return e.Type == kafka.EventBookingExpired
		})).Return(nil).Once()

		b, err := m.ExpireIfDue(context.Background(), "b-1", now)

		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusExpiredHold, b.Status)
		store.AssertExpectations(t)
		events.AssertExpectations(t)
	})

	t.Run("payment pending also expires and voids the authorization", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		events := &MockEvents{}
		voider := &MockVoider{}
		m := newTestManager(repo, store, events, WithVoider(voider))

		repo.On("Get", mock.Anything, "b-1").Return(heldBooking(domain.BookingStatusPaymentPending, now.Add(-time.Second)), nil)
		repo.On("CompareAndSwap", mock.Anything, mock.Anything, int64(1)).Return(nil)
		store.On("Release", mock.Anything, mock.Anything).Return(nil)
		events.On("PublishLifecycle", mock.Anything, mock.Anything).Return(nil)
		voider.On("Void", mock.Anything, "b-1", "hold expired").Return(nil, errors.New("stripe down")).Once()

		b, err := m.ExpireIfDue(context.Background(), "b-1", now)

		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusExpiredHold, b.Status)
		voider.AssertExpectations(t)
	})

	t.Run("plain hold has nothing to void", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		events := &MockEvents{}
		voider := &MockVoider{}
		m := newTestManager(repo, store, events, WithVoider(voider))

		repo.On("Get", mock.Anything, "b-1").Return(heldBooking(domain.BookingStatusHold, now), nil)
		repo.On("CompareAndSwap", mock.Anything, mock.Anything, int64(1)).Return(nil)
		store.On("Release", mock.Anything, mock.Anything).Return(nil)
		events.On("PublishLifecycle", mock.Anything, mock.Anything).Return(nil)

		_, err := m.ExpireIfDue(context.Background(), "b-1", now)

		require.NoError(t, err)
		voider.AssertNotCalled(t, "Void", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("not yet due", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		m := newTestManager(repo, store, &MockEvents{})

		repo.On("Get", mock.Anything, "b-1").Return(heldBooking(domain.BookingStatusHold, now.Add(time.Second)), nil)

		b, err := m.ExpireIfDue(context.Background(), "b-1", now)

		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusHold, b.Status)
		repo.AssertNotCalled(t, "CompareAndSwap", mock.Anything, mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})

	t.Run("already confirmed is untouched", func(t *testing.T) {
		repo := &MockBookingRepository{}
		m := newTestManager(repo, &MockHoldStore{}, &MockEvents{})

		repo.On("Get", mock.Anything, "b-1").Return(&domain.Booking{ID: "b-1", Status: domain.BookingStatusConfirmed}, nil)

		b, err := m.ExpireIfDue(context.Background(), "b-1", now.Add(time.Hour))

		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusConfirmed, b.Status)
	})

	t.Run("unknown booking", func(t *testing.T) {
		repo := &MockBookingRepository{}
		m := newTestManager(repo, &MockHoldStore{}, &MockEvents{})
		repo.On("Get", mock.Anything, "nope").Return(nil, domain.ErrNotFound)

		_, err := m.ExpireIfDue(context.Background(), "nope", now)
		assert.ErrorIs(t, err, domain.ErrHoldNotFound)
	})

	t.Run("lost CAS rereads and sees confirmed", func(t *testing.T) {
		repo := &MockBookingRepository{}
		store := &MockHoldStore{}
		m := newTestManager(repo, store, &MockEvents{})

		repo.On("Get", mock.Anything, "b-1").Return(heldBooking(domain.BookingStatusPaymentPending, now), nil).Once()
		repo.On("CompareAndSwap", mock.Anything, mock.Anything, int64(1)).Return(domain.ErrConcurrentUpdate).Once()
		repo.On("Get", mock.Anything, "b-1").Return(&domain.Booking{ID: "b-1", Status: domain.BookingStatusConfirmed, Version: 2}, nil).Once()

		b, err := m.ExpireIfDue(context.Background(), "b-1", now)

		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusConfirmed, b.Status)
		store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})
}

func TestManager_Sweep(t *testing.T) {
	repo := &MockBookingRepository{}
	store := &MockHoldStore{}
	events := &MockEvents{}
	m := newTestManager(repo, store, events, WithBatchSize(2))

	first := heldBooking(domain.BookingStatusHold, now.Add(-time.Minute))
	second := heldBooking(domain.BookingStatusHold, now.Add(-time.Minute))
	second.ID = "b-2"
	third := heldBooking(domain.BookingStatusPaymentPending, now.Add(-time.Minute))
	third.ID = "b-3"

	repo.On("ListExpiredHolds", mock.Anything, now, 2).Return([]domain.Booking{*first, *second}, nil).Once()
	repo.On("ListExpiredHolds", mock.Anything, now, 2).Return([]domain.Booking{*third}, nil).Once()
	repo.On("Get", mock.Anything, "b-1").Return(first, nil)
	repo.On("Get", mock.Anything, "b-2").Return(second, nil)
	repo.On("Get", mock.Anything, "b-3").Return(third, nil)
	repo.On("CompareAndSwap", mock.Anything, mock.Anything, int64(1)).Return(nil)
	store.On("Release", mock.Anything, mock.Anything).Return(nil)
	events.On("PublishLifecycle", mock.Anything, mock.Anything).Return(nil)

	expired, err := m.Sweep(context.Background(), now)

	require.NoError(t, err)
	assert.Len(t, expired, 3)
	store.AssertNumberOfCalls(t, "Release", 3)
	repo.AssertNumberOfCalls(t, "ListExpiredHolds", 2)
}

func TestManager_Sweep_StopsWithoutProgress(t *testing.T) {
	repo := &MockBookingRepository{}
	m := newTestManager(repo, &MockHoldStore{}, &MockEvents{}, WithBatchSize(1))

	stuck := heldBooking(domain.BookingStatusHold, now.Add(-time.Minute))
	repo.On("ListExpiredHolds", mock.Anything, now, 1).Return([]domain.Booking{*stuck}, nil)
	repo.On("Get", mock.Anything, "b-1").Return(nil, errors.New("db down"))

	expired, err := m.Sweep(context.Background(), now)

	require.NoError(t, err)
	assert.Empty(t, expired)
	repo.AssertNumberOfCalls(t, "ListExpiredHolds", 1)
}
