package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockExpirer struct {
	mock.Mock
}

func (m *MockExpirer) ExpireIfDue(ctx context.Context, bookingID string, now time.Time) (*domain.Booking, error) {
	args := m.Called(ctx, bookingID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	return nil, args.Error(1)
}

func TestNewHoldExpireTask(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 15, 0, 0, time.UTC)

	task, opts, err := NewHoldExpireTask("b-1", at)

	require.NoError(t, err)
	assert.Equal(t, TypeHoldExpire, task.Type())
	assert.Len(t, opts, 4)

	var p HoldExpirePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "b-1", p.BookingID)
}

func TestScheduler_ScheduleExpiry(t *testing.T) {
	client := &MockEnqueuer{}
	s := &Scheduler{client: client}

	client.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == TypeHoldExpire
	}), mock.Anything).Return(nil, nil).Once()

	assert.NoError(t, s.ScheduleExpiry(context.Background(), "b-1", time.Now().Add(time.Minute)))
	client.AssertExpectations(t)
}

func TestScheduler_DuplicateIsNotAnError(t *testing.T) {
	client := &MockEnqueuer{}
	s := &Scheduler{client: client}

	client.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()
	assert.NoError(t, s.ScheduleExpiry(context.Background(), "b-1", time.Now()))

	client.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("redis down")).Once()
	assert.Error(t, s.ScheduleExpiry(context.Background(), "b-1", time.Now()))
}

func TestHandleHoldExpire(t *testing.T) {
	payload, _ := json.Marshal(HoldExpirePayload{BookingID: "b-1"})

	t.Run("expires", func(t *testing.T) {
		expirer := &MockExpirer{}
		expirer.On("ExpireIfDue", mock.Anything, "b-1", mock.Anything).
			Return(&domain.Booking{ID: "b-1", Status: domain.BookingStatusExpiredHold}, nil).Once()

		err := HandleHoldExpire(expirer, zap.NewNop())(context.Background(), asynq.NewTask(TypeHoldExpire, payload))

		assert.NoError(t, err)
		expirer.AssertExpectations(t)
	})

	t.Run("unknown booking is dropped", func(t *testing.T) {
		expirer := &MockExpirer{}
		expirer.On("ExpireIfDue", mock.Anything, "b-1", mock.Anything).Return(nil, domain.ErrHoldNotFound)

		err := HandleHoldExpire(expirer, zap.NewNop())(context.Background(), asynq.NewTask(TypeHoldExpire, payload))
		assert.NoError(t, err)
	})

	t.Run("storage error is retried", func(t *testing.T) {
		expirer := &MockExpirer{}
		expirer.On("ExpireIfDue", mock.Anything, "b-1", mock.Anything).Return(nil, errors.New("db down"))

		err := HandleHoldExpire(expirer, zap.NewNop())(context.Background(), asynq.NewTask(TypeHoldExpire, payload))
		assert.EqualError(t, err, "db down")
	})

	t.Run("bad payload skips retry", func(t *testing.T) {
		err := HandleHoldExpire(&MockExpirer{}, zap.NewNop())(context.Background(), asynq.NewTask(TypeHoldExpire, []byte("nope")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})
}
