package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/config"
	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeHoldExpire = "hold:expire"
	QueueHolds     = "holds"
)

type HoldExpirePayload struct {
	BookingID string `json:"booking_id"`
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.TasksDB,
	}
}

func NewHoldExpireTask(bookingID string, at time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(HoldExpirePayload{BookingID: bookingID})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeHoldExpire, b)
	opts := []asynq.Option{
		asynq.ProcessAt(at),
		asynq.Queue(QueueHolds),
		// one pending expiry per booking
		asynq.TaskID(TypeHoldExpire + ":" + bookingID),
		asynq.MaxRetry(5),
	}
	return task, opts, nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler enqueues a delayed expiry check for every new hold.
type Scheduler struct {
	client enqueuer
}

func NewScheduler(client *asynq.Client) *Scheduler {
	return &Scheduler{client: client}
}

func (s *Scheduler) ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error {
	task, opts, err := NewHoldExpireTask(bookingID, at)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

type HoldExpirer interface {
	ExpireIfDue(ctx context.Context, bookingID string, now time.Time) (*domain.Booking, error)
}

// HandleHoldExpire runs the expiry check. A booking that was confirmed or
// cancelled in the meantime is left alone.
func HandleHoldExpire(expirer HoldExpirer, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p HoldExpirePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TypeHoldExpire, err, asynq.SkipRetry)
		}

		b, err := expirer.ExpireIfDue(ctx, p.BookingID, time.Now())
		if errors.Is(err, domain.ErrHoldNotFound) {
			log.Warn("expiry task for unknown booking", zap.String("booking_id", p.BookingID))
			return nil
		}
		if err != nil {
			return err
		}
		log.Debug("expiry task done", zap.String("booking_id", b.ID), zap.String("status", string(b.Status)))
		return nil
	}
}

func NewServeMux(expirer HoldExpirer, log *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeHoldExpire, HandleHoldExpire(expirer, log))
	return mux
}

func NewServer(cfg config.RedisConfig, concurrency int, log *zap.Logger) *asynq.Server {
	return asynq.NewServer(
		RedisOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueHolds: 6,
				"default":  1,
			},
			Logger: log.Sugar(),
		},
	)
}

// RunServer processes tasks until ctx is done.
func RunServer(ctx context.Context, srv *asynq.Server, mux *asynq.ServeMux) error {
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}
