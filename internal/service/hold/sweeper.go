package hold

import (
	"context"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"go.uber.org/zap"
)

// SweepFunc processes every booking due at now and returns those it moved.
type SweepFunc func(ctx context.Context, now time.Time) ([]domain.Booking, error)

// Sweeper runs a SweepFunc on a fixed interval until its context ends.
type Sweeper struct {
	name     string
	sweep    SweepFunc
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewSweeper(name string, sweep SweepFunc, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		name:     name,
		sweep:    sweep,
		interval: interval,
		now:      time.Now,
		log:      log,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.String("sweeper", s.name), zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped", zap.String("sweeper", s.name))
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) int {
	moved, err := s.sweep(ctx, s.now())
	if err != nil {
		s.log.Error("sweep failed", zap.String("sweeper", s.name), zap.Error(err))
	}
	if len(moved) > 0 {
		s.log.Info("sweep done", zap.String("sweeper", s.name), zap.Int("count", len(moved)))
	}
	return len(moved)
}
