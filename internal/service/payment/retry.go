package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Timeout bounds every single attempt.
	Timeout time.Duration
}

// backOff doubles from Base up to Max and stops after MaxAttempts calls.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// sleepTimer drives backoff waits through the orchestrator's sleep func.
type sleepTimer struct {
	sleep func(time.Duration) <-chan time.Time
	c     <-chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) { t.c = t.sleep(d) }
func (t *sleepTimer) Stop()                 {}
func (t *sleepTimer) C() <-chan time.Time   { return t.c }

// call runs fn until it succeeds, fails permanently, or attempts run out.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, o.retry.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		o.log.Warn("provider call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithTimer(operation, o.retry.backOff(ctx), notify, &sleepTimer{sleep: o.sleep})
}
