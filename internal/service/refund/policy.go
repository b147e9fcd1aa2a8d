// Package refund computes refund amounts for cancelled bookings. Every function
// here is pure: the cancellation time is always passed in.
package refund

import (
	"math"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
)

type tier struct {
	minDays int
	percent int
}

// schedules are ordered from the most generous tier down. A cancellation that
// matches no tier gets nothing back.
var schedules = map[domain.CancellationPolicy][]tier{
	domain.PolicyFlexible:      {{minDays: 1, percent: 100}},
	domain.PolicyModerate:      {{minDays: 7, percent: 100}, {minDays: 1, percent: 50}},
	domain.PolicyStrict:        {{minDays: 30, percent: 100}, {minDays: 7, percent: 50}},
	domain.PolicyNonRefundable: nil,
}

// DaysUntil returns floor((checkIn - now) / 24h). Past check-ins are negative.
func DaysUntil(checkIn, now time.Time) int {
	return int(math.Floor(checkIn.Sub(now).Hours() / 24))
}

// Percent returns the refunded share of the paid amount, 0..100.
func Percent(policy domain.CancellationPolicy, daysUntilCheckIn int) int {
	for _, t := range schedules[policy] {
		if daysUntilCheckIn >= t.minDays {
			return t.percent
		}
	}
	return 0
}

// Calculate applies the booking's policy to the amount actually paid.
func Calculate(policy domain.CancellationPolicy, paid domain.Money, cancelAt, checkIn time.Time) domain.RefundCalculation {
	days := DaysUntil(checkIn, cancelAt)
	return build(paid, Percent(policy, days), days)
}

// Full ignores the policy; provider and admin cancellations always refund everything.
func Full(paid domain.Money, cancelAt, checkIn time.Time) domain.RefundCalculation {
	return build(paid, 100, DaysUntil(checkIn, cancelAt))
}

func build(paid domain.Money, percent, days int) domain.RefundCalculation {
	amount := paid.MulRatio(int64(percent), 100)
	if amount.Amount < 0 {
		amount.Amount = 0
	}
	if amount.Amount > paid.Amount {
		amount.Amount = paid.Amount
	}
	return domain.RefundCalculation{
		RefundAmount:     amount,
		RefundPercent:    percent,
		DaysUntilCheckIn: days,
	}
}
