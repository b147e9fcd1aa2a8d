package email

import (
	"context"
	"fmt"

	"github.com/Domenick1991/staybook/internal/kafka"
	"go.uber.org/zap"
)

// Sender turns lifecycle events into guest notifications. Delivery is a
// structured log line until a mail provider is wired in.
type Sender struct {
	log *zap.Logger
}

func NewSender(log *zap.Logger) *Sender {
	return &Sender{log: log}
}

func (s *Sender) Send(ctx context.Context, event kafka.BookingEvent) error {
	subject, ok := Subject(event)
	if !ok {
		return nil
	}
	s.log.Info("send email",
		zap.String("user_id", event.UserID),
		zap.String("booking_id", event.BookingID),
		zap.String("subject", subject),
	)
	return nil
}

// Subject returns the notification subject for event types guests are told about.
func Subject(event kafka.BookingEvent) (string, bool) {
	switch event.Type {
	case kafka.EventBookingHeld:
		return fmt.Sprintf("Your booking %s is on hold", event.BookingID), true
	case kafka.EventBookingConfirmed:
		return fmt.Sprintf("Booking %s confirmed", event.BookingID), true
	case kafka.EventBookingExpired:
		return fmt.Sprintf("Your hold on booking %s expired", event.BookingID), true
	case kafka.EventBookingCancelled:
		if event.RefundAmount > 0 {
			return fmt.Sprintf("Booking %s cancelled, refund of %d %s on its way", event.BookingID, event.RefundAmount, event.Currency), true
		}
		return fmt.Sprintf("Booking %s cancelled", event.BookingID), true
	case kafka.EventPaymentFailed:
		return fmt.Sprintf("Payment for booking %s failed", event.BookingID), true
	}
	return "", false
}
