package kafka

import (
	"context"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
)

type publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	PublishWithRetry(ctx context.Context, topic, key string, payload any, attempts int) error
}

// LifecyclePublisher fans booking events out to the lifecycle topic and, when
// configured, to the notifications topic read by the email worker. Guest
// notifications are retried; the lifecycle write is not.
type LifecyclePublisher struct {
	producer           publisher
	bookingTopic       string
	notificationsTopic string
	notifyAttempts     int
}

func NewLifecyclePublisher(producer publisher, bookingTopic, notificationsTopic string, notifyAttempts int) *LifecyclePublisher {
	if notifyAttempts < 1 {
		notifyAttempts = 1
	}
	return &LifecyclePublisher{
		producer:           producer,
		bookingTopic:       bookingTopic,
		notificationsTopic: notificationsTopic,
		notifyAttempts:     notifyAttempts,
	}
}

func (p *LifecyclePublisher) PublishLifecycle(ctx context.Context, event BookingEvent) error {
	if p == nil || p.producer == nil || p.bookingTopic == "" {
		return nil
	}
	if err := p.producer.Publish(ctx, p.bookingTopic, event.BookingID, event); err != nil {
		return err
	}
	if p.notificationsTopic != "" {
		return p.producer.PublishWithRetry(ctx, p.notificationsTopic, event.BookingID, event, p.notifyAttempts)
	}
	return nil
}

// NewBookingEvent snapshots b for publishing.
func NewBookingEvent(eventType string, b *domain.Booking, at time.Time) BookingEvent {
	e := BookingEvent{
		Type:        eventType,
		BookingID:   b.ID,
		UserID:      b.UserID,
		ListingKind: string(b.Listing.Kind),
		ListingID:   b.Listing.ID,
		Status:      string(b.Status),
		Total:       b.Price.Total,
		Currency:    b.Price.Currency,
		Reason:      b.CancelReason,
		Version:     b.Version,
		OccurredAt:  at.UTC(),
	}
	if b.HoldExpiresAt != nil {
		exp := *b.HoldExpiresAt
		e.HoldExpiresAt = &exp
	}
	return e
}
