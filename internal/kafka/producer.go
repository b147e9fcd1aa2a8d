package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventBookingQuoted    = "booking_quoted"
	EventBookingHeld      = "booking_held"
	EventPaymentPending   = "booking_payment_pending"
	EventPaymentFailed    = "booking_payment_failed"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingExpired   = "booking_expired"
	EventBookingCancelled = "booking_cancelled"
	EventBookingCompleted = "booking_completed"
)

// BookingEvent is published once per applied lifecycle transition.
type BookingEvent struct {
	Type          string     `json:"type"`
	BookingID     string     `json:"booking_id"`
	UserID        string     `json:"user_id"`
	ListingKind   string     `json:"listing_kind"`
	ListingID     string     `json:"listing_id"`
	Status        string     `json:"status"`
	Total         int64      `json:"total"`
	Currency      string     `json:"currency"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	RefundAmount  int64      `json:"refund_amount,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Version       int64      `json:"version"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

type Producer struct {
	brokers   []string
	writer    *kafka.Writer
	retryBase time.Duration
	log       *zap.Logger
}

func NewProducer(brokers []string, log *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	return &Producer{
		brokers:   brokers,
		writer:    writer,
		retryBase: 500 * time.Millisecond,
		log:       log,
	}
}

// Publish writes one message. Keys are booking ids so a booking's events stay
// ordered within a partition.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	message := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	p.log.Debug("published to kafka", zap.String("topic", topic), zap.String("key", key))
	return nil
}

// PublishWithRetry makes up to attempts Publish calls, backing off
// exponentially between them.
func (p *Producer) PublishWithRetry(ctx context.Context, topic, key string, payload any, attempts int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBase
	b.MaxInterval = 10 * p.retryBase
	b.MaxElapsedTime = 0
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return p.Publish(ctx, topic, key, payload)
	}, policy, func(err error, next time.Duration) {
		p.log.Warn("kafka publish attempt failed",
			zap.Int("attempt", attempt),
			zap.String("topic", topic),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempt, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func (p *Producer) CheckConnection(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	return nil
}
