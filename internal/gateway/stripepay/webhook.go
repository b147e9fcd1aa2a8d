package stripepay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// SignatureHeader carries the signature of every webhook delivery.
const SignatureHeader = "Stripe-Signature"

// WebhookParser verifies webhook deliveries against the endpoint secret.
type WebhookParser struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Parse verifies the payload and translates it into a payment event. Event
// types that do not affect payments come back as PaymentEventIgnored.
func (p *WebhookParser) Parse(payload []byte, signature string) (domain.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	out := domain.PaymentEvent{
		ID:         event.ID,
		Type:       domain.PaymentEventIgnored,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	var eventType domain.PaymentEventType
	switch event.Type {
	case "payment_intent.amount_capturable_updated":
		eventType = domain.PaymentEventAuthorized
	case "payment_intent.succeeded":
		eventType = domain.PaymentEventSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		eventType = domain.PaymentEventFailed
	default:
		return out, nil
	}

	if event.Data == nil {
		return out, fmt.Errorf("%w: event %s has no data", domain.ErrValidation, event.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return out, fmt.Errorf("%w: decode payment intent: %v", domain.ErrValidation, err)
	}

	out.Type = eventType
	out.ProviderIntentID = pi.ID
	if eventType == domain.PaymentEventFailed {
		out.FailureReason = failureReason(&pi)
	}
	return out, nil
}
