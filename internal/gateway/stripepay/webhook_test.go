package stripepay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventType, intentStatus string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"created":1777636800,"api_version":"2023-10-16",
"data":{"object":{"id":"pi_1","object":"payment_intent","status":%q,"last_payment_error":{"message":"Your card was declined."}}}}`,
		eventType, intentStatus))
}

func TestWebhookParser_Parse(t *testing.T) {
	p := NewWebhookParser(testSecret)

	tests := []struct {
		eventType    string
		intentStatus string
		want         domain.PaymentEventType
	}{
		{"payment_intent.amount_capturable_updated", "requires_capture", domain.PaymentEventAuthorized},
		{"payment_intent.succeeded", "succeeded", domain.PaymentEventSucceeded},
		{"payment_intent.payment_failed", "requires_payment_method", domain.PaymentEventFailed},
		{"payment_intent.canceled", "canceled", domain.PaymentEventFailed},
		{"charge.refunded", "succeeded", domain.PaymentEventIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := eventPayload(tt.eventType, tt.intentStatus)

			event, err := p.Parse(payload, sign(payload, testSecret, time.Now()))

			require.NoError(t, err)
			assert.Equal(t, "evt_1", event.ID)
			assert.Equal(t, tt.want, event.Type)
			if tt.want != domain.PaymentEventIgnored {
				assert.Equal(t, "pi_1", event.ProviderIntentID)
			}
			if tt.want == domain.PaymentEventFailed {
				assert.Equal(t, "Your card was declined.", event.FailureReason)
			}
		})
	}
}

func TestWebhookParser_RejectsBadSignatures(t *testing.T) {
	p := NewWebhookParser(testSecret)
	payload := eventPayload("payment_intent.succeeded", "succeeded")

	_, err := p.Parse(payload, sign(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = p.Parse(payload, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = p.Parse(payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-3] = ' '
	_, err = p.Parse(tampered, sign(payload, testSecret, time.Now()))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}
