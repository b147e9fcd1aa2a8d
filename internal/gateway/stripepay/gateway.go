package stripepay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/service/payment"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	metaPaymentID = "payment_id"
	metaBookingID = "booking_id"
)

// Gateway is the Stripe implementation of payment.PaymentGateway. Intents are
// created with manual capture so the authorization and the charge are separate.
type Gateway struct {
	api     *client.API
	limiter *rate.Limiter
	log     *zap.Logger
}

type Option func(*gatewayOptions)

type gatewayOptions struct {
	backendURL string
	rps        float64
}

// WithBackendURL points the client at another API host.
func WithBackendURL(url string) Option {
	return func(o *gatewayOptions) {
		o.backendURL = url
	}
}

func WithRequestsPerSecond(rps float64) Option {
	return func(o *gatewayOptions) {
		o.rps = rps
	}
}

func NewGateway(secretKey string, log *zap.Logger, opts ...Option) *Gateway {
	o := gatewayOptions{rps: 25}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &stripe.BackendConfig{
		// retries are owned by the payment orchestrator
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     log.Sugar(),
	}
	if o.backendURL != "" {
		cfg.URL = stripe.String(o.backendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Gateway{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(o.rps), int(o.rps)+1),
		log:     log,
	}
}

func (g *Gateway) Authorize(ctx context.Context, req payment.AuthorizeRequest) (payment.AuthorizeResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return payment.AuthorizeResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethod),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)
	params.AddMetadata(metaPaymentID, req.PaymentID)
	params.AddMetadata(metaBookingID, req.BookingID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return payment.AuthorizeResult{}, classify(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return payment.AuthorizeResult{}, fmt.Errorf("%w: intent %s is %s", domain.ErrPaymentDeclined, pi.ID, pi.Status)
	}
	return payment.AuthorizeResult{
		IntentID:   pi.ID,
		Capturable: pi.Status == stripe.PaymentIntentStatusRequiresCapture,
	}, nil
}

func (g *Gateway) Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := g.api.PaymentIntents.Capture(intentID, params); err != nil {
		return classify(err)
	}
	return nil
}

// Void cancels an uncaptured intent so the held funds go back to the guest.
func (g *Gateway) Void(ctx context.Context, intentID, idempotencyKey string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := g.api.PaymentIntents.Cancel(intentID, params)
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		return fmt.Errorf("%w: %s", payment.ErrNotVoidable, stripeErr.Msg)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *Gateway) Refund(ctx context.Context, req payment.RefundRequest) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Amount:        stripe.Int64(req.Amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return "", classify(err)
	}
	return r.ID, nil
}

func (g *Gateway) Lookup(ctx context.Context, intentID, paymentID string) (payment.IntentState, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return payment.IntentState{}, err
	}

	if intentID != "" {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := g.api.PaymentIntents.Get(intentID, params)
		if err != nil {
			return payment.IntentState{}, classify(err)
		}
		return stateOf(pi), nil
	}

	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metaPaymentID, paymentID)
	iter := g.api.PaymentIntents.Search(params)
	if iter.Next() {
		return stateOf(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return payment.IntentState{}, classify(err)
	}
	return payment.IntentState{}, domain.ErrNotFound
}

func stateOf(pi *stripe.PaymentIntent) payment.IntentState {
	state := payment.IntentState{IntentID: pi.ID, Status: domain.PaymentEventIgnored}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		state.Status = domain.PaymentEventAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		state.Status = domain.PaymentEventSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		state.Status = domain.PaymentEventFailed
		state.FailureReason = failureReason(pi)
	}
	return state
}

func failureReason(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil {
		if pi.LastPaymentError.Msg != "" {
			return pi.LastPaymentError.Msg
		}
		return string(pi.LastPaymentError.Code)
	}
	if pi.CancellationReason != "" {
		return string(pi.CancellationReason)
	}
	return string(pi.Status)
}

// classify maps Stripe errors onto the errors the orchestrator understands.
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// no response from Stripe at all; keep the cause so timeouts stay detectable
		return fmt.Errorf("%w: %w", payment.ErrTransient, err)
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, declineMessage(stripeErr))
	case stripeErr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", payment.ErrTransient, stripeErr.Msg)
	}
	return fmt.Errorf("stripe: %s", stripeErr.Msg)
}

func declineMessage(e *stripe.Error) string {
	if e.DeclineCode != "" {
		return string(e.DeclineCode)
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return e.Msg
}

var _ payment.PaymentGateway = (*Gateway)(nil)
