package payments

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var ErrNotConfigured = errors.New("stripe api key not configured")

// StripeGateway places card holds as PaymentIntents with manual capture:
// Authorize holds the estimate, Capture takes the final fare (which may be
// lower than the hold) and Void releases an uncaptured hold.
type StripeGateway struct {
	client paymentintent.Client
}

// NewStripeGateway builds a gateway for apiKey. backendURL overrides the
// Stripe API endpoint and is empty in production.
func NewStripeGateway(apiKey, backendURL string) (*StripeGateway, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	cfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(1)}
	if backendURL != "" {
		cfg.URL = stripe.String(backendURL)
	}
	return &StripeGateway{client: paymentintent.Client{
		B:   stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Key: apiKey,
	}}, nil
}

// Authorize creates a PaymentIntent with capture_method=manual and returns
// its id.
func (g *StripeGateway) Authorize(ctx context.Context, rideID, riderID string, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.AddMetadata("rider_id", riderID)
	params.SetIdempotencyKey("authorize-" + rideID)
	pi, err := g.client.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a held PaymentIntent for amount.
func (g *StripeGateway) Capture(ctx context.Context, ref string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + ref)
	_, err := g.client.Capture(ref, params)
	return err
}

// Void cancels an uncaptured PaymentIntent, releasing the hold.
func (g *StripeGateway) Void(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := g.client.Cancel(ref, params)
	return err
}
