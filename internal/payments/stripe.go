package payments

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient authorizes cross-zone surcharges as manual-capture
// PaymentIntents. Capture happens in billing once the trip completes.
type StripeClient struct {
	currency string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "inr"
	}
	return &StripeClient{currency: strings.ToLower(currency)}
}

// MinorUnits converts a fare amount to the smallest currency unit.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Hold places a hold for amount against the ride and returns the
// PaymentIntent id.
func (s *StripeClient) Hold(ctx context.Context, rideID string, amount float64) (string, error) {
	if amount <= 0 {
		return "", errors.New("hold amount must be positive")
	}
	pi, err := paymentintent.New(s.holdParams(ctx, rideID, amount))
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// holdParams keys every attempt separately: a ride can be held again after an
// earlier hold on it was cancelled, possibly for a different amount.
func (s *StripeClient) holdParams(ctx context.Context, rideID string, amount float64) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(amount)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String("zone expansion surcharge"),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.SetIdempotencyKey("surcharge-hold-" + rideID + "-" + uuid.NewString())
	return params
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
