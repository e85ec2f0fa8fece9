package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/retry"
)

// ErrPaymentDeclined is a retry the provider answered but refused.
var ErrPaymentDeclined = errors.New("payment declined")

// StripeGateway retries payments by re-confirming their Stripe
// PaymentIntent. The payment's gateway reference is the intent ID.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(apiKey string) *StripeGateway {
	return &StripeGateway{api: client.New(apiKey, nil)}
}

func (g *StripeGateway) RetryPayment(ctx context.Context, p *billing.PaymentTransaction, idempotencyKey string) error {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := g.api.PaymentIntents.Confirm(p.GatewayReference, params)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", ErrPaymentDeclined, se.Msg)
		case stripe.ErrorTypeInvalidRequest:
			return retry.Permanent(fmt.Errorf("confirm payment intent %s: %w", p.GatewayReference, err))
		}
	}
	return fmt.Errorf("confirm payment intent %s: %w", p.GatewayReference, err)
}
