package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway moves custodial escrow funds through Stripe. Charges land
// in the platform balance; payouts use transfers to the payee's connected
// account; refunds reverse the original charge.
type StripeGateway struct {
	api      *client.API
	currency string
}

var _ Gateway = (*StripeGateway)(nil)

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{
		api:      client.New(secretKey, nil),
		currency: string(stripe.CurrencyUSD),
	}
}

func (g *StripeGateway) Collect(ctx context.Context, payerID string, amount int64, idemKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(amount),
		Currency:   stripe.String(g.currency),
		Customer:   stripe.String(payerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", g.classify("collect", err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Payout(ctx context.Context, payeeID string, amount int64, idemKey string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(g.currency),
		Destination: stripe.String(payeeID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", g.classify("payout", err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, depositRef string, amount int64, idemKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(depositRef),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return "", g.classify("refund", err)
	}
	return rf.ID, nil
}

// classify maps Stripe errors onto the provider taxonomy. Declines and
// balance shortfalls are the payer's problem; malformed requests and
// unknown recipients are fatal; everything else is transient and left
// unwrapped for the retry loop.
func (g *StripeGateway) classify(op string, err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return fmt.Errorf("stripe %s: %w", op, err)
	}
	switch {
	case sErr.Code == stripe.ErrorCodeCardDeclined,
		sErr.Code == stripe.ErrorCodeBalanceInsufficient:
		return fmt.Errorf("%w: stripe %s: %s", ErrInsufficientFunds, op, sErr.Code)
	case sErr.Type == stripe.ErrorTypeInvalidRequest:
		return fmt.Errorf("%w: stripe %s: %s", ErrSettlementFailed, op, sErr.Msg)
	default:
		return fmt.Errorf("stripe %s: %w", op, err)
	}
}
