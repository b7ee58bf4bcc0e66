package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// CheckoutSessionTTL is how long a created Checkout Session stays payable.
const CheckoutSessionTTL = 30 * time.Minute

// DefaultProductName labels inline-priced line items without a description.
const DefaultProductName = "NextStack Pro Payment"

// ErrInvalidCheckoutParams is returned when neither a price ID nor a positive
// amount is supplied.
var ErrInvalidCheckoutParams = errors.New("checkout requires a price id or a positive amount")

// CheckoutParams describes a one-off payment for a signed-in user.
// Exactly one of PriceID or Amount is used; PriceID wins when both are set.
type CheckoutParams struct {
	PriceID       string
	Amount        int64 // minor units, used for inline price data
	Description   string
	CustomerEmail string
	UserID        string
	// IdempotencyKey is forwarded to Stripe so a retried create returns the
	// same session.
	IdempotencyKey string
}

// CheckoutClient creates hosted Checkout Sessions.
type CheckoutClient interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error)
}

// StripeClient implements CheckoutClient using a per-instance Stripe API client.
type StripeClient struct {
	api       *client.API
	publicURL string
	now       func() time.Time
}

// NewStripeClient creates a Stripe client for the given secret key.
// publicURL is the externally visible base URL used for redirect targets.
func NewStripeClient(apiKey, publicURL string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{
		api:       api,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}
}

// SuccessURL is where Stripe redirects after payment. Stripe substitutes the
// {CHECKOUT_SESSION_ID} placeholder.
func (c *StripeClient) SuccessURL() string {
	return c.publicURL + "/payment/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is where Stripe redirects when the customer abandons checkout.
func (c *StripeClient) CancelURL() string {
	return c.publicURL + "/payment/cancel"
}

// CreateCheckoutSession creates a payment-mode Checkout Session. The user ID is
// stored in session metadata so the completion webhook can link the record.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error) {
	sessionParams, err := c.buildSessionParams(params)
	if err != nil {
		return nil, err
	}
	sessionParams.Context = ctx

	sess, err := c.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return sess, nil
}

func (c *StripeClient) buildSessionParams(params CheckoutParams) (*stripe.CheckoutSessionParams, error) {
	var lineItem *stripe.CheckoutSessionLineItemParams
	switch {
	case params.PriceID != "":
		lineItem = &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(params.PriceID),
			Quantity: stripe.Int64(1),
		}
	case params.Amount > 0:
		name := strings.TrimSpace(params.Description)
		if name == "" {
			name = DefaultProductName
		}
		lineItem = &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(DefaultCurrency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
				UnitAmount: stripe.Int64(params.Amount),
			},
			Quantity: stripe.Int64(1),
		}
	default:
		return nil, ErrInvalidCheckoutParams
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          []*stripe.CheckoutSessionLineItemParams{lineItem},
		SuccessURL:         stripe.String(c.SuccessURL()),
		CancelURL:          stripe.String(c.CancelURL()),
		ExpiresAt:          stripe.Int64(c.now().Add(CheckoutSessionTTL).Unix()),
	}
	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	userID := params.UserID
	if userID == "" {
		userID = params.CustomerEmail
	}
	sessionParams.AddMetadata("userId", userID)
	if d := strings.TrimSpace(params.Description); d != "" {
		sessionParams.AddMetadata("description", d)
	}
	if params.IdempotencyKey != "" {
		sessionParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	return sessionParams, nil
}
