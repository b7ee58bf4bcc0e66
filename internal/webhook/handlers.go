package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/nextstack/internal/payment"
)

// CheckoutRecorder persists completed checkouts. Implemented by *payment.Recorder.
type CheckoutRecorder interface {
	RecordCompletedCheckout(ctx context.Context, checkout payment.CompletedCheckout) (*payment.PaymentRecord, bool, error)
}

// CheckoutCompletedHandler records checkout.session.completed events.
// Errors from the recorder are returned unchanged so the caller can tell
// persistence failures apart; an unusable session object is ErrMalformedPayload.
func CheckoutCompletedHandler(rec CheckoutRecorder) Handler {
	return func(ctx context.Context, event stripe.Event) error {
		checkout, err := completedCheckout(event)
		if err != nil {
			return err
		}

		_, _, err = rec.RecordCompletedCheckout(ctx, checkout)
		if errors.Is(err, payment.ErrMissingSessionID) {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return err
	}
}

// PaymentIntentSucceededHandler logs payment_intent.succeeded events. The
// checkout completion is the source of truth for recording, so nothing is stored.
func PaymentIntentSucceededHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event stripe.Event) error {
		var intent stripe.PaymentIntent
		if event.Data != nil && len(event.Data.Raw) > 0 {
			if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
				logger.WarnContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
			}
		}
		logger.InfoContext(ctx, "payment intent succeeded",
			"event_id", event.ID,
			"payment_intent_id", intent.ID,
			"amount", intent.Amount,
			"currency", intent.Currency,
		)
		return nil
	}
}

func completedCheckout(event stripe.Event) (payment.CompletedCheckout, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return payment.CompletedCheckout{}, fmt.Errorf("%w: missing checkout session object", ErrMalformedPayload)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return payment.CompletedCheckout{}, fmt.Errorf("%w: checkout session: %w", ErrMalformedPayload, err)
	}
	if session.ID == "" {
		return payment.CompletedCheckout{}, fmt.Errorf("%w: checkout session has no id", ErrMalformedPayload)
	}

	checkout := payment.CompletedCheckout{
		SessionID: session.ID,
		Metadata:  session.Metadata,
	}
	if session.AmountTotal != 0 {
		amount := session.AmountTotal
		checkout.AmountTotal = &amount
	}
	if session.Currency != "" {
		currency := string(session.Currency)
		checkout.Currency = &currency
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil {
		if email == "" {
			email = session.CustomerDetails.Email
		}
		checkout.CustomerName = session.CustomerDetails.Name
	}
	if email != "" {
		checkout.CustomerEmail = &email
	}
	return checkout, nil
}
