// Package webhook verifies, parses and dispatches Stripe webhook events.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/nextstack/internal/tracing"
)

// SignatureHeader is the request header carrying the Stripe signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the maximum accepted age of a signed payload.
const DefaultTolerance = stripewebhook.DefaultTolerance

var (
	// ErrMissingSecret is returned by NewVerifier when no signing secret is configured.
	ErrMissingSecret = errors.New("webhook signing secret is required")

	// ErrAuthentication matches every signature rejection.
	ErrAuthentication = errors.New("webhook authentication failed")

	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = fmt.Errorf("%w: missing %s header", ErrAuthentication, SignatureHeader)

	// ErrInvalidSignature is returned when the header is malformed, the
	// signature does not match, or the timestamp is outside the tolerance.
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrAuthentication)

	// ErrMalformedPayload is returned when a correctly signed body cannot be
	// parsed into an event.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Verifier authenticates webhook deliveries with a shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Tolerance returns the configured replay window.
func (v *Verifier) Tolerance() time.Duration {
	return v.tolerance
}

// Verify checks header against the exact payload bytes and parses the event.
// The signature is checked before any JSON decoding.
func (v *Verifier) Verify(ctx context.Context, payload []byte, header string) (event stripe.Event, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "webhook.verify")
	defer func() { endSpan(err) }()

	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	event, err = parseEvent(payload)
	if err != nil {
		return stripe.Event{}, err
	}
	tracing.SetAttributes(ctx,
		tracing.AttrEventID.String(event.ID),
		tracing.AttrEventType.String(string(event.Type)),
	)
	return event, nil
}

// envelope is the subset of the event body the pipeline needs. Data is kept
// raw so both {"object": {...}} and a bare object are accepted.
type envelope struct {
	ID         string           `json:"id"`
	Type       stripe.EventType `json:"type"`
	APIVersion string           `json:"api_version"`
	Created    int64            `json:"created"`
	Livemode   bool             `json:"livemode"`
	Data       json.RawMessage  `json:"data"`
}

func parseEvent(payload []byte) (stripe.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	object, err := eventObject(env.Data)
	if err != nil {
		return stripe.Event{}, err
	}

	return stripe.Event{
		ID:         env.ID,
		Type:       env.Type,
		APIVersion: env.APIVersion,
		Created:    env.Created,
		Livemode:   env.Livemode,
		Data:       &stripe.EventData{Raw: object},
	}, nil
}

func eventObject(data json.RawMessage) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var wrapped struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: event data: %w", ErrMalformedPayload, err)
	}
	// A bare object may carry its own "object" kind string, e.g. "checkout.session".
	if obj := bytes.TrimSpace(wrapped.Object); len(obj) > 0 && obj[0] == '{' {
		return obj, nil
	}
	return data, nil
}
