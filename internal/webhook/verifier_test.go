package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"
)

const testSecret = "whsec_test_secret"

func signedHeader(payload []byte, secret string, ts time.Time) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	return signed.Header
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, 0)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

func TestNewVerifier(t *testing.T) {
	if _, err := NewVerifier("", time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("Expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewVerifier("   ", time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("Expected ErrMissingSecret for blank secret, got %v", err)
	}

	v, err := NewVerifier(testSecret, 0)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if v.Tolerance() != DefaultTolerance {
		t.Errorf("Expected default tolerance %v, got %v", DefaultTolerance, v.Tolerance())
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	v := newTestVerifier(t)
	bodies := []string{
		`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"sess_1"}}}`,
		`{"id":"evt_2","type":"customer.created","data":{"object":{}}}`,
		`{"type":"payment_intent.succeeded"}`,
	}

	for _, body := range bodies {
		payload := []byte(body)
		event, err := v.Verify(context.Background(), payload, signedHeader(payload, testSecret, time.Now()))
		if err != nil {
			t.Errorf("Verify(%s) failed: %v", body, err)
			continue
		}
		if event.Type == "" {
			t.Errorf("Expected event type for %s", body)
		}
	}
}

// TestVerify_MutatedPayload flips each byte of a signed body and expects rejection.
func TestVerify_MutatedPayload(t *testing.T) {
	v := newTestVerifier(t)
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"sess_1","amount_total":2999}}}`)
	header := signedHeader(payload, testSecret, time.Now())

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		_, err := v.Verify(context.Background(), mutated, header)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("byte %d: expected ErrInvalidSignature, got %v", i, err)
		}
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	tests := []struct {
		name      string
		header    string
		wantErr   error
		wantCause error
	}{
		{
			name:    "missing header",
			header:  "",
			wantErr: ErrMissingSignature,
		},
		{
			name:      "wrong secret",
			header:    signedHeader(payload, "whsec_other", time.Now()),
			wantErr:   ErrInvalidSignature,
			wantCause: stripewebhook.ErrNoValidSignature,
		},
		{
			name:      "malformed header",
			header:    "garbage",
			wantErr:   ErrInvalidSignature,
			wantCause: stripewebhook.ErrInvalidHeader,
		},
		{
			name:      "expired timestamp",
			header:    signedHeader(payload, testSecret, time.Now().Add(-DefaultTolerance-time.Minute)),
			wantErr:   ErrInvalidSignature,
			wantCause: stripewebhook.ErrTooOld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), payload, tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrAuthentication) {
				t.Errorf("Expected rejection to match ErrAuthentication, got %v", err)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("Expected cause %v, got %v", tt.wantCause, err)
			}
		})
	}
}

// TestVerify_ExpiredExactHash signs with the right secret and an old timestamp:
// the hash matches, but the delivery is outside the replay window.
func TestVerify_ExpiredExactHash(t *testing.T) {
	v, err := NewVerifier(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	payload := []byte(`{"type":"checkout.session.completed"}`)

	header := signedHeader(payload, testSecret, time.Now().Add(-2*time.Minute))
	if _, err := v.Verify(context.Background(), payload, header); !errors.Is(err, stripewebhook.ErrTooOld) {
		t.Errorf("Expected ErrTooOld, got %v", err)
	}

	header = signedHeader(payload, testSecret, time.Now().Add(-30*time.Second))
	if _, err := v.Verify(context.Background(), payload, header); err != nil {
		t.Errorf("Expected delivery inside tolerance to pass, got %v", err)
	}
}

func TestVerify_MalformedPayload(t *testing.T) {
	v := newTestVerifier(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"missing type", `{"id":"evt_1","data":{"object":{}}}`},
		{"data not an object", `{"type":"checkout.session.completed","data":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.body)
			_, err := v.Verify(context.Background(), payload, signedHeader(payload, testSecret, time.Now()))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("Expected ErrMalformedPayload, got %v", err)
			}
			if errors.Is(err, ErrAuthentication) {
				t.Error("Malformed payload must not be reported as an authentication failure")
			}
		})
	}
}

func TestVerify_EventData(t *testing.T) {
	v := newTestVerifier(t)

	tests := []struct {
		name string
		body string
	}{
		{"wrapped object", `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"sess_1","object":"checkout.session","amount_total":2999}}}`},
		{"bare object", `{"id":"evt_1","type":"checkout.session.completed","data":{"id":"sess_1","object":"checkout.session","amount_total":2999}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.body)
			event, err := v.Verify(context.Background(), payload, signedHeader(payload, testSecret, time.Now()))
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if event.Type != stripe.EventTypeCheckoutSessionCompleted {
				t.Errorf("Unexpected type %s", event.Type)
			}
			if event.Data == nil || !strings.Contains(string(event.Data.Raw), `"sess_1"`) {
				t.Errorf("Expected session object in event data, got %v", event.Data)
			}
		})
	}
}
