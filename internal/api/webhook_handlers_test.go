package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/nextstack/internal/mail"
	"github.com/onnwee/nextstack/internal/payment"
	"github.com/onnwee/nextstack/internal/webhook"
)

const testWebhookSecret = "whsec_test_secret"

// generateStripeSignature generates a valid Stripe webhook signature for testing.
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	// Stripe signature format: t=timestamp,v1=signature
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier captures payment confirmations.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []mail.PaymentConfirmation
	fail bool
}

func (n *recordingNotifier) SendPaymentConfirmation(_ context.Context, c mail.PaymentConfirmation) mail.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	if n.fail {
		return mail.Result{Error: "relay down"}
	}
	return mail.Result{Sent: true}
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// failingRepo fails every write.
type failingRepo struct{ payment.Repository }

func (failingRepo) Upsert(context.Context, *payment.PaymentRecord) (*payment.PaymentRecord, bool, error) {
	return nil, false, errors.New("connection reset")
}

type webhookFixture struct {
	handlers *WebhookHandlers
	repo     *payment.InMemoryRepository
	notifier *recordingNotifier
	registry *prometheus.Registry
	recorder *payment.Recorder
}

func newWebhookFixture(t *testing.T, repo payment.Repository) *webhookFixture {
	t.Helper()
	mem := payment.NewInMemoryRepository()
	if repo == nil {
		repo = mem
	}

	verifier, err := webhook.NewVerifier(testWebhookSecret, 0)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	metrics := webhook.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	notifier := &recordingNotifier{}
	recorder := payment.NewRecorder(repo, notifier, discardLogger())
	dispatcher := webhook.NewDispatcher(metrics, discardLogger())
	dispatcher.Handle(stripe.EventTypeCheckoutSessionCompleted, webhook.CheckoutCompletedHandler(recorder))
	dispatcher.Handle(stripe.EventTypePaymentIntentSucceeded, webhook.PaymentIntentSucceededHandler(discardLogger()))

	return &webhookFixture{
		handlers: NewWebhookHandlers(verifier, dispatcher, metrics, discardLogger()),
		repo:     mem,
		notifier: notifier,
		registry: registry,
		recorder: recorder,
	}
}

func (f *webhookFixture) deliver(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	f.handlers.HandleStripeWebhook(w, req)
	return w
}

func signNow(body []byte) string {
	return generateStripeSignature(body, testWebhookSecret, time.Now().Unix())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v (body %q)", err, w.Body.String())
	}
	return errResp
}

var checkoutCompletedBody = []byte(`{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"data": {"object": {
		"id": "sess_1",
		"object": "checkout.session",
		"amount_total": 2999,
		"currency": "usd",
		"customer_email": "a@b.com",
		"metadata": {"userId": "user-1", "description": "Pro plan"}
	}}
}`)

// Delivering the same completed session twice stores exactly one record and
// sends exactly one confirmation email; both deliveries are acknowledged.
func TestHandleStripeWebhook_DuplicateDeliveryRecordsOnce(t *testing.T) {
	f := newWebhookFixture(t, nil)

	for i := 0; i < 2; i++ {
		w := f.deliver(t, checkoutCompletedBody, signNow(checkoutCompletedBody))
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
		if strings.TrimSpace(w.Body.String()) != `{"received":true}` {
			t.Errorf("delivery %d: unexpected body %s", i+1, w.Body.String())
		}
	}

	if f.repo.Count() != 1 {
		t.Fatalf("expected 1 record, got %d", f.repo.Count())
	}
	rec, err := f.repo.GetBySessionID(context.Background(), "sess_1")
	if err != nil {
		t.Fatalf("GetBySessionID() error = %v", err)
	}
	if rec.Amount != 2999 || rec.Currency != "usd" || rec.Status != payment.StatusCompleted {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.UserID != "user-1" || rec.Description != "Pro plan" || rec.CustomerEmail != "a@b.com" {
		t.Errorf("unexpected record metadata %+v", rec)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 confirmation email, got %d", f.notifier.count())
	}
	if s := f.recorder.Stats(); s.Inserted() != 1 || s.Duplicates() != 1 {
		t.Errorf("unexpected stats %s", s)
	}
}

// The flat data form (data carries the session itself) is accepted too.
func TestHandleStripeWebhook_FlatDataObject(t *testing.T) {
	f := newWebhookFixture(t, nil)
	body := []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"id":"sess_2","amount_total":500,"currency":"EUR"}}`)

	w := f.deliver(t, body, signNow(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rec, err := f.repo.GetBySessionID(context.Background(), "sess_2")
	if err != nil {
		t.Fatalf("GetBySessionID() error = %v", err)
	}
	if rec.Currency != "eur" || rec.Amount != 500 || rec.Description != payment.DefaultDescription {
		t.Errorf("unexpected record %+v", rec)
	}
	if f.notifier.count() != 0 {
		t.Error("no email expected without a customer address")
	}
}

// A missing signature header is rejected before any handler runs.
func TestHandleStripeWebhook_MissingSignature(t *testing.T) {
	f := newWebhookFixture(t, nil)

	w := f.deliver(t, checkoutCompletedBody, "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != ErrCodeMissingSignature {
		t.Errorf("expected %s, got %s", ErrCodeMissingSignature, code)
	}
	if f.repo.Count() != 0 {
		t.Error("handler must not run without a signature")
	}
	if got := f.verificationFailures(t, ErrCodeMissingSignature); got != 1 {
		t.Errorf("expected 1 verification failure, got %v", got)
	}
}

func TestHandleStripeWebhook_InvalidSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature func(body []byte) string
	}{
		{"garbage", func([]byte) string { return "t=1234567890,v1=invalidsignature" }},
		{"wrong secret", func(b []byte) string { return generateStripeSignature(b, "whsec_other", time.Now().Unix()) }},
		{"stale timestamp", func(b []byte) string {
			return generateStripeSignature(b, testWebhookSecret, time.Now().Add(-10*time.Minute).Unix())
		}},
		{"no scheme", func([]byte) string { return "t=123" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, nil)

			w := f.deliver(t, checkoutCompletedBody, tt.signature(checkoutCompletedBody))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := decodeError(t, w).Error.Code; code != ErrCodeInvalidSignature {
				t.Errorf("expected %s, got %s", ErrCodeInvalidSignature, code)
			}
			if f.repo.Count() != 0 {
				t.Error("no record expected")
			}
		})
	}
}

// Altering one byte after signing invalidates the delivery.
func TestHandleStripeWebhook_TamperedBody(t *testing.T) {
	f := newWebhookFixture(t, nil)
	sig := signNow(checkoutCompletedBody)
	tampered := bytes.Replace(checkoutCompletedBody, []byte("2999"), []byte("2998"), 1)

	w := f.deliver(t, tampered, sig)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if f.repo.Count() != 0 {
		t.Error("no record expected for tampered body")
	}
}

func TestHandleStripeWebhook_MalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json at all`},
		{"no type", `{"id":"evt_1","data":{"object":{"id":"sess_1"}}}`},
		{"session without id", `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"amount_total":100}}}`},
		{"session wrong shape", `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":42}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, nil)
			body := []byte(tt.body)

			w := f.deliver(t, body, signNow(body))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := decodeError(t, w).Error.Code; code != ErrCodeMalformedPayload {
				t.Errorf("expected %s, got %s", ErrCodeMalformedPayload, code)
			}
			if f.repo.Count() != 0 {
				t.Error("no record expected")
			}
		})
	}
}

// Unrecognized event types are acknowledged without side effects.
func TestHandleStripeWebhook_UnhandledEventType(t *testing.T) {
	f := newWebhookFixture(t, nil)
	body := []byte(`{"id":"evt_3","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

	w := f.deliver(t, body, signNow(body))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.repo.Count() != 0 {
		t.Error("no record expected for unhandled event")
	}
}

func TestHandleStripeWebhook_PaymentIntentSucceeded(t *testing.T) {
	f := newWebhookFixture(t, nil)
	body := []byte(`{"id":"evt_4","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":2999,"currency":"usd"}}}`)

	w := f.deliver(t, body, signNow(body))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.repo.Count() != 0 {
		t.Error("payment_intent.succeeded must not create a record")
	}
}

// A store failure answers 500 so the processor redelivers.
func TestHandleStripeWebhook_PersistenceFailure(t *testing.T) {
	f := newWebhookFixture(t, failingRepo{})

	w := f.deliver(t, checkoutCompletedBody, signNow(checkoutCompletedBody))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if code := decodeError(t, w).Error.Code; code != ErrCodeInternal {
		t.Errorf("expected %s, got %s", ErrCodeInternal, code)
	}
	if f.notifier.count() != 0 {
		t.Error("no email expected when the record was not stored")
	}
}

// A confirmation email failure never fails the webhook.
func TestHandleStripeWebhook_EmailFailureStillAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, nil)
	f.notifier.fail = true

	w := f.deliver(t, checkoutCompletedBody, signNow(checkoutCompletedBody))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.repo.Count() != 1 {
		t.Errorf("expected record stored, got %d", f.repo.Count())
	}
}

func TestHandleStripeWebhook_BodyTooLarge(t *testing.T) {
	f := newWebhookFixture(t, nil)
	body := bytes.Repeat([]byte("a"), MaxWebhookBodyBytes+1)

	w := f.deliver(t, body, signNow(body))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

// Concurrent deliveries of one session still produce exactly one record.
func TestHandleStripeWebhook_ConcurrentDuplicates(t *testing.T) {
	f := newWebhookFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(checkoutCompletedBody))
			req.Header.Set("Stripe-Signature", signNow(checkoutCompletedBody))
			w := httptest.NewRecorder()
			f.handlers.HandleStripeWebhook(w, req)
			if w.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", w.Code)
			}
		}()
	}
	wg.Wait()

	if f.repo.Count() != 1 {
		t.Errorf("expected 1 record, got %d", f.repo.Count())
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 email, got %d", f.notifier.count())
	}
}

// verificationFailures returns the rejected-delivery count for reason.
func (f *webhookFixture) verificationFailures(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != webhook.MetricVerificationFailures {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
