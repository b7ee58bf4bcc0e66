package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/nextstack/internal/auth"
	"github.com/onnwee/nextstack/internal/middleware"
	"github.com/onnwee/nextstack/internal/payment"
)

// mockCheckoutClient is a mock implementation of payment.CheckoutClient.
type mockCheckoutClient struct {
	err    error
	calls  int
	params payment.CheckoutParams
}

func (m *mockCheckoutClient) CreateCheckoutSession(_ context.Context, params payment.CheckoutParams) (*stripe.CheckoutSession, error) {
	m.calls++
	m.params = params
	if m.err != nil {
		return nil, m.err
	}
	return &stripe.CheckoutSession{
		ID:  "cs_test_123",
		URL: "https://checkout.stripe.com/c/pay/cs_test_123",
	}, nil
}

var testUser = auth.Identity{UserID: "user-1", Email: "a@b.com", Name: "Ada"}

func withUser(req *http.Request, id auth.Identity) *http.Request {
	return req.WithContext(middleware.SetUser(req.Context(), id))
}

func TestCreateCheckout_Success(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantPrice  string
		wantAmount int64
	}{
		{"price id", `{"price_id":"price_123"}`, "price_123", 0},
		{"inline amount", `{"amount":2999,"description":"Pro plan"}`, "", 2999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockCheckoutClient{}
			handlers := NewPaymentHandlers(client, payment.NewInMemoryRepository(), discardLogger())

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/stripe/checkout", strings.NewReader(tt.body)), testUser)
			w := httptest.NewRecorder()

			handlers.CreateCheckout(w, req)

			if w.Code != http.StatusCreated {
				t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
			}

			var resp CheckoutResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.SessionID != "cs_test_123" || !strings.Contains(resp.URL, "cs_test_123") {
				t.Errorf("unexpected response %+v", resp)
			}

			if client.params.PriceID != tt.wantPrice || client.params.Amount != tt.wantAmount {
				t.Errorf("unexpected params %+v", client.params)
			}
			if client.params.UserID != testUser.UserID || client.params.CustomerEmail != testUser.Email {
				t.Errorf("user not forwarded: %+v", client.params)
			}
		})
	}
}

func TestCreateCheckout_ForwardsIdempotencyKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"with key", "key-1", "checkout:" + testUser.UserID + ":key-1"},
		{"without key", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockCheckoutClient{}
			handlers := NewPaymentHandlers(client, payment.NewInMemoryRepository(), discardLogger())

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/stripe/checkout", strings.NewReader(`{"price_id":"price_123"}`)), testUser)
			if tt.key != "" {
				req = req.WithContext(middleware.SetIdempotencyKey(req.Context(), tt.key))
			}
			w := httptest.NewRecorder()

			handlers.CreateCheckout(w, req)

			if w.Code != http.StatusCreated {
				t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
			}
			if client.params.IdempotencyKey != tt.want {
				t.Errorf("expected idempotency key %q, got %q", tt.want, client.params.IdempotencyKey)
			}
		})
	}
}

func TestCreateCheckout_Unauthorized(t *testing.T) {
	client := &mockCheckoutClient{}
	handlers := NewPaymentHandlers(client, payment.NewInMemoryRepository(), discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/checkout", strings.NewReader(`{"price_id":"price_123"}`))
	w := httptest.NewRecorder()

	handlers.CreateCheckout(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
	if client.calls != 0 {
		t.Error("processor must not be called without a user")
	}
}

func TestCreateCheckout_NotConfigured(t *testing.T) {
	handlers := NewPaymentHandlers(nil, payment.NewInMemoryRepository(), discardLogger())

	req := withUser(httptest.NewRequest(http.MethodPost, "/api/stripe/checkout", strings.NewReader(`{"price_id":"price_123"}`)), testUser)
	w := httptest.NewRecorder()

	handlers.CreateCheckout(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != ErrCodePaymentsNotConfigured {
		t.Errorf("expected %s, got %s", ErrCodePaymentsNotConfigured, code)
	}
}

func TestCreateCheckout_InvalidBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		wantMsg  string
	}{
		{"not json", `{`, ErrCodeBadRequest, ""},
		{"unknown field", `{"price_id":"price_1","priceId":"price_1"}`, ErrCodeBadRequest, ""},
		{"neither price nor amount", `{}`, ErrCodeValidation, "either price_id or amount is required"},
		{"bad price prefix", `{"price_id":"prod_123"}`, ErrCodeValidation, "price_id must start with price_"},
		{"amount too small", `{"amount":10}`, ErrCodeValidation, "amount must be at least 50"},
		{"description too long", fmt.Sprintf(`{"amount":100,"description":%q}`, strings.Repeat("x", 201)), ErrCodeValidation, "description must be at most 200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockCheckoutClient{}
			handlers := NewPaymentHandlers(client, payment.NewInMemoryRepository(), discardLogger())

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/stripe/checkout", strings.NewReader(tt.body)), testUser)
			w := httptest.NewRecorder()

			handlers.CreateCheckout(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			resp := decodeError(t, w)
			if resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
			if tt.wantMsg != "" && resp.Error.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, resp.Error.Message)
			}
			if client.calls != 0 {
				t.Error("processor must not be called for invalid input")
			}
		})
	}
}

func TestCreateCheckout_ProviderFailure(t *testing.T) {
	client := &mockCheckoutClient{err: errors.New("stripe: card_declined")}
	handlers := NewPaymentHandlers(client, payment.NewInMemoryRepository(), discardLogger())

	req := withUser(httptest.NewRequest(http.MethodPost, "/api/stripe/checkout", strings.NewReader(`{"price_id":"price_123"}`)), testUser)
	w := httptest.NewRecorder()

	handlers.CreateCheckout(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Error.Code != ErrCodePaymentProvider {
		t.Errorf("expected %s, got %s", ErrCodePaymentProvider, resp.Error.Code)
	}
	if strings.Contains(resp.Error.Message, "card_declined") {
		t.Error("processor error details must not leak to the client")
	}
}

func seedPayment(t *testing.T, repo payment.Repository, sessionID, userID string, amount int64) {
	t.Helper()
	_, _, err := repo.Upsert(context.Background(), &payment.PaymentRecord{
		SessionID:   sessionID,
		UserID:      userID,
		Amount:      amount,
		Currency:    "usd",
		Status:      payment.StatusCompleted,
		Description: payment.DefaultDescription,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestListPayments(t *testing.T) {
	repo := payment.NewInMemoryRepository()
	seedPayment(t, repo, "sess_1", "user-1", 1000)
	seedPayment(t, repo, "sess_2", "user-1", 2000)
	seedPayment(t, repo, "sess_3", "user-2", 3000)
	handlers := NewPaymentHandlers(nil, repo, discardLogger())

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/payments", nil), testUser)
	w := httptest.NewRecorder()

	handlers.ListPayments(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ListPaymentsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Payments) != 2 {
		t.Fatalf("expected 2 payments for user-1, got %d", len(resp.Payments))
	}
	for _, p := range resp.Payments {
		if p.SessionID == "sess_3" {
			t.Error("another user's payment leaked")
		}
		if p.Status != string(payment.StatusCompleted) {
			t.Errorf("unexpected status %s", p.Status)
		}
	}
}

func TestListPayments_Limit(t *testing.T) {
	repo := payment.NewInMemoryRepository()
	for i := 0; i < 5; i++ {
		seedPayment(t, repo, fmt.Sprintf("sess_%d", i), "user-1", 1000)
	}
	handlers := NewPaymentHandlers(nil, repo, discardLogger())

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"?limit=2", http.StatusOK, 2},
		{"", http.StatusOK, 5},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=51", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := withUser(httptest.NewRequest(http.MethodGet, "/api/payments"+tt.query, nil), testUser)
			w := httptest.NewRecorder()

			handlers.ListPayments(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp ListPaymentsResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(resp.Payments) != tt.wantCount {
				t.Errorf("expected %d payments, got %d", tt.wantCount, len(resp.Payments))
			}
		})
	}
}

func TestListPayments_EmptyIsArray(t *testing.T) {
	handlers := NewPaymentHandlers(nil, payment.NewInMemoryRepository(), discardLogger())

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/payments", nil), testUser)
	w := httptest.NewRecorder()

	handlers.ListPayments(w, req)

	if got := strings.TrimSpace(w.Body.String()); got != `{"payments":[]}` {
		t.Errorf("expected empty array, got %s", got)
	}
}
