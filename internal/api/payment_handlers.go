package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/onnwee/nextstack/internal/middleware"
	"github.com/onnwee/nextstack/internal/payment"
)

// maxCheckoutBodyBytes bounds the checkout request body.
const maxCheckoutBodyBytes = 4 << 10

// PaymentHandlers serves checkout creation and payment history.
type PaymentHandlers struct {
	checkout payment.CheckoutClient // nil when no processor key is configured
	repo     payment.Repository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewPaymentHandlers creates a new PaymentHandlers instance. checkout may be
// nil, in which case checkout creation answers 503.
func NewPaymentHandlers(checkout payment.CheckoutClient, repo payment.Repository, logger *slog.Logger) *PaymentHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandlers{
		checkout: checkout,
		repo:     repo,
		validate: newValidator(),
		logger:   logger,
	}
}

// CheckoutRequest is the body of POST /api/stripe/checkout. Either PriceID or
// Amount (minor units, inline price) must be set.
type CheckoutRequest struct {
	PriceID     string `json:"price_id" validate:"required_without=Amount,omitempty,startswith=price_,max=255"`
	Amount      int64  `json:"amount" validate:"required_without=PriceID,omitempty,min=50,max=99999999"`
	Description string `json:"description" validate:"max=200"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// CreateCheckout creates a Checkout Session for the signed-in user.
// POST /api/stripe/checkout
func (h *PaymentHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.GetUser(ctx)
	if !ok {
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthRequired, "authentication required")
		return
	}

	if h.checkout == nil {
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodePaymentsNotConfigured, "payments are not configured")
		return
	}

	var req CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, validationMessage(err))
		return
	}

	sess, err := h.checkout.CreateCheckoutSession(ctx, payment.CheckoutParams{
		PriceID:        req.PriceID,
		Amount:         req.Amount,
		Description:    req.Description,
		CustomerEmail:  user.Email,
		UserID:         user.UserID,
		IdempotencyKey: stripeIdempotencyKey(user.UserID, middleware.GetIdempotencyKey(ctx)),
	})
	if err != nil {
		if errors.Is(err, payment.ErrInvalidCheckoutParams) {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "failed to create checkout session", "user_id", user.UserID, "error", err)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodePaymentProvider, "failed to create checkout session")
		return
	}

	h.logger.InfoContext(ctx, "checkout session created", "user_id", user.UserID, "session_id", sess.ID)
	writeJSON(w, ctx, http.StatusCreated, CheckoutResponse{URL: sess.URL, SessionID: sess.ID})
}

// stripeIdempotencyKey scopes the client's Idempotency-Key to the user so two
// users reusing a key never share a Stripe session.
func stripeIdempotencyKey(userID, key string) string {
	if key == "" {
		return ""
	}
	return "checkout:" + userID + ":" + key
}

// PaymentView is the public shape of a stored payment.
type PaymentView struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// ListPaymentsResponse is the body of GET /api/payments.
type ListPaymentsResponse struct {
	Payments []PaymentView `json:"payments"`
}

// ListPayments returns the caller's payments, newest first.
// GET /api/payments?limit=N
func (h *PaymentHandlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.GetUser(ctx)
	if !ok {
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthRequired, "authentication required")
		return
	}

	limit := payment.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > payment.DefaultListLimit {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
				"limit must be between 1 and "+strconv.Itoa(payment.DefaultListLimit))
			return
		}
		limit = n
	}

	records, err := h.repo.ListByUser(ctx, user.UserID, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list payments", "user_id", user.UserID, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to list payments")
		return
	}

	resp := ListPaymentsResponse{Payments: make([]PaymentView, 0, len(records))}
	for _, rec := range records {
		resp.Payments = append(resp.Payments, PaymentView{
			ID:          rec.ID,
			SessionID:   rec.SessionID,
			Amount:      rec.Amount,
			Currency:    rec.Currency,
			Status:      string(rec.Status),
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns the first validator failure into a client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required_without":
		return "either price_id or amount is required"
	case "startswith":
		return field + " must start with " + fe.Param()
	case "min":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param()
	default:
		return field + " is invalid"
	}
}
