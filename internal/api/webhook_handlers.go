package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/nextstack/internal/webhook"
)

// MaxWebhookBodyBytes caps the raw webhook body. Stripe payloads are well
// under this.
const MaxWebhookBodyBytes = 64 << 10

// EventVerifier authenticates and parses a webhook delivery.
// Implemented by *webhook.Verifier.
type EventVerifier interface {
	Verify(ctx context.Context, payload []byte, header string) (stripe.Event, error)
}

// EventDispatcher routes a verified event to its handler.
// Implemented by *webhook.Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event stripe.Event) (webhook.Outcome, error)
}

// WebhookHandlers holds dependencies for the payment processor webhook.
type WebhookHandlers struct {
	verifier   EventVerifier
	dispatcher EventDispatcher
	metrics    *webhook.Metrics
	logger     *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance. metrics may be nil.
func NewWebhookHandlers(verifier EventVerifier, dispatcher EventDispatcher, metrics *webhook.Metrics, logger *slog.Logger) *WebhookHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{
		verifier:   verifier,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

type webhookResponse struct {
	Received bool `json:"received"`
}

// HandleStripeWebhook verifies, dispatches and acknowledges one delivery.
// POST /api/stripe/webhook
//
// 200 acknowledges (including ignored types and duplicate deliveries); 400
// rejects unauthenticated or malformed deliveries; 500 asks the processor to
// redeliver after a persistence failure.
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The signature covers the exact bytes, so read them before any decoding.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.IncVerificationFailure(ErrCodePayloadTooLarge)
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "webhook body too large")
			return
		}
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	event, err := h.verifier.Verify(ctx, body, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		h.writeVerifyError(w, ctx, err)
		return
	}

	// Event type and ID only; the payload carries customer data.
	h.logger.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	outcome, err := h.dispatcher.Dispatch(ctx, event)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			h.logger.WarnContext(ctx, "webhook event rejected",
				"event_type", event.Type,
				"event_id", event.ID,
				"error", err,
			)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeMalformedPayload, "malformed event payload")
			return
		}
		h.logger.ErrorContext(ctx, "webhook handler failed",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", err,
		)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	h.logger.DebugContext(ctx, "webhook event processed", "event_id", event.ID, "outcome", outcome)
	writeJSON(w, ctx, http.StatusOK, webhookResponse{Received: true})
}

func (h *WebhookHandlers) writeVerifyError(w http.ResponseWriter, ctx context.Context, err error) {
	var code, message string
	switch {
	case errors.Is(err, webhook.ErrMissingSignature):
		code, message = ErrCodeMissingSignature, "missing "+webhook.SignatureHeader+" header"
	case errors.Is(err, webhook.ErrAuthentication):
		code, message = ErrCodeInvalidSignature, "invalid signature"
	case errors.Is(err, webhook.ErrMalformedPayload):
		code, message = ErrCodeMalformedPayload, "malformed event payload"
	default:
		code, message = ErrCodeBadRequest, "could not verify webhook"
	}

	h.metrics.IncVerificationFailure(code)
	h.logger.WarnContext(ctx, "webhook verification failed", "reason", code, "error", err)
	WriteError(w, ctx, http.StatusBadRequest, code, message)
}
