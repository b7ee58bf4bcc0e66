// Package api provides the HTTP handlers and standardized error responses.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/nextstack/internal/middleware"
)

// Error codes returned in the "code" field of error responses.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeAuthRequired indicates the endpoint needs a signed-in user.
	ErrCodeAuthRequired = "auth_required"

	// ErrCodeAuthFailed indicates the identity provider rejected the sign-in.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeMissingSignature indicates a webhook without a signature header.
	ErrCodeMissingSignature = "missing_signature"

	// ErrCodeInvalidSignature indicates a webhook signature that did not verify.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeMalformedPayload indicates a signed webhook body that could not be parsed.
	ErrCodeMalformedPayload = "malformed_payload"

	// ErrCodePayloadTooLarge indicates a body over the endpoint's limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodePaymentsNotConfigured indicates no payment processor key is configured.
	ErrCodePaymentsNotConfigured = "payments_not_configured"

	// ErrCodePaymentProvider indicates the payment processor rejected the request.
	ErrCodePaymentProvider = "payment_provider_error"

	// ErrCodeEmailDeliveryFailed indicates the mail relay did not accept a message.
	ErrCodeEmailDeliveryFailed = "email_delivery_failed"

	// ErrCodeUnknownEmailType indicates a send-email request for an unsupported template.
	ErrCodeUnknownEmailType = "unknown_email_type"

	// ErrCodeUnknownProvider indicates a sign-in with an unconfigured provider.
	ErrCodeUnknownProvider = "unknown_provider"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
//
// The code is recorded on ctx and handed to the logging middleware, so
// callers only need:
//
//	WriteError(w, r.Context(), http.StatusBadRequest, api.ErrCodeInvalidSignature, "invalid signature")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeMissingSignature,
		ErrCodeInvalidSignature, ErrCodeMalformedPayload, ErrCodeUnknownEmailType:
		return http.StatusBadRequest
	case ErrCodeAuthRequired, ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeUnknownProvider:
		return http.StatusNotFound
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeEmailDeliveryFailed, ErrCodePaymentProvider:
		return http.StatusBadGateway
	case ErrCodePaymentsNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
