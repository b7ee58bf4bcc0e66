package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/nextstack/internal/mail"
	"github.com/onnwee/nextstack/internal/middleware"
)

// EmailTypeWelcome is the only email a user can trigger directly.
const EmailTypeWelcome = "welcome"

// WelcomeSender sends the welcome email. Implemented by *mail.Notifier.
type WelcomeSender interface {
	SendWelcome(ctx context.Context, to, name string) mail.Result
}

// EmailHandlers serves user-triggered transactional email.
type EmailHandlers struct {
	notifier WelcomeSender
	logger   *slog.Logger
}

// NewEmailHandlers creates a new EmailHandlers instance.
func NewEmailHandlers(notifier WelcomeSender, logger *slog.Logger) *EmailHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailHandlers{notifier: notifier, logger: logger}
}

// SendEmailRequest is the body of POST /api/send-email.
type SendEmailRequest struct {
	Type string `json:"type"`
}

// SendEmailResponse reports a successful send.
type SendEmailResponse struct {
	Message string `json:"message"`
}

// SendEmail sends the requested template to the signed-in user's address.
// POST /api/send-email
//
// A relay failure answers 502; the caller's session is unaffected.
func (h *EmailHandlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.GetUser(ctx)
	if !ok || user.Email == "" {
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthRequired, "authentication required")
		return
	}

	var req SendEmailRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.Type != EmailTypeWelcome {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnknownEmailType, "invalid email type")
		return
	}

	name := user.Name
	if name == "" {
		name = "User"
	}
	result := h.notifier.SendWelcome(ctx, user.Email, name)
	if !result.Sent {
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeEmailDeliveryFailed, "failed to send email")
		return
	}

	writeJSON(w, ctx, http.StatusOK, SendEmailResponse{Message: "Welcome email sent successfully"})
}
