package mail

import (
	"context"
	"log/slog"
	"time"
)

// Result reports the outcome of a best-effort send.
type Result struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// PaymentConfirmation holds the receipt details for a completed payment.
type PaymentConfirmation struct {
	To       string
	Name     string
	Amount   int64 // minor units
	Currency string
	PaidAt   time.Time
}

// Notifier renders templates and hands them to a Mailer. Failures are logged
// and reported in Result, never returned as errors.
type Notifier struct {
	mailer Mailer
	logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(mailer Mailer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mailer: mailer, logger: logger}
}

// SendWelcome sends the welcome email.
func (n *Notifier) SendWelcome(ctx context.Context, to, name string) Result {
	msg, err := WelcomeEmail(to, name)
	if err != nil {
		return n.failed(ctx, "welcome", err)
	}
	return n.send(ctx, "welcome", msg)
}

// SendPaymentConfirmation sends the payment receipt.
func (n *Notifier) SendPaymentConfirmation(ctx context.Context, c PaymentConfirmation) Result {
	paidAt := c.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	msg, err := PaymentConfirmationEmail(c.To, c.Name, c.Amount, c.Currency, paidAt)
	if err != nil {
		return n.failed(ctx, "payment_confirmation", err)
	}
	return n.send(ctx, "payment_confirmation", msg)
}

func (n *Notifier) send(ctx context.Context, kind string, msg Message) Result {
	if err := n.mailer.Send(ctx, msg); err != nil {
		return n.failed(ctx, kind, err)
	}
	return Result{Sent: true}
}

func (n *Notifier) failed(ctx context.Context, kind string, err error) Result {
	n.logger.WarnContext(ctx, "email delivery failed",
		slog.String("email_type", kind),
		slog.String("error", err.Error()),
	)
	return Result{Sent: false, Error: err.Error()}
}
