package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/nextstack/internal/mail"
	"github.com/onnwee/nextstack/internal/stats"
	"github.com/onnwee/nextstack/internal/tracing"
)

// ErrPersistence is returned when the store cannot record a completed
// checkout. The webhook endpoint maps it to 500 so Stripe redelivers.
var ErrPersistence = errors.New("payment persistence failed")

// DefaultConfirmationTimeout bounds the confirmation email inside a webhook
// request. Stripe expects an answer within seconds and a redelivery would
// not resend the email.
const DefaultConfirmationTimeout = 3 * time.Second

// ConfirmationSender delivers the payment-confirmation email.
// Implemented by *mail.Notifier.
type ConfirmationSender interface {
	SendPaymentConfirmation(ctx context.Context, confirmation mail.PaymentConfirmation) mail.Result
}

// Recorder persists completed checkouts exactly once per session ID.
type Recorder struct {
	repo                Repository
	notifier            ConfirmationSender
	confirmationTimeout time.Duration
	stats               *stats.UpsertStats
	logger              *slog.Logger
}

// NewRecorder creates a Recorder. notifier may be nil, in which case no
// confirmation email is sent.
func NewRecorder(repo Repository, notifier ConfirmationSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:                repo,
		notifier:            notifier,
		confirmationTimeout: DefaultConfirmationTimeout,
		stats:               stats.NewUpsertStats(),
		logger:              logger,
	}
}

// WithConfirmationTimeout overrides DefaultConfirmationTimeout. Values <= 0
// are ignored.
func (r *Recorder) WithConfirmationTimeout(d time.Duration) *Recorder {
	if d > 0 {
		r.confirmationTimeout = d
	}
	return r
}

// Stats returns the recorder's delivery counters.
func (r *Recorder) Stats() *stats.UpsertStats {
	return r.stats
}

// RecordCompletedCheckout stores a completed record for the checkout.
// A redelivered session returns the stored record with created=false and no
// side effects. Store failures wrap ErrPersistence; a missing session ID
// returns ErrMissingSessionID.
func (r *Recorder) RecordCompletedCheckout(ctx context.Context, checkout CompletedCheckout) (record *PaymentRecord, created bool, err error) {
	if checkout.SessionID == "" {
		return nil, false, ErrMissingSessionID
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.record_completed_checkout",
		tracing.AttrSessionID.String(checkout.SessionID),
	)
	defer func() { endSpan(err) }()

	record, created, err = r.repo.Upsert(ctx, checkout.toRecord())
	if err != nil {
		r.stats.RecordFailure()
		r.logger.ErrorContext(ctx, "failed to record payment",
			slog.String("session_id", checkout.SessionID),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	tracing.SetAttributes(ctx, tracing.AttrPaymentID.String(record.ID))

	if !created {
		r.stats.RecordDuplicate()
		tracing.AddEvent(ctx, tracing.EventDuplicateDelivery)
		r.logger.InfoContext(ctx, "duplicate checkout completion, payment already recorded",
			slog.String("session_id", record.SessionID),
			slog.String("payment_id", record.ID),
		)
		return record, false, nil
	}

	r.stats.RecordInsert()
	r.logger.InfoContext(ctx, "payment recorded",
		slog.String("session_id", record.SessionID),
		slog.String("payment_id", record.ID),
		slog.String("user_id", record.UserID),
		slog.Int64("amount", record.Amount),
		slog.String("currency", record.Currency),
	)

	r.sendConfirmation(ctx, record, checkout.CustomerName)
	return record, true, nil
}

// sendConfirmation is best-effort; delivery failures never fail the webhook.
func (r *Recorder) sendConfirmation(ctx context.Context, record *PaymentRecord, name string) {
	if r.notifier == nil || record.CustomerEmail == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.confirmationTimeout)
	defer cancel()

	result := r.notifier.SendPaymentConfirmation(ctx, mail.PaymentConfirmation{
		To:       record.CustomerEmail,
		Name:     name,
		Amount:   record.Amount,
		Currency: record.Currency,
		PaidAt:   record.CreatedAt,
	})
	if !result.Sent {
		r.logger.WarnContext(ctx, "payment confirmation email not sent",
			slog.String("session_id", record.SessionID),
			slog.String("error", result.Error),
		)
	}
}
