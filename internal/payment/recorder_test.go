package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/nextstack/internal/mail"
	"github.com/onnwee/nextstack/internal/tracing"
)

type fakeConfirmationSender struct {
	mu     sync.Mutex
	sent   []mail.PaymentConfirmation
	result mail.Result
}

func (f *fakeConfirmationSender) SendPaymentConfirmation(_ context.Context, c mail.PaymentConfirmation) mail.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return f.result
}

func (f *fakeConfirmationSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type failingRepository struct {
	InMemoryRepository
	err error
}

func (r *failingRepository) Upsert(context.Context, *PaymentRecord) (*PaymentRecord, bool, error) {
	return nil, false, r.err
}

func int64Ptr(v int64) *int64    { return &v }
func stringPtr(v string) *string { return &v }

func TestRecordCompletedCheckout_CreatesThenDeduplicates(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &fakeConfirmationSender{result: mail.Result{Sent: true}}
	rec := NewRecorder(repo, notifier, nil)
	ctx := context.Background()

	checkout := CompletedCheckout{
		SessionID:     "sess_1",
		AmountTotal:   int64Ptr(2999),
		Currency:      stringPtr("usd"),
		CustomerEmail: stringPtr("ada@example.com"),
		Metadata:      map[string]string{"userId": "user-1"},
	}

	first, created, err := rec.RecordCompletedCheckout(ctx, checkout)
	if err != nil {
		t.Fatalf("RecordCompletedCheckout failed: %v", err)
	}
	if !created {
		t.Error("expected created=true on first delivery")
	}
	if first.Amount != 2999 || first.Currency != "usd" || first.Status != StatusCompleted {
		t.Errorf("unexpected record: %+v", first)
	}
	if first.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", first.UserID)
	}

	second, created, err := rec.RecordCompletedCheckout(ctx, checkout)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if created {
		t.Error("expected created=false on redelivery")
	}
	if second.ID != first.ID {
		t.Errorf("expected same record %s, got %s", first.ID, second.ID)
	}

	if repo.Count() != 1 {
		t.Errorf("expected exactly one record, got %d", repo.Count())
	}
	if notifier.count() != 1 {
		t.Errorf("expected exactly one confirmation email, got %d", notifier.count())
	}
	if rec.Stats().Inserted() != 1 || rec.Stats().Duplicates() != 1 {
		t.Errorf("unexpected stats: %s", rec.Stats())
	}
}

func TestRecordCompletedCheckout_Defaults(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &fakeConfirmationSender{result: mail.Result{Sent: true}}
	rec := NewRecorder(repo, notifier, nil)

	record, created, err := rec.RecordCompletedCheckout(context.Background(), CompletedCheckout{SessionID: "sess_2"})
	if err != nil {
		t.Fatalf("RecordCompletedCheckout failed: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if record.Amount != 0 {
		t.Errorf("expected amount 0, got %d", record.Amount)
	}
	if record.Currency != DefaultCurrency {
		t.Errorf("expected currency %q, got %q", DefaultCurrency, record.Currency)
	}
	if record.CustomerEmail != "" {
		t.Errorf("expected empty email, got %q", record.CustomerEmail)
	}
	if record.UserID != "" {
		t.Errorf("expected empty user id, got %q", record.UserID)
	}
	if record.Description != DefaultDescription {
		t.Errorf("expected default description, got %q", record.Description)
	}
	if notifier.count() != 0 {
		t.Error("expected no email without customer email")
	}
}

func TestRecordCompletedCheckout_NormalizesCurrency(t *testing.T) {
	rec := NewRecorder(NewInMemoryRepository(), nil, nil)

	record, _, err := rec.RecordCompletedCheckout(context.Background(), CompletedCheckout{
		SessionID: "sess_3",
		Currency:  stringPtr(" EUR "),
	})
	if err != nil {
		t.Fatalf("RecordCompletedCheckout failed: %v", err)
	}
	if record.Currency != "eur" {
		t.Errorf("expected eur, got %q", record.Currency)
	}
}

func TestRecordCompletedCheckout_MissingSessionID(t *testing.T) {
	repo := NewInMemoryRepository()
	rec := NewRecorder(repo, nil, nil)

	_, _, err := rec.RecordCompletedCheckout(context.Background(), CompletedCheckout{AmountTotal: int64Ptr(100)})
	if !errors.Is(err, ErrMissingSessionID) {
		t.Errorf("expected ErrMissingSessionID, got %v", err)
	}
	if errors.Is(err, ErrPersistence) {
		t.Error("missing session id must not be reported as a persistence failure")
	}
	if repo.Count() != 0 {
		t.Error("expected nothing stored")
	}
}

func TestRecordCompletedCheckout_PersistenceFailure(t *testing.T) {
	cause := errors.New("connection refused")
	notifier := &fakeConfirmationSender{result: mail.Result{Sent: true}}
	rec := NewRecorder(&failingRepository{err: cause}, notifier, nil)

	_, _, err := rec.RecordCompletedCheckout(context.Background(), CompletedCheckout{
		SessionID:     "sess_4",
		CustomerEmail: stringPtr("ada@example.com"),
	})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}
	if notifier.count() != 0 {
		t.Error("expected no email when persistence fails")
	}
	if rec.Stats().Failures() != 1 {
		t.Errorf("expected 1 failure, got %d", rec.Stats().Failures())
	}
}

func TestRecordCompletedCheckout_EmailFailureIsNotFatal(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &fakeConfirmationSender{result: mail.Result{Sent: false, Error: "relay down"}}
	rec := NewRecorder(repo, notifier, nil)

	_, created, err := rec.RecordCompletedCheckout(context.Background(), CompletedCheckout{
		SessionID:     "sess_5",
		AmountTotal:   int64Ptr(500),
		CustomerEmail: stringPtr("ada@example.com"),
		CustomerName:  "Ada",
	})
	if err != nil {
		t.Fatalf("expected email failure to be ignored, got %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one send attempt, got %d", notifier.count())
	}
	got := notifier.sent[0]
	if got.To != "ada@example.com" || got.Name != "Ada" || got.Amount != 500 || got.Currency != "usd" {
		t.Errorf("unexpected confirmation: %+v", got)
	}
}

// stallingSender blocks until its context ends, like a relay that accepted
// the connection and never answered.
type stallingSender struct {
	deadline time.Time
	hasDL    bool
}

func (s *stallingSender) SendPaymentConfirmation(ctx context.Context, _ mail.PaymentConfirmation) mail.Result {
	s.deadline, s.hasDL = ctx.Deadline()
	<-ctx.Done()
	return mail.Result{Sent: false, Error: ctx.Err().Error()}
}

func TestRecordCompletedCheckout_ConfirmationDeadline(t *testing.T) {
	repo := NewInMemoryRepository()
	sender := &stallingSender{}
	rec := NewRecorder(repo, sender, nil).WithConfirmationTimeout(50 * time.Millisecond)

	start := time.Now()
	_, created, err := rec.RecordCompletedCheckout(context.Background(), CompletedCheckout{
		SessionID:     "sess_slow",
		CustomerEmail: stringPtr("ada@example.com"),
	})
	elapsed := time.Since(start)

	if err != nil || !created {
		t.Fatalf("expected stored record despite stalled relay, got created=%v err=%v", created, err)
	}
	if !sender.hasDL {
		t.Fatal("expected the confirmation context to carry a deadline")
	}
	if elapsed > time.Second {
		t.Errorf("stalled relay held the recorder for %v", elapsed)
	}
	if repo.Count() != 1 {
		t.Errorf("expected 1 record, got %d", repo.Count())
	}
}

func TestNewRecorder_DefaultConfirmationTimeout(t *testing.T) {
	rec := NewRecorder(NewInMemoryRepository(), nil, nil)
	if rec.confirmationTimeout != DefaultConfirmationTimeout {
		t.Errorf("expected %v, got %v", DefaultConfirmationTimeout, rec.confirmationTimeout)
	}
	rec.WithConfirmationTimeout(0)
	if rec.confirmationTimeout != DefaultConfirmationTimeout {
		t.Errorf("zero override should be ignored, got %v", rec.confirmationTimeout)
	}
}

func TestRecordCompletedCheckout_Spans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	rec := NewRecorder(NewInMemoryRepository(), nil, nil)
	checkout := CompletedCheckout{SessionID: "sess_traced", AmountTotal: int64Ptr(100)}
	for i := 0; i < 2; i++ {
		if _, _, err := rec.RecordCompletedCheckout(context.Background(), checkout); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	ended := spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	for i, span := range ended {
		if span.Name() != "payment.record_completed_checkout" {
			t.Errorf("span %d: unexpected name %q", i, span.Name())
		}
		attrs := map[string]string{}
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs[string(tracing.AttrSessionID)] != "sess_traced" {
			t.Errorf("span %d: missing session id attribute: %v", i, attrs)
		}
		if attrs[string(tracing.AttrPaymentID)] == "" {
			t.Errorf("span %d: missing payment id attribute", i)
		}
	}

	if n := len(ended[0].Events()); n != 0 {
		t.Errorf("first delivery should have no events, got %d", n)
	}
	events := ended[1].Events()
	if len(events) != 1 || events[0].Name != tracing.EventDuplicateDelivery {
		t.Errorf("expected one %s event on redelivery, got %+v", tracing.EventDuplicateDelivery, events)
	}
}
