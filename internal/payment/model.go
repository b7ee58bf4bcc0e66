// Package payment provides models and services for payment processing.
package payment

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a payment record.
type Status string

// Payment statuses. The webhook pipeline only ever writes StatusCompleted;
// the others exist so stored rows written by other tooling remain valid.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// DefaultCurrency is used when a completed checkout carries no currency.
const DefaultCurrency = "usd"

// DefaultDescription is stored when the checkout metadata has no description.
const DefaultDescription = "Premium Features Purchase"

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// PaymentRecord is the durable artifact of a completed checkout.
// At most one record exists per SessionID.
type PaymentRecord struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"` // Stripe Checkout Session ID, the idempotency key
	UserID        string            `json:"user_id"`
	Amount        int64             `json:"amount"` // minor currency units
	Currency      string            `json:"currency"`
	Status        Status            `json:"status"`
	CustomerEmail string            `json:"customer_email"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// clone returns a deep copy of the record.
func (r *PaymentRecord) clone() *PaymentRecord {
	if r == nil {
		return nil
	}
	copied := *r
	if r.Metadata != nil {
		copied.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// CompletedCheckout carries the fields of a checkout.session.completed event
// that the recorder persists. Pointer fields are optional in the event payload.
type CompletedCheckout struct {
	SessionID     string
	AmountTotal   *int64
	Currency      *string
	CustomerEmail *string
	CustomerName  string
	Metadata      map[string]string
}

// toRecord applies the documented defaults and builds a new completed record.
func (c CompletedCheckout) toRecord() *PaymentRecord {
	record := &PaymentRecord{
		SessionID: c.SessionID,
		Currency:  DefaultCurrency,
		Status:    StatusCompleted,
	}
	if c.AmountTotal != nil {
		record.Amount = *c.AmountTotal
	}
	if c.Currency != nil && strings.TrimSpace(*c.Currency) != "" {
		record.Currency = strings.ToLower(strings.TrimSpace(*c.Currency))
	}
	if c.CustomerEmail != nil {
		record.CustomerEmail = strings.TrimSpace(*c.CustomerEmail)
	}

	if len(c.Metadata) > 0 {
		record.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			record.Metadata[k] = v
		}
	}
	record.UserID = c.Metadata["userId"]
	record.Description = c.Metadata["description"]
	if record.Description == "" {
		record.Description = DefaultDescription
	}
	return record
}
