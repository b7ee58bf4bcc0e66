// Package payment provides repository for payment record persistence.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPaymentRecordNotFound is returned when a payment record is not found.
	ErrPaymentRecordNotFound = errors.New("payment record not found")

	// ErrMissingSessionID is returned when a record has no session ID to key on.
	ErrMissingSessionID = errors.New("payment record requires a session id")

	// ErrInvalidStatus is returned when a record carries an unknown status.
	ErrInvalidStatus = errors.New("payment record has an invalid status")
)

// validateRecord checks the fields every repository requires before a write.
// An empty status is allowed and stored as StatusPending.
func validateRecord(record *PaymentRecord) error {
	if record == nil || record.SessionID == "" {
		return ErrMissingSessionID
	}
	if record.Status != "" && !record.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, record.Status)
	}
	return nil
}

// DefaultListLimit caps ListByUser when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Repository defines methods for payment record persistence.
type Repository interface {
	// Upsert creates the record if no record with the same SessionID exists.
	// If one exists, the stored record is returned unchanged and created is false.
	// Implementations must make the check-and-insert atomic.
	Upsert(ctx context.Context, record *PaymentRecord) (stored *PaymentRecord, created bool, err error)

	// GetBySessionID retrieves a payment record by session ID.
	// Returns ErrPaymentRecordNotFound if none exists.
	GetBySessionID(ctx context.Context, sessionID string) (*PaymentRecord, error)

	// ListByUser returns the user's records, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*PaymentRecord, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*PaymentRecord // Maps session_id -> record
}

// NewInMemoryRepository creates a new in-memory payment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*PaymentRecord),
	}
}

// Upsert inserts the record unless its session ID is already stored.
func (r *InMemoryRepository) Upsert(ctx context.Context, record *PaymentRecord) (*PaymentRecord, bool, error) {
	if err := validateRecord(record); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.SessionID]; ok {
		return existing.clone(), false, nil
	}

	stored := record.clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	r.records[stored.SessionID] = stored

	return stored.clone(), true, nil
}

// GetBySessionID retrieves a payment record by session ID.
func (r *InMemoryRepository) GetBySessionID(ctx context.Context, sessionID string) (*PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[sessionID]
	if !ok {
		return nil, ErrPaymentRecordNotFound
	}
	return record.clone(), nil
}

// ListByUser returns the user's records ordered by CreatedAt descending.
func (r *InMemoryRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*PaymentRecord
	for _, record := range r.records {
		if record.UserID == userID {
			out = append(out, record.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (r *InMemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
