package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*Record
}

// NewInMemoryRepository creates a new in-memory idempotency key repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]*Record),
	}
}

// Get retrieves a record by storage key.
func (r *InMemoryRepository) Get(_ context.Context, storageKey string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[storageKey]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *record
	return &cp, nil
}

// Store saves a new record.
func (r *InMemoryRepository) Store(_ context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := record.StorageKey()
	if _, exists := r.keys[k]; exists {
		return ErrKeyExists
	}

	cp := *record
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.keys[k] = &cp
	return nil
}

// DeleteOlderThan removes records older than age and returns how many were removed.
func (r *InMemoryRepository) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for key, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored records.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
