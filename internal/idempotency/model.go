// Package idempotency caches responses by client-supplied Idempotency-Key so
// retried POSTs (for example a double-clicked checkout button) replay the
// first response instead of repeating the side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// StatusCompleted marks a record whose response has been captured.
const StatusCompleted = "completed"

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a cached response is replayed.
const DefaultExpiry = 24 * time.Hour

// Record is a stored idempotency key with its cached response.
type Record struct {
	Key                string    `json:"key"`
	Scope              string    `json:"scope"` // caller identity the key belongs to
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	RequestHash        string    `json:"request_hash"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
	CreatedAt          time.Time `json:"created_at"`
}

// StorageKey is the repository key for the record. Keys from different
// callers never collide.
func (r *Record) StorageKey() string {
	return StorageKey(r.Scope, r.Key)
}

// StorageKey joins scope and client key.
func StorageKey(scope, key string) string {
	return scope + "|" + key
}

// ValidateKey checks if an idempotency key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ComputeHash returns the hex SHA-256 of b. Used for request fingerprints and
// response integrity.
func ComputeHash(b []byte) string {
	hash := sha256.Sum256(b)
	return hex.EncodeToString(hash[:])
}

// Repository defines methods for idempotency key persistence.
type Repository interface {
	// Get retrieves a record by storage key. Returns ErrKeyNotFound if absent.
	Get(ctx context.Context, storageKey string) (*Record, error)

	// Store saves a new record. Returns ErrKeyExists if the key already exists.
	Store(ctx context.Context, record *Record) error

	// DeleteOlderThan removes records older than the given age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
