package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency keys in a shared Redis.
const DefaultRedisPrefix = "idempotency:"

// RedisRepository implements Repository on Redis. Records expire via TTL, so
// DeleteOlderThan is a no-op.
type RedisRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRepository creates a Redis-backed repository. ttl <= 0 uses DefaultExpiry.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{
		client: client,
		prefix: DefaultRedisPrefix,
		ttl:    ttl,
	}
}

// Get retrieves a record by storage key.
func (r *RedisRepository) Get(ctx context.Context, storageKey string) (*Record, error) {
	data, err := r.client.Get(ctx, r.prefix+storageKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get idempotency key: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &record, nil
}

// Store saves a new record with SET NX so concurrent first requests cannot
// both win.
func (r *RedisRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	cp := *record
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.prefix+cp.StorageKey(), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan is a no-op; Redis expires records by TTL.
func (r *RedisRepository) DeleteOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
