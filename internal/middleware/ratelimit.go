package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig defines the rate limiting configuration.
// Both fields must be > 0.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	RequestsPerWindow int
	// WindowDuration is the fixed window length.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

var (
	defaultGlobalLimit   = RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
	defaultAuthLimit     = RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
	defaultCheckoutLimit = RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
	defaultEmailLimit    = RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}
)

// DefaultGlobalLimit returns the default global rate limit (100/min).
func DefaultGlobalLimit() RateLimitConfig { return defaultGlobalLimit }

// DefaultAuthLimit returns the default sign-in rate limit (10/min).
func DefaultAuthLimit() RateLimitConfig { return defaultAuthLimit }

// DefaultCheckoutLimit returns the default checkout creation limit (10/min).
func DefaultCheckoutLimit() RateLimitConfig { return defaultCheckoutLimit }

// DefaultEmailLimit returns the default send-email limit (5/min).
func DefaultEmailLimit() RateLimitConfig { return defaultEmailLimit }

// RateLimitStore defines the interface for rate limit state storage.
type RateLimitStore interface {
	// Allow records a request for key and reports whether it is within the
	// limit, how many requests remain in the window, and (when blocked) the
	// number of seconds until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

// bucket represents a rate limit bucket for a single key.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore with a fixed window
// counter per key. Safe for concurrent use; state is per process.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	b, exists := s.buckets[key]
	if !exists || !now.Before(b.windowEnd) {
		s.buckets[key] = &bucket{
			count:     1,
			windowEnd: now.Add(config.WindowDuration),
		}
		return true, config.RequestsPerWindow - 1, 0
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, config.RequestsPerWindow - b.count, 0
	}

	return false, 0, retryAfterSeconds(b.windowEnd.Sub(now))
}

// Cleanup removes expired buckets. Call it periodically; an interval of a
// few multiples of the longest window is enough.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if !now.Before(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (s *InMemoryRateLimitStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// rateLimitScript increments the window counter, starts the window on the
// first hit and returns {count, pttl}.
var rateLimitScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)

// RedisKeyPrefix namespaces rate limit counters in Redis.
const RedisKeyPrefix = "ratelimit:"

// RedisRateLimitStore implements RateLimitStore on Redis so limits hold
// across replicas. It fails open: when Redis is unreachable the request is
// allowed and the error is counted.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// WithMetrics counts fail-open events on m.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	res, err := rateLimitScript.Run(ctx, s.client,
		[]string{RedisKeyPrefix + key},
		config.WindowDuration.Milliseconds(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		s.metrics.IncRateLimitRedisErrors()
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
		return true, config.RequestsPerWindow, 0
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}
	if ttl <= 0 {
		ttl = config.WindowDuration
	}
	return false, 0, retryAfterSeconds(ttl)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// UserKeyFunc keys by authenticated user ID, falling back to client IP.
func UserKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if id := UserID(r.Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + ipFunc(r)
	}
}

func keyType(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && (kind == "user" || kind == "ip") {
		return kind
	}
	return "ip"
}

// RateLimiter limits requests per key and answers 429 with Retry-After when
// the window is exhausted. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			endpoint := normalizePath(r.URL.Path)
			kind := keyType(key)

			metrics.IncRateLimitRequests(endpoint, kind)
			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				metrics.IncRateLimitBlocked(endpoint, kind)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				writeError(w, r.Context(), http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
