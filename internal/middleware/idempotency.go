package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/nextstack/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader is set on responses served from the cache.
const IdempotentReplayHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds the request body fingerprinted by the middleware.
const maxIdempotentBody = 1 << 20

// anonymousScope scopes keys sent by unauthenticated callers.
const anonymousScope = "anonymous"

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter tees the response so it can be cached.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// Unwrap returns the wrapped writer.
func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Idempotency requires an Idempotency-Key header on POSTs to the given
// routes. The first 2xx response for a key is cached and replayed for
// repeats from the same caller; reusing a key with a different body is
// rejected with 409. Keys are scoped to the authenticated user, so it must
// run after Authenticate. Store failures degrade to a plain pass-through.
func Idempotency(repo idempotency.Repository, routes map[string]bool, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !routes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if err := idempotency.ValidateKey(key); err != nil {
				switch {
				case key == "":
					writeError(w, r.Context(), http.StatusBadRequest, "missing_idempotency_key",
						"Idempotency-Key header is required for this request")
				case errors.Is(err, idempotency.ErrKeyTooLong):
					writeError(w, r.Context(), http.StatusBadRequest, "idempotency_key_too_long",
						"Idempotency-Key exceeds maximum length of 64 characters")
				default:
					writeError(w, r.Context(), http.StatusBadRequest, "invalid_idempotency_key",
						"Invalid Idempotency-Key format")
				}
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				writeError(w, r.Context(), http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			if len(body) > maxIdempotentBody {
				writeError(w, r.Context(), http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			scope := UserID(ctx)
			if scope == "" {
				scope = anonymousScope
			}
			storageKey := idempotency.StorageKey(scope, key)
			requestHash := idempotency.ComputeHash(append([]byte(r.Method+" "+r.URL.Path+"\n"), body...))
			endpoint := normalizePath(r.URL.Path)

			existing, err := repo.Get(ctx, storageKey)
			switch {
			case err == nil:
				if existing.RequestHash != "" && existing.RequestHash != requestHash {
					metrics.IncIdempotencyConflict(endpoint)
					writeError(w, ctx, http.StatusConflict, "idempotency_key_reused",
						"Idempotency-Key was already used with a different request")
					return
				}
				metrics.IncIdempotencyReplay(endpoint)
				slog.InfoContext(ctx, "idempotency key found, returning cached response",
					"key", key,
					"status", existing.ResponseStatusCode,
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			captureWriter := newIdempotencyResponseWriter(w)
			next.ServeHTTP(captureWriter, r)

			if captureWriter.statusCode < 200 || captureWriter.statusCode >= 300 {
				return
			}

			responseBody := captureWriter.body.String()
			record := &idempotency.Record{
				Key:                key,
				Scope:              scope,
				Method:             r.Method,
				Route:              r.URL.Path,
				RequestHash:        requestHash,
				ResponseHash:       idempotency.ComputeHash([]byte(responseBody)),
				Status:             idempotency.StatusCompleted,
				ResponseBody:       responseBody,
				ResponseStatusCode: captureWriter.statusCode,
				CreatedAt:          time.Now().UTC(),
			}

			// The response is already sent; a failed store only loses replay.
			if err := repo.Store(ctx, record); err != nil {
				if errors.Is(err, idempotency.ErrKeyExists) {
					slog.DebugContext(ctx, "idempotency key stored concurrently", "key", key)
					return
				}
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			slog.DebugContext(ctx, "stored idempotency key", "key", key, "status", captureWriter.statusCode)
		})
	}
}
