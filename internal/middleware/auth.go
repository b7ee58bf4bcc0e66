package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/nextstack/internal/auth"
)

// userKey is the context key for the authenticated identity.
type userKey struct{}

// SetUser stores the authenticated identity in the context.
func SetUser(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// GetUser retrieves the authenticated identity from context.
func GetUser(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(userKey{}).(auth.Identity)
	if !ok || id.UserID == "" {
		return auth.Identity{}, false
	}
	return id, true
}

// UserID returns the authenticated user's ID, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	id, _ := GetUser(ctx)
	return id.UserID
}

// TokenValidator validates session tokens. Implemented by *auth.JWTService.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Authenticate resolves the session token from the session cookie or an
// "Authorization: Bearer" header and stores the identity in the request
// context. Requests without a valid token continue anonymously; use
// RequireUser to reject them.
func Authenticate(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				slog.DebugContext(r.Context(), "ignoring invalid session token", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			ctx := SetUser(r.Context(), claims.Identity())
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUser(r.Context()); !ok {
			writeError(w, r.Context(), http.StatusUnauthorized, "auth_required", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(auth.SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}
