package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/nextstack/internal/auth"
	"github.com/onnwee/nextstack/internal/identity"
	"github.com/onnwee/nextstack/internal/middleware"
)

// SessionIssuer signs session tokens. Implemented by *auth.JWTService.
type SessionIssuer interface {
	GenerateSessionToken(id auth.Identity) (string, error)
	Expiry() time.Duration
}

// AuthHandlersConfig configures AuthHandlers.
type AuthHandlersConfig struct {
	// PostLoginURL is where the browser lands after a successful callback.
	PostLoginURL string
	// SecureCookies sets the Secure attribute on the session cookie.
	SecureCookies bool
	// WelcomeOnSignIn sends the welcome email after every successful sign-in.
	WelcomeOnSignIn bool
}

// AuthHandlers runs the OAuth sign-in flow and manages the session cookie.
type AuthHandlers struct {
	provider identity.Provider
	issuer   SessionIssuer
	welcome  WelcomeSender // may be nil
	cfg      AuthHandlersConfig
	logger   *slog.Logger
}

// NewAuthHandlers creates a new AuthHandlers instance.
func NewAuthHandlers(provider identity.Provider, issuer SessionIssuer, welcome WelcomeSender, cfg AuthHandlersConfig, logger *slog.Logger) *AuthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PostLoginURL == "" {
		cfg.PostLoginURL = "/"
	}
	return &AuthHandlers{
		provider: provider,
		issuer:   issuer,
		welcome:  welcome,
		cfg:      cfg,
		logger:   logger,
	}
}

// BeginAuth redirects to the provider's consent page.
// GET /auth/{provider}
func (h *AuthHandlers) BeginAuth(w http.ResponseWriter, r *http.Request) {
	if !h.provider.Has(r.PathValue("provider")) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeUnknownProvider, "unknown sign-in provider")
		return
	}
	h.provider.BeginAuth(w, r)
}

// Callback completes sign-in, sets the session cookie and redirects.
// GET /auth/{provider}/callback
func (h *AuthHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.provider.Has(r.PathValue("provider")) {
		WriteError(w, ctx, http.StatusNotFound, ErrCodeUnknownProvider, "unknown sign-in provider")
		return
	}

	user, err := h.provider.CompleteAuth(w, r)
	if err != nil {
		status, code := http.StatusUnauthorized, ErrCodeAuthFailed
		if errors.Is(err, identity.ErrUnknownProvider) {
			status, code = http.StatusNotFound, ErrCodeUnknownProvider
		}
		WriteError(w, ctx, status, code, "sign-in failed")
		return
	}

	id := auth.Identity{
		UserID:   user.ID,
		Email:    user.Email,
		Name:     user.Name,
		Provider: user.Provider,
	}
	token, err := h.issuer.GenerateSessionToken(id)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to issue session token", "provider", user.Provider, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to start session")
		return
	}

	http.SetCookie(w, h.sessionCookie(token, int(h.issuer.Expiry()/time.Second)))

	ctx = middleware.SetUser(ctx, id)
	middleware.UpdateResponseContext(w, ctx)
	h.logger.InfoContext(ctx, "user signed in", "user_id", id.UserID, "provider", id.Provider)

	if h.cfg.WelcomeOnSignIn && h.welcome != nil && id.Email != "" {
		// Best-effort; the notifier logs failures.
		h.welcome.SendWelcome(ctx, id.Email, id.Name)
	}

	http.Redirect(w, r, h.cfg.PostLoginURL, http.StatusFound)
}

// SessionUser is the signed-in user as exposed to the browser.
type SessionUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
}

// SessionResponse is the body of GET /auth/session.
type SessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *SessionUser `json:"user,omitempty"`
}

// Session reports the current session. Anonymous callers get
// authenticated=false rather than an error.
// GET /auth/session
func (h *AuthHandlers) Session(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetUser(r.Context())
	if !ok {
		writeJSON(w, r.Context(), http.StatusOK, SessionResponse{})
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, SessionResponse{
		Authenticated: true,
		User: &SessionUser{
			ID:       id.UserID,
			Email:    id.Email,
			Name:     id.Name,
			Provider: id.Provider,
		},
	})
}

// SignOut clears the session cookie.
// POST /auth/signout
func (h *AuthHandlers) SignOut(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessionCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandlers) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies || strings.HasPrefix(h.cfg.PostLoginURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	}
}
