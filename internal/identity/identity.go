// Package identity signs users in through external OAuth providers.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"
)

var (
	// ErrMissingSessionSecret is returned when no cookie signing secret is configured.
	ErrMissingSessionSecret = errors.New("session secret is required")

	// ErrUnknownProvider is returned for providers that are not configured.
	ErrUnknownProvider = errors.New("unknown identity provider")

	// ErrAuthFailed is returned when the provider callback cannot be completed.
	ErrAuthFailed = errors.New("identity provider authentication failed")
)

// stateMaxAge bounds how long an OAuth round trip may take.
const stateMaxAge = 10 * 60

// User is the authenticated identity returned by a provider.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Provider  string `json:"provider"`
}

// Provider runs the OAuth redirect flow.
type Provider interface {
	// BeginAuth redirects the browser to the provider named in the request path.
	BeginAuth(w http.ResponseWriter, r *http.Request)
	// CompleteAuth finishes the callback and returns the signed-in user.
	CompleteAuth(w http.ResponseWriter, r *http.Request) (User, error)
	// Has reports whether the named provider is configured.
	Has(name string) bool
}

// Config configures GothProvider.
type Config struct {
	PublicURL          string
	GoogleClientID     string
	GoogleClientSecret string
	SessionSecret      string
	SecureCookies      bool

	// providers overrides the provider list; used in tests.
	providers []goth.Provider
}

// GothProvider implements Provider with goth. OAuth state lives in a signed
// gorilla/sessions cookie.
type GothProvider struct {
	names  map[string]struct{}
	logger *slog.Logger
}

// NewGothProvider registers the configured providers with goth.
// Google is enabled when both client ID and secret are set.
//
// goth and gothic keep their provider list and session store in package
// variables, so NewGothProvider replaces both. Call it once per process.
func NewGothProvider(cfg Config, logger *slog.Logger) (*GothProvider, error) {
	if cfg.SessionSecret == "" {
		return nil, ErrMissingSessionSecret
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimRight(cfg.PublicURL, "/")
	providers := cfg.providers
	if providers == nil && cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		providers = append(providers, google.New(
			cfg.GoogleClientID,
			cfg.GoogleClientSecret,
			base+"/auth/google/callback",
			"email", "profile",
		))
	}

	goth.ClearProviders()
	goth.UseProviders(providers...)

	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   stateMaxAge,
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	gothic.Store = store
	gothic.GetProviderName = providerFromPath

	names := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		names[p.Name()] = struct{}{}
	}
	return &GothProvider{names: names, logger: logger}, nil
}

// providerFromPath reads the {provider} path value set by http.ServeMux.
func providerFromPath(r *http.Request) (string, error) {
	if name := r.PathValue("provider"); name != "" {
		return name, nil
	}
	if name := r.URL.Query().Get("provider"); name != "" {
		return name, nil
	}
	return "", ErrUnknownProvider
}

// Names returns the configured provider names in sorted order.
func (p *GothProvider) Names() []string {
	out := make([]string, 0, len(p.names))
	for name := range p.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the named provider is configured.
func (p *GothProvider) Has(name string) bool {
	_, ok := p.names[name]
	return ok
}

// BeginAuth redirects to the provider's consent page.
func (p *GothProvider) BeginAuth(w http.ResponseWriter, r *http.Request) {
	gothic.BeginAuthHandler(w, r)
}

// CompleteAuth exchanges the callback code for the provider's user profile.
func (p *GothProvider) CompleteAuth(w http.ResponseWriter, r *http.Request) (User, error) {
	gu, err := gothic.CompleteUserAuth(w, r)
	if err != nil {
		p.logger.WarnContext(r.Context(), "oauth callback failed", "error", err)
		return User{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	// The OAuth state cookie is single-use.
	if err := gothic.Logout(w, r); err != nil {
		p.logger.DebugContext(r.Context(), "failed to clear oauth state", "error", err)
	}
	return userFromGoth(gu), nil
}

func userFromGoth(gu goth.User) User {
	id := gu.UserID
	if id == "" {
		id = gu.Email
	} else if gu.Provider != "" {
		id = gu.Provider + ":" + gu.UserID
	}

	name := gu.Name
	if name == "" {
		name = strings.TrimSpace(gu.FirstName + " " + gu.LastName)
	}
	if name == "" {
		name = gu.NickName
	}

	return User{
		ID:        id,
		Email:     gu.Email,
		Name:      name,
		AvatarURL: gu.AvatarURL,
		Provider:  gu.Provider,
	}
}
