// Package auth issues and validates signed session tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeSession is the typ claim of browser session tokens.
const TokenTypeSession = "session"

// SessionTokenExpiry is the lifetime of a session token.
const SessionTokenExpiry = 30 * 24 * time.Hour

// SessionCookieName is the HttpOnly cookie that carries the session token.
const SessionCookieName = "nextstack_session"

// DefaultLeeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyUserID is returned when userID is empty.
var ErrEmptyUserID = errors.New("userID cannot be empty")

// ErrMissingSecret is returned when the signing secret is empty.
var ErrMissingSecret = errors.New("session secret is required")

// Identity is the signed-in user carried by a session token.
type Identity struct {
	UserID   string
	Email    string
	Name     string
	Provider string
}

// Claims represents the session token claims. Subject holds the user ID.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	Type     string `json:"typ"`
}

// Identity returns the user described by the claims.
func (c *Claims) Identity() Identity {
	return Identity{
		UserID:   c.Subject,
		Email:    c.Email,
		Name:     c.Name,
		Provider: c.Provider,
	}
}

// JWTService signs and validates session tokens.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	expiry         time.Duration
}

// NewJWTService creates a JWTService. previousSecret may be empty when no
// rotation is in progress.
func NewJWTService(currentSecret, previousSecret string) (*JWTService, error) {
	if currentSecret == "" {
		return nil, ErrMissingSecret
	}
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		expiry:        SessionTokenExpiry,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc, nil
}

// WithLeeway returns a copy of the service using the given clock-skew leeway.
func (s *JWTService) WithLeeway(leeway time.Duration) *JWTService {
	cp := *s
	cp.leeway = leeway
	return &cp
}

// WithExpiry returns a copy of the service issuing tokens with the given lifetime.
func (s *JWTService) WithExpiry(expiry time.Duration) *JWTService {
	cp := *s
	cp.expiry = expiry
	return &cp
}

// Expiry returns the lifetime of issued tokens.
func (s *JWTService) Expiry() time.Duration {
	return s.expiry
}

// GenerateSessionToken creates a session token for the identity.
func (s *JWTService) GenerateSessionToken(id Identity) (string, error) {
	if id.UserID == "" {
		return "", ErrEmptyUserID
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		Email:    id.Email,
		Name:     id.Name,
		Provider: id.Provider,
		Type:     TokenTypeSession,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a session token.
// Tries currentSecret first, then previousSecret if available.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	if s.previousSecret != nil {
		if claims, prevErr := s.parse(tokenString, s.previousSecret); prevErr == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != TokenTypeSession || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
