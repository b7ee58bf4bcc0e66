// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port      int    `koanf:"port"`
	Env       string `koanf:"env"`
	PublicURL string `koanf:"public_url"` // externally visible base URL for redirects

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Stripe
	StripeAPIKey           string        `koanf:"stripe_api_key"` // optional; checkout answers 503 without it
	StripeWebhookSecret    string        `koanf:"stripe_webhook_secret"`
	StripeWebhookTolerance time.Duration `koanf:"stripe_webhook_tolerance"`

	// Sessions
	SessionSecret         string `koanf:"session_secret"`
	SessionSecretPrevious string `koanf:"session_secret_previous"` // accepted during key rotation

	// Google sign-in (optional as a pair)
	GoogleClientID     string `koanf:"google_client_id"`
	GoogleClientSecret string `koanf:"google_client_secret"`

	// SMTP relay (optional; email is skipped when unset)
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from"`
	SMTPSecure   bool   `koanf:"smtp_secure"` // implicit TLS, usually port 465

	// Redis (optional; in-memory stores are used without it)
	RedisURL string `koanf:"redis_url"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingEndpoint     string  `koanf:"tracing_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// Per-minute request budgets
	CheckoutRateLimit int `koanf:"checkout_rate_limit"`
	EmailRateLimit    int `koanf:"email_rate_limit"`
	AuthRateLimit     int `koanf:"auth_rate_limit"`

	// HTTP surface
	CORSOrigins      []string `koanf:"cors_origins"`
	ProfilingEnabled bool     `koanf:"profiling_enabled"`
	WelcomeOnSignIn  bool     `koanf:"welcome_on_sign_in"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingSessionSecret       = errors.New("SESSION_SECRET is required")
	ErrShortSessionSecret         = errors.New("SESSION_SECRET must be at least 32 characters")
	ErrIncompleteGoogleConfig     = errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	ErrMissingSMTPFrom            = errors.New("SMTP_FROM is required when SMTP_HOST is set")
	ErrInvalidPublicURL           = errors.New("PUBLIC_URL must be an absolute http(s) URL")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidNumber              = errors.New("value must be a valid number")
	ErrInvalidSamplingRate        = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidRateLimit           = errors.New("rate limits must be positive")
)

// MinSessionSecretLength is the shortest accepted SESSION_SECRET.
const MinSessionSecretLength = 32

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultPublicURL              = "http://localhost:8080"
	DefaultSMTPPort               = 587
	DefaultTracingExporter        = "otlp-http"
	DefaultTracingSamplingRate    = 0.1
	DefaultCheckoutRateLimit      = 10
	DefaultEmailRateLimit         = 5
	DefaultAuthRateLimit          = 10
	DefaultStripeWebhookTolerance = 5 * time.Minute
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"NEXTSTACK_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if err != nil {
		collect(fmt.Errorf("%w: %w", ErrInvalidPort, err))
	}
	smtpPort, err := getEnvIntOrDefault("SMTP_PORT", k.Int("smtp_port"), DefaultSMTPPort)
	collect(err)
	checkoutLimit, err := getEnvIntOrDefault("CHECKOUT_RATE_LIMIT", k.Int("checkout_rate_limit"), DefaultCheckoutRateLimit)
	collect(err)
	emailLimit, err := getEnvIntOrDefault("EMAIL_RATE_LIMIT", k.Int("email_rate_limit"), DefaultEmailRateLimit)
	collect(err)
	authLimit, err := getEnvIntOrDefault("AUTH_RATE_LIMIT", k.Int("auth_rate_limit"), DefaultAuthRateLimit)
	collect(err)
	samplingRate, err := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k, "tracing_sampling_rate", DefaultTracingSamplingRate)
	collect(err)
	tolerance, err := getEnvDurationOrDefault("STRIPE_WEBHOOK_TOLERANCE", k.Duration("stripe_webhook_tolerance"), DefaultStripeWebhookTolerance)
	collect(err)

	cfg := &Config{
		Port:      port,
		Env:       getEnvOrDefaultMulti([]string{"NEXTSTACK_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		PublicURL: strings.TrimRight(getEnvOrDefault("PUBLIC_URL", k.String("public_url"), DefaultPublicURL), "/"),

		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),

		StripeAPIKey:           getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret:    getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		StripeWebhookTolerance: tolerance,

		SessionSecret:         getEnvOrKoanf("SESSION_SECRET", k, "session_secret"),
		SessionSecretPrevious: getEnvOrKoanf("SESSION_SECRET_PREVIOUS", k, "session_secret_previous"),

		GoogleClientID:     getEnvOrKoanf("GOOGLE_CLIENT_ID", k, "google_client_id"),
		GoogleClientSecret: getEnvOrKoanf("GOOGLE_CLIENT_SECRET", k, "google_client_secret"),

		SMTPHost:     getEnvOrKoanf("SMTP_HOST", k, "smtp_host"),
		SMTPPort:     smtpPort,
		SMTPUsername: getEnvOrKoanf("SMTP_USERNAME", k, "smtp_username"),
		SMTPPassword: getEnvOrKoanf("SMTP_PASSWORD", k, "smtp_password"),
		SMTPFrom:     getEnvOrKoanf("SMTP_FROM", k, "smtp_from"),
		SMTPSecure:   getEnvBool("SMTP_SECURE", k, "smtp_secure", smtpPort == 465),

		RedisURL: getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		TracingEnabled:      getEnvBool("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:     getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:     getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSamplingRate: samplingRate,
		TracingInsecure:     getEnvBool("TRACING_INSECURE", k, "tracing_insecure", false),

		CheckoutRateLimit: checkoutLimit,
		EmailRateLimit:    emailLimit,
		AuthRateLimit:     authLimit,

		CORSOrigins:      getEnvList("CORS_ORIGINS", k, "cors_origins"),
		ProfilingEnabled: getEnvBool("PROFILING_ENABLED", k, "profiling_enabled", false),
		WelcomeOnSignIn:  getEnvBool("WELCOME_ON_SIGN_IN", k, "welcome_on_sign_in", false),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// A zero from the file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault parses a float from env or file. Unlike the int
// helpers, an explicit 0 in the file is honored.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("90s", "5m") from env.
func getEnvDurationOrDefault(envKey string, koanfVal, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBool accepts true/1/yes/on and false/0/no/off. Unrecognized env
// values leave the file value or default in place.
func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		result = true
	case "false", "0", "no", "off":
		result = false
	}
	return result
}

// getEnvList reads a comma-separated env value or a YAML list.
func getEnvList(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	switch {
	case c.SessionSecret == "":
		errs = append(errs, ErrMissingSessionSecret)
	case len(c.SessionSecret) < MinSessionSecretLength:
		errs = append(errs, ErrShortSessionSecret)
	}

	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		errs = append(errs, ErrIncompleteGoogleConfig)
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		errs = append(errs, ErrMissingSMTPFrom)
	}

	if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ErrInvalidPublicURL)
	}

	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}
	if c.CheckoutRateLimit <= 0 || c.EmailRateLimit <= 0 || c.AuthRateLimit <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}

	return errs
}

// IsProduction reports whether Env names a production deployment.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(c.Env) {
	case "production", "prod":
		return true
	}
	return false
}

// PaymentsEnabled reports whether a Stripe API key is configured.
func (c *Config) PaymentsEnabled() bool { return c.StripeAPIKey != "" }

// GoogleEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" && c.GoogleClientSecret != "" }

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     strconv.Itoa(c.Port),
		"env":                      c.Env,
		"public_url":               c.PublicURL,
		"database_url":             maskDatabaseURL(c.DatabaseURL),
		"stripe_api_key":           maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":    maskStripeKey(c.StripeWebhookSecret),
		"stripe_webhook_tolerance": c.StripeWebhookTolerance.String(),
		"session_secret":           maskSecret(c.SessionSecret),
		"session_secret_previous":  maskSecret(c.SessionSecretPrevious),
		"google_client_id":         orNotSet(c.GoogleClientID),
		"google_client_secret":     maskSecret(c.GoogleClientSecret),
		"smtp_host":                orNotSet(c.SMTPHost),
		"smtp_port":                strconv.Itoa(c.SMTPPort),
		"smtp_username":            orNotSet(c.SMTPUsername),
		"smtp_password":            maskSecret(c.SMTPPassword),
		"smtp_from":                orNotSet(c.SMTPFrom),
		"smtp_secure":              strconv.FormatBool(c.SMTPSecure),
		"redis_url":                maskDatabaseURL(c.RedisURL),
		"tracing_enabled":          strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":         c.TracingExporter,
		"tracing_endpoint":         orNotSet(c.TracingEndpoint),
		"tracing_sampling_rate":    strconv.FormatFloat(c.TracingSamplingRate, 'f', -1, 64),
		"checkout_rate_limit":      strconv.Itoa(c.CheckoutRateLimit),
		"email_rate_limit":         strconv.Itoa(c.EmailRateLimit),
		"auth_rate_limit":          strconv.Itoa(c.AuthRateLimit),
		"cors_origins":             strings.Join(c.CORSOrigins, ","),
		"profiling_enabled":        strconv.FormatBool(c.ProfilingEnabled),
		"welcome_on_sign_in":       strconv.FormatBool(c.WelcomeOnSignIn),
	}
}

func orNotSet(s string) string {
	if s == "" {
		return "<not set>"
	}
	return s
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe key, preserving the prefix (sk_live_, whsec_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	// sk_live_..., sk_test_..., rk_live_...
	if parts := strings.SplitN(s, "_", 3); len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	// whsec_...
	if prefix, _, ok := strings.Cut(s, "_"); ok && prefix != "" {
		return prefix + "_****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://,
// redis://, rediss://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
