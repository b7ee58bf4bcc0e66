package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/nextstack/internal/idempotency"
	"github.com/onnwee/nextstack/internal/middleware"
)

// ServiceName identifies the service in spans and the root response.
const ServiceName = "nextstack-api"

// RouterConfig wires the handlers and shared middleware into one mux.
type RouterConfig struct {
	Webhook *WebhookHandlers
	Payment *PaymentHandlers
	Email   *EmailHandlers
	Auth    *AuthHandlers // nil disables the /auth routes
	Health  *HealthHandlers

	Tokens      middleware.TokenValidator
	RateStore   middleware.RateLimitStore
	Idempotency idempotency.Repository

	CheckoutLimit middleware.RateLimitConfig
	EmailLimit    middleware.RateLimitConfig
	AuthLimit     middleware.RateLimitConfig

	Metrics  *middleware.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics

	CORS      middleware.CORSConfig
	Profiling middleware.ProfilingConfig
	Tracing   bool

	Logger *slog.Logger
}

// NewRouter returns the full HTTP handler:
// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> Profiling -> Authenticate -> mux.
// The webhook route is authenticated by its signature only and sits outside
// rate limiting and idempotency.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/stripe/webhook", cfg.Webhook.HandleStripeWebhook)

	userLimited := func(limit middleware.RateLimitConfig, h http.Handler) http.Handler {
		return middleware.RateLimiter(cfg.RateStore, limit, middleware.UserKeyFunc(), cfg.Metrics)(h)
	}

	checkout := http.Handler(http.HandlerFunc(cfg.Payment.CreateCheckout))
	if cfg.Idempotency != nil {
		checkout = middleware.Idempotency(cfg.Idempotency, map[string]bool{"/api/stripe/checkout": true}, cfg.Metrics)(checkout)
	}
	mux.Handle("POST /api/stripe/checkout", middleware.RequireUser(userLimited(cfg.CheckoutLimit, checkout)))
	mux.Handle("GET /api/payments", middleware.RequireUser(http.HandlerFunc(cfg.Payment.ListPayments)))
	mux.Handle("POST /api/send-email", middleware.RequireUser(userLimited(cfg.EmailLimit, http.HandlerFunc(cfg.Email.SendEmail))))

	if cfg.Auth != nil {
		ipLimited := func(h http.HandlerFunc) http.Handler {
			return middleware.RateLimiter(cfg.RateStore, cfg.AuthLimit, middleware.IPKeyFunc(), cfg.Metrics)(h)
		}
		mux.HandleFunc("GET /auth/session", cfg.Auth.Session)
		mux.HandleFunc("POST /auth/signout", cfg.Auth.SignOut)
		mux.Handle("GET /auth/{provider}", ipLimited(cfg.Auth.BeginAuth))
		mux.Handle("GET /auth/{provider}/callback", ipLimited(cfg.Auth.Callback))
	}

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r.Context(), http.StatusOK, map[string]string{"service": ServiceName})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	if cfg.Tokens != nil {
		handler = middleware.Authenticate(cfg.Tokens)(handler)
	}
	handler = middleware.Profiling(cfg.Profiling, logger)(handler)
	handler = middleware.CORS(cfg.CORS)(handler)
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if cfg.Tracing {
		handler = middleware.Tracing(ServiceName)(handler)
	}
	return middleware.RequestID(handler)
}
