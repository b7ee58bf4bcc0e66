// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/nextstack/internal/api"
	"github.com/onnwee/nextstack/internal/auth"
	"github.com/onnwee/nextstack/internal/config"
	"github.com/onnwee/nextstack/internal/db"
	"github.com/onnwee/nextstack/internal/health"
	"github.com/onnwee/nextstack/internal/idempotency"
	"github.com/onnwee/nextstack/internal/identity"
	"github.com/onnwee/nextstack/internal/mail"
	"github.com/onnwee/nextstack/internal/middleware"
	"github.com/onnwee/nextstack/internal/payment"
	"github.com/onnwee/nextstack/internal/tracing"
	"github.com/onnwee/nextstack/internal/webhook"
)

const (
	shutdownTimeout      = 10 * time.Second
	storeCleanupInterval = time.Minute
	idempotencySweep     = time.Hour
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "optional YAML config file; environment variables take precedence")
	flag.Parse()

	if *help {
		fmt.Println("NextStack API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, errs := config.Load(configPath)
	if cfg == nil {
		return errors.Join(errs...)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		return errors.New("configuration is invalid")
	}
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  api.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.TracingInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownWithTimeout(logger, "tracer provider", tp.Shutdown)

	svc, closeServices, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeServices()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, recorder, err := newHandler(ctx, cfg, svc, registry, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, server, logger, shutdownTimeout, func(ctx context.Context) {
		recorder.Stats().LogSummary(ctx, logger, "payments")
	})
}

// services are the collaborators backed by external connections.
type services struct {
	payments payment.Repository
	dbCheck  health.Checker
	redis    *redis.Client // nil without REDIS_URL
	mailer   mail.Mailer   // nil without SMTP_HOST
}

// connect opens the database and optional Redis and SMTP collaborators.
// The returned func closes them.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services, func(), error) {
	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolConfig())
	if err != nil {
		return services{}, nil, err
	}
	closers := []func() error{conn.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("failed to close connection", "error", err)
			}
		}
	}

	repo := payment.NewPostgresRepository(conn, logger)
	if err := repo.EnsureSchema(ctx); err != nil {
		closeAll()
		return services{}, nil, fmt.Errorf("payments schema: %w", err)
	}

	svc := services{
		payments: repo,
		dbCheck:  health.NewDBChecker(conn),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return services{}, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		svc.redis = redis.NewClient(opts)
		closers = append(closers, svc.redis.Close)
		if err := svc.redis.Ping(ctx).Err(); err != nil {
			// The stores fail open; readiness reports the outage.
			logger.Warn("redis unreachable at startup", "error", err)
		}
	}

	if cfg.SMTPHost != "" {
		svc.mailer = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Secure:   cfg.SMTPSecure,
		}, logger)
	} else {
		logger.Warn("SMTP_HOST not set, transactional email disabled")
	}

	return svc, closeAll, nil
}

// newHandler wires every collaborator into the HTTP router and returns it
// with the payment recorder, whose counters are reported at shutdown.
// Background sweepers for in-memory stores stop when ctx is done.
func newHandler(ctx context.Context, cfg *config.Config, svc services, registry *prometheus.Registry, logger *slog.Logger) (http.Handler, *payment.Recorder, error) {
	httpMetrics := middleware.NewMetrics()
	webhookMetrics := webhook.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return nil, nil, fmt.Errorf("register http metrics: %w", err)
	}
	if err := webhookMetrics.Register(registry); err != nil {
		return nil, nil, fmt.Errorf("register webhook metrics: %w", err)
	}

	// Without a relay the send-email route still reports the failure;
	// payment confirmations are skipped entirely.
	mailer := svc.mailer
	if mailer == nil {
		mailer = mail.NewSMTPMailer(mail.SMTPConfig{}, logger)
	}
	notifier := mail.NewNotifier(mailer, logger)
	var confirmations payment.ConfirmationSender
	if svc.mailer != nil {
		confirmations = notifier
	}

	// Webhook pipeline.
	verifier, err := webhook.NewVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("webhook verifier ready", "tolerance", verifier.Tolerance())

	recorder := payment.NewRecorder(svc.payments, confirmations, logger)
	if err := recorder.Stats().Register(registry, "payments"); err != nil {
		return nil, nil, fmt.Errorf("register payment stats: %w", err)
	}
	dispatcher := webhook.NewDispatcher(webhookMetrics, logger)
	dispatcher.Handle(stripe.EventTypeCheckoutSessionCompleted, webhook.CheckoutCompletedHandler(recorder))
	dispatcher.Handle(stripe.EventTypePaymentIntentSucceeded, webhook.PaymentIntentSucceededHandler(logger))

	// Checkout.
	var checkout payment.CheckoutClient
	if cfg.PaymentsEnabled() {
		checkout = payment.NewStripeClient(cfg.StripeAPIKey, cfg.PublicURL)
	} else {
		logger.Warn("STRIPE_API_KEY not set, checkout disabled")
	}

	// Sessions and sign-in.
	tokens, err := auth.NewJWTService(cfg.SessionSecret, cfg.SessionSecretPrevious)
	if err != nil {
		return nil, nil, fmt.Errorf("session tokens: %w", err)
	}
	secureCookies := cfg.IsProduction()
	provider, err := identity.NewGothProvider(identity.Config{
		PublicURL:          cfg.PublicURL,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		SessionSecret:      cfg.SessionSecret,
		SecureCookies:      secureCookies,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("identity provider: %w", err)
	}
	logger.Info("identity providers configured", "providers", provider.Names())

	// Rate limiting and idempotency: Redis when configured, else in-memory.
	var (
		rateStore   middleware.RateLimitStore
		idemRepo    idempotency.Repository
		redisHealth health.Checker
	)
	if svc.redis != nil {
		rateStore = middleware.NewRedisRateLimitStore(svc.redis).WithMetrics(httpMetrics)
		idemRepo = idempotency.NewRedisRepository(svc.redis, idempotency.DefaultExpiry)
		redisHealth = health.NewRedisChecker(svc.redis)
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		go mem.RunCleanup(ctx, storeCleanupInterval)
		rateStore = mem

		memIdem := idempotency.NewInMemoryRepository()
		go idempotency.RunPeriodicCleanup(ctx, memIdem, idempotencySweep, idempotency.DefaultExpiry)
		idemRepo = memIdem
	}

	perMinute := func(n int) middleware.RateLimitConfig {
		return middleware.RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
	}

	handler := api.NewRouter(api.RouterConfig{
		Webhook: api.NewWebhookHandlers(verifier, dispatcher, webhookMetrics, logger),
		Payment: api.NewPaymentHandlers(checkout, svc.payments, logger),
		Email:   api.NewEmailHandlers(notifier, logger),
		Auth: api.NewAuthHandlers(provider, tokens, notifier, api.AuthHandlersConfig{
			PostLoginURL:    cfg.PublicURL + "/",
			SecureCookies:   secureCookies,
			WelcomeOnSignIn: cfg.WelcomeOnSignIn,
		}, logger),
		Health: api.NewHealthHandlers(map[string]health.Checker{
			"database": svc.dbCheck,
			"redis":    redisHealth,
		}),
		Tokens:        tokens,
		RateStore:     rateStore,
		Idempotency:   idemRepo,
		CheckoutLimit: perMinute(cfg.CheckoutRateLimit),
		EmailLimit:    perMinute(cfg.EmailRateLimit),
		AuthLimit:     perMinute(cfg.AuthRateLimit),
		Metrics:       httpMetrics,
		Gatherer:      registry,
		CORS:          middleware.DefaultCORSConfig(cfg.CORSOrigins),
		Profiling:     middleware.ProfilingConfig{Enabled: cfg.ProfilingEnabled, Environment: cfg.Env},
		Tracing:       cfg.TracingEnabled,
		Logger:        logger,
	})
	return handler, recorder, nil
}

// serve runs server until ctx is cancelled, then drains in-flight requests
// for up to timeout. afterStop hooks run once the server has stopped cleanly.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger, timeout time.Duration, afterStop ...func(context.Context)) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	for _, hook := range afterStop {
		hook(shutdownCtx)
	}
	return nil
}

func shutdownWithTimeout(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error("shutdown failed", "component", name, "error", err)
	}
}
