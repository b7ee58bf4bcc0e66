// Package tracing provides OpenTelemetry tracer setup and span helpers.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter types.
const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// exporterTimeout bounds exporter construction.
const exporterTimeout = 10 * time.Second

var (
	// ErrMissingServiceName is returned when tracing is enabled without a service name.
	ErrMissingServiceName = errors.New("tracing service name is required")

	// ErrInvalidSamplingRate is returned for a rate outside [0, 1].
	ErrInvalidSamplingRate = errors.New("tracing sampling rate must be between 0 and 1")

	// ErrUnsupportedExporter is returned for an unknown exporter type.
	ErrUnsupportedExporter = errors.New("unsupported tracing exporter")
)

// Config holds the configuration for distributed tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	Environment    string

	// ExporterType is ExporterOTLPHTTP (default) or ExporterOTLPGRPC.
	ExporterType string
	OTLPEndpoint string

	// SamplingRate is the fraction of new traces to sample. Spans with a
	// sampled remote parent are always kept.
	SamplingRate float64

	// InsecureMode disables TLS for the OTLP connection (dev only).
	InsecureMode bool
}

// Validate checks an enabled config. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w, got %f", ErrInvalidSamplingRate, c.SamplingRate)
	}
	switch c.ExporterType {
	case ExporterOTLPGRPC, ExporterOTLPHTTP, "":
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedExporter, c.ExporterType)
	}
	return nil
}

// Provider manages the OpenTelemetry tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	config Config
	logger *slog.Logger
}

// NewProvider creates and installs the global tracer provider and W3C
// propagator. A disabled config returns a no-op Provider.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{config: cfg, logger: logger}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if cfg.ExporterType == ExporterOTLPGRPC {
		exporter, err = createOTLPGRPCExporter(cfg)
	} else {
		exporter, err = createOTLPHTTPExporter(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		"service", cfg.ServiceName,
		"exporter", cfg.ExporterType,
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
		"environment", cfg.Environment,
	)

	return &Provider{tp: tp, config: cfg, logger: logger}, nil
}

// sampler respects the caller's sampling decision and samples new roots at rate.
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch rate {
	case 1:
		root = sdktrace.AlwaysSample()
	case 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func createOTLPHTTPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterTimeout)
	defer cancel()
	return otlptracehttp.New(ctx, opts...)
}

func createOTLPGRPCExporter(cfg Config) (sdktrace.SpanExporter, error) {
	var opts []otlptracegrpc.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterTimeout)
	defer cancel()
	return otlptracegrpc.New(ctx, opts...)
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if p.logger != nil {
		p.logger.Info("shutting down tracer provider")
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a tracer for the given name.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled returns whether tracing is enabled.
func (p *Provider) IsEnabled() bool {
	return p.config.Enabled
}
