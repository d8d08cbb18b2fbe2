package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracingFromEndpoint enables tracing when endpoint is set. Endpoints that
// look like a zipkin collector (…/api/v2/spans) use the zipkin exporter;
// everything else is treated as an OTLP/HTTP collector.
func TracingFromEndpoint(endpoint, serviceVersion string) TracingConfig {
	endpoint = strings.TrimSpace(endpoint)
	cfg := TracingConfig{
		Enabled:        endpoint != "",
		Exporter:       "otlp",
		Endpoint:       endpoint,
		ServiceName:    "insight",
		ServiceVersion: serviceVersion,
	}
	if strings.Contains(endpoint, "/api/v2/spans") {
		cfg.Exporter = "zipkin"
	}
	return cfg
}

// TracerProvider wraps OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider. A disabled config yields
// a noop tracer and installs nothing globally.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("insight"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "insight"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "", "otlp":
		opts := []otlptracehttp.Option{}
		switch {
		case config.Endpoint == "":
			opts = append(opts, otlptracehttp.WithEndpoint("localhost:4318"), otlptracehttp.WithInsecure())
		case strings.Contains(config.Endpoint, "://"):
			opts = append(opts, otlptracehttp.WithEndpointURL(config.Endpoint))
		default:
			opts = append(opts, otlptracehttp.WithEndpoint(config.Endpoint), otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(context.Background(), opts...)
	case "zipkin":
		endpoint := config.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("insight"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp != nil && tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	if tp == nil || tp.tracer == nil {
		return noop.NewTracerProvider().Tracer("insight")
	}
	return tp.tracer
}

// Common span names
const (
	SpanHTTPServer = "insight.http.request"
	SpanRun        = "insight.run"
	SpanProgressWS = "insight.ws.progress"
)

// Common attribute keys
const (
	AttrRunID  = "insight.run_id"
	AttrRoute  = "http.route"
	AttrStatus = "http.status_code"
)

// RunAttrs creates run attributes
func RunAttrs(runID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrRunID, runID)}
}
