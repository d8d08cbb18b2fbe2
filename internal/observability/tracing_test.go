package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingFromEndpoint(t *testing.T) {
	cfg := TracingFromEndpoint("", "dev")
	assert.False(t, cfg.Enabled)

	cfg = TracingFromEndpoint("http://collector:4318", "dev")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "otlp", cfg.Exporter)

	cfg = TracingFromEndpoint("http://zipkin:9411/api/v2/spans", "dev")
	assert.Equal(t, "zipkin", cfg.Exporter)
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{})
	require.NoError(t, err)

	_, span := tp.Tracer().Start(context.Background(), SpanRun)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}

func TestZipkinProviderStartsRealSpans(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "zipkin", Endpoint: "http://127.0.0.1:1/api/v2/spans"})
	require.NoError(t, err)

	_, span := tp.Tracer().Start(context.Background(), SpanHTTPServer)
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tp.Shutdown(ctx)
}
