package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics owns the process registry. Request, archive, and auth metrics are
// native prometheus collectors; bus publish and ledger latency are recorded
// through an otel meter whose prometheus exporter writes to the same
// registry, so a single /metrics scrape covers both.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	apiRequests      *prometheus.CounterVec
	apiLatency       *prometheus.HistogramVec
	bestScore        prometheus.Gauge
	archiveMean      prometheus.Gauge
	lineageDepth     prometheus.Gauge
	authRejections   prometheus.Counter
	broadcastDropped prometheus.Counter
	busDegraded      prometheus.Gauge

	busPublish metric.Int64Counter
	ledgerLog  metric.Float64Histogram
}

// NewMetrics creates a registry with process and Go collectors plus the
// insight metrics.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "HTTP requests served, by method, route, and status",
		}, []string{"method", "route", "status"}),
		apiLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		bestScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dgm_best_score",
			Help: "Best effectiveness in the archive of the most recent generation",
		}),
		archiveMean: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dgm_archive_mean",
			Help: "Mean effectiveness over the archive",
		}),
		lineageDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dgm_lineage_depth",
			Help: "Deepest lineage in the archive",
		}),
		authRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "bus_auth_rejections_total",
			Help: "Peer connections rejected for a bad bus token",
		}),
		broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_broadcast_dropped_total",
			Help: "Ledger records not broadcast because the queue was full",
		}),
		busDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bus_degraded",
			Help: "1 while the bus refuses publishes after repeated delivery failures",
		}),
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	m.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := m.provider.Meter("insight")

	m.busPublish, err = meter.Int64Counter(
		"bus.publish",
		metric.WithDescription("Bus publish attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus_publish counter: %w", err)
	}
	m.ledgerLog, err = meter.Float64Histogram(
		"ledger.log",
		metric.WithDescription("Ledger append latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger_log histogram: %w", err)
	}
	return m, nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the otel meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(route).Observe(d.Seconds())
}

// SetArchive updates the dgm gauges.
func (m *Metrics) SetArchive(bestScore, archiveMean float64, lineageDepth int) {
	if m == nil {
		return
	}
	m.bestScore.Set(bestScore)
	m.archiveMean.Set(archiveMean)
	m.lineageDepth.Set(float64(lineageDepth))
}

// PublishObserved counts one bus publish.
func (m *Metrics) PublishObserved(outcome string) {
	if m == nil {
		return
	}
	m.busPublish.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AuthRejected counts one rejected peer.
func (m *Metrics) AuthRejected() {
	if m == nil {
		return
	}
	m.authRejections.Inc()
}

// DegradedChanged mirrors the bus degraded flag.
func (m *Metrics) DegradedChanged(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.busDegraded.Set(1)
	} else {
		m.busDegraded.Set(0)
	}
}

// ObserveLog records ledger append latency; failed appends are tagged.
func (m *Metrics) ObserveLog(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ledgerLog.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// BroadcastDropped counts one dropped ledger broadcast.
func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}
