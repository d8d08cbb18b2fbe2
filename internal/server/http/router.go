// Package http serves the insight API over gin.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"insight/internal/bus"
	"insight/internal/ledger"
	"insight/internal/ratelimit"
	"insight/internal/server/app"
	"insight/internal/shared/logging"
)

// BusControl is the part of the bus the operator endpoints use.
type BusControl interface {
	State() bus.LinkState
	Reset() bus.LinkState
}

// LedgerReader serves ledger tail queries.
type LedgerReader interface {
	Tail(ctx context.Context, n int) ([]ledger.Record, error)
}

// RouterConfig is the HTTP policy.
type RouterConfig struct {
	Token       string
	RateLimit   int
	RateWindow  time.Duration
	CORSOrigins []string
}

// RouterDeps are the collaborators behind the handlers. Only Coordinator is
// required.
type RouterDeps struct {
	Coordinator *app.RunCoordinator
	Health      *app.HealthCheckerImpl
	Bus         BusControl
	Ledger      LedgerReader
	Limiter     *ratelimit.FixedWindow
	Metrics     RequestObserver
	MetricsHTTP http.Handler
	Tracer      trace.Tracer
	Logger      logging.Logger
}

// NewRouter builds the API engine. Policy runs in this order: recovery,
// request log, metrics, tracing, CORS, auth, rate limit. /metrics and
// /healthz skip auth and rate limiting.
func NewRouter(cfg RouterConfig, deps RouterDeps) *gin.Engine {
	logger := logging.OrNop(deps.Logger)
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewFixedWindow(cfg.RateLimit, cfg.RateWindow, ratelimit.WithJanitorInterval(0))
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("insight/http")
	}
	if cfg.Token == "" {
		logger.Warn("API_TOKEN is empty; authentication is disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)

	engine.Use(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		MetricsMiddleware(deps.Metrics),
		TracingMiddleware(deps.Tracer),
	)
	if corsMW := CORSMiddleware(cfg.CORSOrigins, logger); corsMW != nil {
		engine.Use(corsMW)
	}

	h := &handler{
		coordinator: deps.Coordinator,
		health:      deps.Health,
		bus:         deps.Bus,
		ledger:      deps.Ledger,
		logger:      logger,
		tracer:      deps.Tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if len(cfg.CORSOrigins) > 0 {
		// Cross-origin handshakes were already vetted by the CORS middleware.
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	if deps.MetricsHTTP != nil {
		engine.GET("/metrics", gin.WrapH(deps.MetricsHTTP))
	}
	engine.GET("/healthz", h.healthz)

	api := engine.Group("/", AuthMiddleware(cfg.Token), RateLimitMiddleware(deps.Limiter))
	{
		api.POST("/simulate", h.simulate)
		api.GET("/results", h.latestResults)
		api.GET("/results/:id", h.results)
		api.GET("/population/:id", h.population)
		api.POST("/insight", h.insight)
		api.GET("/runs", h.runs)
		api.POST("/bus/reset", h.busReset)
		api.GET("/ledger/tail", h.ledgerTail)
		api.GET(wsProgressRoute, h.progress)
	}

	engine.NoRoute(func(c *gin.Context) {
		writeProblem(c, newProblem(http.StatusNotFound, "no such route"))
	})
	return engine
}
