package http

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "insight/internal/errors"
	"insight/internal/observability"
	"insight/internal/ratelimit"
	"insight/internal/shared/httpauth"
	"insight/internal/shared/logging"
)

// wsProgressRoute accepts its token as a query parameter because browsers
// cannot set headers on websocket handshakes.
const wsProgressRoute = "/ws/progress"

// RequestObserver records per-request metrics.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// RecoveryMiddleware converts panics into a 500 problem.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.Error("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		writeProblem(c, newProblem(http.StatusInternalServerError, ""))
	})
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s) from %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond), c.ClientIP())
	}
}

// MetricsMiddleware records request counts and latency by route template.
func MetricsMiddleware(obs RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if obs == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		obs.ObserveRequest(c.Request.Method, routeLabel(c), c.Writer.Status(), time.Since(start))
	}
}

// TracingMiddleware opens one server span per request.
func TracingMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracer == nil {
			c.Next()
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), observability.SpanHTTPServer,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", c.Request.Method)),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.String(observability.AttrRoute, routeLabel(c)),
			attribute.Int(observability.AttrStatus, status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// CORSMiddleware echoes allowed origins and rejects others with 403. An
// empty list installs nothing, leaving cross-origin browsers blocked. "*"
// allows every origin.
func CORSMiddleware(origins []string, logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range origins {
		switch {
		case origin == "*":
			cfg.AllowAllOrigins = true
		case strings.HasPrefix(origin, "http://"), strings.HasPrefix(origin, "https://"):
			cfg.AllowOrigins = append(cfg.AllowOrigins, strings.TrimRight(origin, "/"))
		default:
			logger.Warn("ignoring CORS origin without scheme: %q", origin)
		}
	}
	if cfg.AllowAllOrigins {
		cfg.AllowOrigins = nil
	} else if len(cfg.AllowOrigins) == 0 {
		return nil
	}
	return cors.New(cfg)
}

// AuthMiddleware requires the bearer token on every route it wraps. An
// empty token disables the check.
func AuthMiddleware(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		presented := httpauth.BearerToken(c.GetHeader("Authorization"))
		if presented == "" && c.FullPath() == wsProgressRoute {
			presented = strings.TrimSpace(c.Query("token"))
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(c, apperrors.ErrAuth, nil)
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware admits a fixed number of requests per window per
// client IP.
func RateLimitMiddleware(limiter *ratelimit.FixedWindow) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter.Admit("ip:" + c.ClientIP()) {
			c.Next()
			return
		}
		writeError(c, apperrors.RateLimited(limiter.Window()), nil)
	}
}
