package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"insight/internal/agents"
	"insight/internal/alert"
	apperrors "insight/internal/errors"
	"insight/internal/bus"
	"insight/internal/ledger"
	"insight/internal/observability"
	"insight/internal/ratelimit"
	"insight/internal/server/app"
	serverHTTP "insight/internal/server/http"
	"insight/internal/shared/config"
	"insight/internal/shared/logging"
	"insight/internal/simulation"
)

// alertCooldown suppresses repeated degradation alerts.
const alertCooldown = 5 * time.Minute

// Version is reported to the tracing backend.
var Version = "dev"

// Container holds every long-lived component of the server process.
type Container struct {
	Config      config.Config
	Metrics     *observability.Metrics
	Tracing     *observability.TracerProvider
	Ledger      *ledger.Ledger
	Bus         *bus.Bus
	Redis       *bus.RedisTransport
	Listener    *bus.Listener
	Agents      *agents.Runtime
	Registry    *app.JobRegistry
	Coordinator *app.RunCoordinator
	Health      *app.HealthCheckerImpl
	Limiter     *ratelimit.FixedWindow
	Router      *gin.Engine
	Degraded    *DegradedComponents

	simulator simulation.Simulator
	chat      agents.ChatModel
	logger    logging.Logger
}

// ContainerOption customizes BuildContainer.
type ContainerOption func(*Container)

// WithSimulator replaces the default simulator.
func WithSimulator(sim simulation.Simulator) ContainerOption {
	return func(c *Container) { c.simulator = sim }
}

// WithChatModel replaces the configured chat model.
func WithChatModel(chat agents.ChatModel) ContainerOption {
	return func(c *Container) { c.chat = chat }
}

// BuildContainer constructs components in dependency order. Required
// stages abort the build; optional ones are recorded in Degraded.
func BuildContainer(ctx context.Context, cfg config.Config, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		Config:    cfg,
		Degraded:  NewDegradedComponents(),
		simulator: simulation.NewDefault(),
		logger:    logging.NewComponentLogger("bootstrap"),
	}
	for _, opt := range opts {
		opt(c)
	}

	var anchor *ledger.WebhookAnchor
	router := bus.NewRouter()

	stages := []BootstrapStage{
		{Name: "metrics", Required: true, Init: func() error {
			m, err := observability.NewMetrics()
			c.Metrics = m
			return err
		}},
		{Name: "tracing", Init: func() error {
			tp, err := observability.NewTracerProvider(observability.TracingFromEndpoint(cfg.OTelEndpoint, Version))
			if err != nil {
				c.Tracing, _ = observability.NewTracerProvider(observability.TracingConfig{})
				return err
			}
			c.Tracing = tp
			return nil
		}},
		{Name: "ledger-anchor", Init: func() error {
			if !cfg.Ledger.Broadcast || cfg.Ledger.AnchorURL == "" {
				return nil
			}
			a, err := ledger.NewWebhookAnchor(ledger.AnchorConfig{URL: cfg.Ledger.AnchorURL})
			anchor = a
			return err
		}},
		{Name: "ledger", Required: true, Init: func() error {
			opts := ledger.Options{Path: cfg.Ledger.Path, Metrics: c.Metrics, Logger: logging.NewComponentLogger("ledger")}
			if anchor != nil {
				opts.Broadcaster = anchor
			}
			l, err := ledger.Open(ctx, opts)
			if err != nil {
				return err
			}
			if anchor != nil {
				anchor.RootFunc = l.RootAt
			}
			c.Ledger = l
			return nil
		}},
		// An unreachable broker or peer leaves a local-only bus.
		{Name: "bus", Required: true, Init: func() error {
			transport, linkErr := c.buildTransport(ctx, router)
			b, err := bus.New(c.linkConfig(), c.busOptions(router, transport)...)
			if err != nil {
				if transport != nil {
					_ = transport.Close()
				}
				return err
			}
			c.Bus = b
			if cfg.Bus.Listen {
				c.Listener = bus.NewListener(b)
			}
			if linkErr != nil {
				return &apperrors.DegradedError{Err: linkErr, Message: "bus transport unavailable: " + linkErr.Error()}
			}
			return nil
		}},
		{Name: "agents", Required: true, Init: func() error {
			chat := c.chat
			if chat == nil {
				chat = agents.NewChatModel(agents.ModelConfig{
					Provider:     cfg.Model.Provider,
					Model:        cfg.Model.Name,
					Temperature:  cfg.Model.Temperature,
					OpenAIKey:    cfg.Model.OpenAIKey,
					AnthropicKey: cfg.Model.AnthropicKey,
					Offline:      cfg.Offline,
				})
			}
			reports := logging.NewComponentLogger("orchestrator")
			members := append(agents.Pipeline(chat, c.Bus), agents.NewOrchestratorSink(func(runID, content any) {
				reports.Info("market report for %v: %v", runID, content)
			}))
			c.Agents = agents.NewRuntime(c.Bus, logging.NewComponentLogger("agents"), members...)
			return nil
		}},
		{Name: "jobs", Required: true, Init: func() error {
			c.Registry = app.NewJobRegistry(cfg.MaxRuns)
			c.Coordinator = app.NewRunCoordinator(c.Registry, c.simulator, app.NewProgressBroadcaster(0),
				app.WithPublisher(c.Bus),
				app.WithRunMetrics(c.Metrics),
				app.WithTracer(c.Tracing.Tracer()),
				app.WithDefaultSeed(cfg.Seed),
			)
			return nil
		}},
		{Name: "http", Required: true, Init: func() error {
			c.Health = app.NewHealthChecker()
			c.Health.RegisterProbe(app.NewBusProbe(c.Bus))
			c.Health.RegisterProbe(app.NewLedgerProbe(c.Ledger))
			c.Health.RegisterProbe(app.NewDegradedProbe(c.Degraded))

			c.Limiter = ratelimit.NewFixedWindow(cfg.API.RateLimit, cfg.API.RateWindow)
			c.Router = serverHTTP.NewRouter(
				serverHTTP.RouterConfig{
					Token:       cfg.API.Token,
					RateLimit:   cfg.API.RateLimit,
					RateWindow:  cfg.API.RateWindow,
					CORSOrigins: cfg.API.CORSOrigins,
				},
				serverHTTP.RouterDeps{
					Coordinator: c.Coordinator,
					Health:      c.Health,
					Bus:         c.Bus,
					Ledger:      c.Ledger,
					Limiter:     c.Limiter,
					Metrics:     c.Metrics,
					MetricsHTTP: c.Metrics.Handler(),
					Tracer:      c.Tracing.Tracer(),
					Logger:      logging.NewComponentLogger("http"),
				},
			)
			return nil
		}},
	}

	if err := RunStages(stages, c.Degraded, c.logger); err != nil {
		_ = c.Shutdown(context.Background())
		return nil, err
	}
	if !c.Degraded.IsEmpty() {
		c.logger.Warn("[Bootstrap] starting in degraded mode: %v", c.Degraded.Map())
	}
	return c, nil
}

func (c *Container) linkConfig() bus.LinkConfig {
	return bus.LinkConfig{
		Port:          c.Config.Bus.Port,
		CertFile:      c.Config.Bus.CertFile,
		KeyFile:       c.Config.Bus.KeyFile,
		Token:         c.Config.Bus.Token,
		FailLimit:     c.Config.Bus.FailLimit,
		AllowInsecure: c.Config.Bus.AllowInsecure,
		Environment:   c.Config.Environment,
	}
}

func (c *Container) busOptions(router *bus.Router, transport bus.Transport) []bus.Option {
	opts := []bus.Option{
		bus.WithRouter(router),
		bus.WithLedger(c.Ledger),
		bus.WithMetrics(c.Metrics),
		bus.WithLogger(logging.NewComponentLogger("bus")),
	}
	if transport != nil {
		opts = append(opts, bus.WithTransport(transport))
	}
	if url := c.Config.AlertWebhookURL; url != "" {
		notifier := alert.NewNotifier(alertCooldown, logging.NewComponentLogger("alert"), alert.NewWebhookAlerter(url))
		opts = append(opts, bus.WithAlerter(notifier))
	}
	return opts
}

// buildTransport picks the broker when configured, else the peer link. A
// process with neither delivers locally only.
func (c *Container) buildTransport(ctx context.Context, router *bus.Router) (bus.Transport, error) {
	cfg := c.Config.Bus
	if cfg.BrokerURL != "" {
		if cfg.PeerURL != "" {
			c.logger.Warn("both broker_url and bus_peer_url are set; using the broker")
		}
		redis, err := bus.NewRedisTransport(ctx, cfg.BrokerURL, router, logging.NewComponentLogger("bus-broker"))
		if err != nil {
			return nil, err
		}
		c.Redis = redis
		return redis, nil
	}
	if cfg.PeerURL == "" {
		return nil, nil
	}
	peerCfg := bus.PeerConfig{URL: cfg.PeerURL, Token: cfg.Token, Logger: logging.NewComponentLogger("bus-peer")}
	if strings.HasPrefix(cfg.PeerURL, "wss://") && cfg.CertFile != "" {
		tlsCfg, err := bus.ClientTLS(cfg.CertFile)
		if err != nil {
			return nil, err
		}
		peerCfg.TLS = tlsCfg
	}
	peer, err := bus.NewPeerTransport(peerCfg)
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// Shutdown releases components in reverse dependency order. It is safe on
// a partially built container.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.Coordinator != nil {
		done := make(chan struct{})
		go func() {
			c.Coordinator.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("in-flight runs did not finish before shutdown; cancelling")
			c.Coordinator.Cancel()
			<-done
		}
	}
	if c.Agents != nil {
		c.Agents.Stop()
		if err := c.Agents.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("agents: %w", err))
		}
	}
	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if c.Ledger != nil {
		if err := c.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
	}
	if c.Limiter != nil {
		c.Limiter.Stop()
	}
	if c.Tracing != nil {
		if err := c.Tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
