package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"insight/internal/shared/config"
	"insight/internal/shared/logging"
)

const shutdownTimeout = 10 * time.Second

// ServerOptions configures RunServer.
type ServerOptions struct {
	ConfigFile string
	Loader     *config.Loader
}

// RunServer loads configuration, builds the container, and serves until
// SIGINT/SIGTERM or ctx is cancelled.
func RunServer(ctx context.Context, opts ServerOptions) error {
	loader := opts.Loader
	if loader == nil {
		var loaderOpts []config.LoaderOption
		if opts.ConfigFile != "" {
			loaderOpts = append(loaderOpts, config.WithConfigFile(opts.ConfigFile))
		}
		loader = config.NewLoader(loaderOpts...)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Configure(logging.Options{JSON: cfg.Logging.JSON, Level: cfg.Logging.Level})
	logger := logging.NewComponentLogger("server")
	LogServerConfiguration(logger, cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := BuildContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return Serve(ctx, container, loader, logger)
}

// Serve runs the HTTP server and every background loop of c until ctx is
// done, then shuts c down.
func Serve(ctx context.Context, c *Container, loader *config.Loader, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	g, gctx := errgroup.WithContext(ctx)

	if err := c.Agents.Start(gctx); err != nil {
		_ = c.Shutdown(context.Background())
		return fmt.Errorf("start agents: %w", err)
	}

	server := &http.Server{
		Addr:              c.Config.API.Addr,
		Handler:           c.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if c.Listener != nil {
		g.Go(func() error {
			logger.Info("Bus listener on port %d", c.Config.Bus.Port)
			return c.Listener.ListenAndServe(gctx)
		})
	}
	if c.Redis != nil {
		g.Go(func() error { return c.Redis.Consume(gctx) })
	}
	if interval := c.Config.Bus.ProbeInterval; interval > 0 {
		g.Go(func() error {
			c.Bus.StartProber(gctx, interval)
			return nil
		})
	}
	if loader != nil && c.Config.ConfigFile != "" {
		err := loader.Watch(gctx, c.Config.ConfigFile, func(next config.Config) {
			// Only the log level is applied live; other keys need a restart.
			logging.Configure(logging.Options{JSON: next.Logging.JSON, Level: next.Logging.Level})
			logger.Info("Configuration reloaded from %s", next.ConfigFile)
		})
		if err != nil {
			logger.Warn("Config watch disabled: %v", err)
		}
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown: %v", err)
	}
	logger.Info("Server stopped")
	return runErr
}
