package bootstrap

import (
	"errors"
	"os"
	"strings"
	"time"

	"insight/internal/shared/config"
	"insight/internal/shared/logging"
)

// LogServerConfiguration prints a redacted snapshot of the runtime configuration.
func LogServerConfiguration(logger logging.Logger, cfg config.Config) {
	logger = logging.OrNop(logger)

	logger.Info("=== Server Configuration ===")
	if cfg.ConfigFile != "" {
		logger.Info("Config file: %s", cfg.ConfigFile)
		if info, err := os.Stat(cfg.ConfigFile); err == nil {
			logger.Info("Config mtime: %s", info.ModTime().UTC().Format(time.RFC3339))
		} else if errors.Is(err, os.ErrNotExist) {
			logger.Warn("Config file missing: %s", cfg.ConfigFile)
		}
	} else {
		logger.Info("Config file: (none; defaults and environment)")
	}

	logger.Info("Environment: %s", cfg.Environment)
	logger.Info("API address: %s", cfg.API.Addr)
	logger.Info("Offline: %t", cfg.Offline)
	logger.Info("LLM Provider: %s (model=%s)", cfg.Model.Provider, cfg.Model.Name)
	logger.Debug("Temperature: %.2f", cfg.Model.Temperature)
	logger.Debug("Context window: %d", cfg.Model.ContextWindow)
	logger.Debug("Provider key: %s", setOrNot(cfg.Model.OpenAIKey+cfg.Model.AnthropicKey))
	logger.Debug("API token: %s", setOrNot(cfg.API.Token))
	logger.Debug("HTTP rate limit: %d per %s", cfg.API.RateLimit, cfg.API.RateWindow)
	if len(cfg.API.CORSOrigins) > 0 {
		logger.Info("CORS origins: %s", strings.Join(cfg.API.CORSOrigins, ", "))
	}

	logger.Info("Bus: port=%d tls=%t listen=%t fail_limit=%d", cfg.Bus.Port, cfg.Bus.TLSEnabled(), cfg.Bus.Listen, cfg.Bus.FailLimit)
	logger.Debug("Bus token: %s", setOrNot(cfg.Bus.Token))
	switch {
	case cfg.Bus.BrokerURL != "":
		logger.Info("Bus transport: broker")
	case cfg.Bus.PeerURL != "":
		logger.Info("Bus transport: peer %s", cfg.Bus.PeerURL)
	default:
		logger.Info("Bus transport: local only")
	}
	if cfg.Bus.AllowInsecure {
		logger.Warn("Bus TLS is not required (allow_insecure)")
	}

	logger.Info("Ledger: %s (broadcast=%t)", cfg.Ledger.Path, cfg.Ledger.Broadcast)
	logger.Debug("Secret backend: %s", cfg.SecretBackend)
	logger.Debug("Max runs: %d", cfg.MaxRuns)
	if cfg.OTelEndpoint != "" {
		logger.Info("Tracing endpoint: %s", cfg.OTelEndpoint)
	}
	logger.Info("===========================")
}

func setOrNot(v string) string {
	if strings.TrimSpace(v) == "" {
		return "(not set)"
	}
	return "(set)"
}
