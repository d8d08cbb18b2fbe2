package config

import (
	"fmt"
	"strings"

	apperrors "insight/internal/errors"
)

// placeholderToken ships in sample configs and never counts as a credential.
const placeholderToken = "change_this_token"

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	issues := map[string]string{}

	if (c.Bus.CertFile == "") != (c.Bus.KeyFile == "") {
		issues["bus_cert"] = "bus_cert and bus_key must be set together"
	}
	if c.Bus.TLSEnabled() {
		token := strings.TrimSpace(c.Bus.Token)
		if token == "" || token == placeholderToken {
			issues["bus_token"] = "a non-default token is required when TLS is configured"
		}
	}
	if c.Bus.FailLimit < 1 {
		issues["bus_fail_limit"] = "must be at least 1"
	}
	if c.Bus.Port < 0 || c.Bus.Port > 65535 {
		issues["bus_port"] = fmt.Sprintf("out of range: %d", c.Bus.Port)
	}
	if c.Bus.ProbeInterval < 0 {
		issues["bus_probe_interval"] = "must not be negative"
	}
	if c.API.RateLimit < 0 {
		issues["api_rate_limit"] = "must not be negative"
	}
	if c.API.RateWindow < 0 {
		issues["api_rate_window"] = "must not be negative"
	}
	if c.MaxRuns < 1 {
		issues["max_runs"] = "must be at least 1"
	}
	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		issues["llm_provider"] = fmt.Sprintf("unsupported provider %q", c.Model.Provider)
	}
	switch c.SecretBackend {
	case BackendEnv, BackendVault, BackendAWS, BackendGCP:
	default:
		issues["secret_backend"] = fmt.Sprintf("unsupported backend %q", c.SecretBackend)
	}
	if strings.TrimSpace(c.Ledger.Path) == "" {
		issues["ledger_path"] = "must not be empty"
	}

	if len(issues) > 0 {
		return apperrors.NewValidationError(issues)
	}
	return nil
}
