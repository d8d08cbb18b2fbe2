package config

import (
	"os"
	"time"
)

// EnvLookup resolves environment variables.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) { return os.LookupEnv(key) }

// Config is an immutable snapshot of the process configuration. Components
// receive the slice they need at construction; nothing reads a global.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Bus     BusConfig     `yaml:"bus"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Model   ModelConfig   `yaml:"model"`
	Logging LoggingConfig `yaml:"logging"`

	AlertWebhookURL string `yaml:"alert_webhook_url"`
	SecretBackend   string `yaml:"secret_backend"`
	Offline         bool   `yaml:"offline"`
	Seed            int64  `yaml:"seed"`
	MaxRuns         int    `yaml:"max_runs"`
	OTelEndpoint    string `yaml:"otel_endpoint"`
	Environment     string `yaml:"environment"`

	// ConfigFile is the file the snapshot was read from, if any.
	ConfigFile string `yaml:"-"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr        string        `yaml:"addr"`
	Token       string        `yaml:"token"`
	RateLimit   int           `yaml:"rate_limit"`
	RateWindow  time.Duration `yaml:"rate_window"`
	CORSOrigins []string      `yaml:"cors_origins"`
}

// BusConfig configures the message bus link.
type BusConfig struct {
	Port          int           `yaml:"port"`
	Token         string        `yaml:"token"`
	CertFile      string        `yaml:"cert"`
	KeyFile       string        `yaml:"key"`
	FailLimit     int           `yaml:"fail_limit"`
	AllowInsecure bool          `yaml:"allow_insecure"`
	Listen        bool          `yaml:"listen"`
	PeerURL       string        `yaml:"peer_url"`
	BrokerURL     string        `yaml:"broker_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// TLSEnabled reports whether both halves of the key pair are set.
func (b BusConfig) TLSEnabled() bool { return b.CertFile != "" && b.KeyFile != "" }

// LedgerConfig configures the audit ledger.
type LedgerConfig struct {
	Path      string `yaml:"path"`
	Broadcast bool   `yaml:"broadcast"`
	AnchorURL string `yaml:"anchor_url"`
}

// ModelConfig configures the agents' chat model.
type ModelConfig struct {
	Provider      string  `yaml:"provider"`
	Name          string  `yaml:"name"`
	Temperature   float64 `yaml:"temperature"`
	ContextWindow int     `yaml:"context_window"`
	OpenAIKey     string  `yaml:"-"`
	AnthropicKey  string  `yaml:"-"`
}

// HasKey reports whether the selected provider has credentials.
func (m ModelConfig) HasKey() bool {
	if m.Provider == "anthropic" {
		return m.AnthropicKey != ""
	}
	return m.OpenAIKey != ""
}

// LoggingConfig configures the slog backend.
type LoggingConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	out := c
	out.API.Token = mask(c.API.Token)
	out.Bus.Token = mask(c.Bus.Token)
	out.API.CORSOrigins = append([]string(nil), c.API.CORSOrigins...)
	return out
}
