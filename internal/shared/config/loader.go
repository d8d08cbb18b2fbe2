package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"insight/internal/shared/logging"
)

// FileName is the base name searched for in the config directories.
const FileName = "insight"

// Loader builds Config snapshots from defaults, an optional YAML file, the
// environment and a secret backend, in that order of precedence.
type Loader struct {
	file     string
	dirs     []string
	lookup   EnvLookup
	secrets  SecretSource
	logger   logging.Logger
	debounce time.Duration
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigFile pins the config file instead of searching for one. A
// pinned file that does not exist is an error.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.file = strings.TrimSpace(path) }
}

// WithSearchDirs replaces the default search directories.
func WithSearchDirs(dirs ...string) LoaderOption {
	return func(l *Loader) { l.dirs = dirs }
}

// WithEnvLookup overrides environment access, mainly for tests.
func WithEnvLookup(lookup EnvLookup) LoaderOption {
	return func(l *Loader) {
		if lookup != nil {
			l.lookup = lookup
		}
	}
}

// WithSecretSource sets the backend used for credentials. When unset the
// backend named by secret_backend is built on each load.
func WithSecretSource(src SecretSource) LoaderOption {
	return func(l *Loader) { l.secrets = src }
}

// WithLoaderLogger sets the logger for fallback and reload diagnostics.
func WithLoaderLogger(logger logging.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logging.OrNop(logger) }
}

// WithWatchDebounce sets the debounce window for Watch.
func WithWatchDebounce(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// NewLoader returns a loader searching ., $HOME/.insight and /etc/insight.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		lookup:   DefaultEnvLookup,
		logger:   logging.NewComponentLogger("config"),
		debounce: defaultWatchDebounce,
	}
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".insight"))
	}
	l.dirs = append(dirs, "/etc/insight")
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads a fresh snapshot. Secret backend failures fall back to the
// environment and never fail the load; an invalid result does.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	v, err := l.read()
	if err != nil {
		return Config{}, err
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}

	secrets := l.secrets
	if secrets == nil {
		secrets = NewSecretSource(ctx, cfg.SecretBackend, l.lookup, l.logger)
	}
	cfg.API.Token = resolveSecret(ctx, secrets, SecretAPIToken, cfg.API.Token)
	cfg.Bus.Token = resolveSecret(ctx, secrets, SecretBusToken, cfg.Bus.Token)
	cfg.Model.OpenAIKey = resolveSecret(ctx, secrets, SecretOpenAIKey, "")
	cfg.Model.AnthropicKey = resolveSecret(ctx, secrets, SecretAnthropicKey, "")

	if !cfg.Model.HasKey() {
		cfg.Offline = true
	}
	if cfg.Offline {
		cfg.Ledger.Broadcast = false
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Reload is Load under the name callers use after start-up.
func (l *Loader) Reload(ctx context.Context) (Config, error) {
	return l.Load(ctx)
}

func (l *Loader) read() (*viper.Viper, error) {
	v := viper.New()
	for _, k := range keys {
		v.SetDefault(k.name, k.defval)
	}
	v.SetConfigType("yaml")
	if l.file != "" {
		v.SetConfigFile(l.file)
	} else {
		v.SetConfigName(FileName)
		for _, dir := range l.dirs {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Environment values are applied explicitly so tests can inject a lookup.
	for _, k := range keys {
		if raw, ok := l.lookup(k.env); ok {
			v.Set(k.name, raw)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	apiWindow, err := duration(v, "api_rate_window")
	if err != nil {
		return Config{}, err
	}
	probe, err := duration(v, "bus_probe_interval")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		API: APIConfig{
			Addr:        v.GetString("http_addr"),
			Token:       strings.TrimSpace(v.GetString("api_token")),
			RateLimit:   v.GetInt("api_rate_limit"),
			RateWindow:  apiWindow,
			CORSOrigins: splitList(v.GetStringSlice("cors_origins")),
		},
		Bus: BusConfig{
			Port:          v.GetInt("bus_port"),
			Token:         strings.TrimSpace(v.GetString("bus_token")),
			CertFile:      v.GetString("bus_cert"),
			KeyFile:       v.GetString("bus_key"),
			FailLimit:     v.GetInt("bus_fail_limit"),
			AllowInsecure: v.GetBool("allow_insecure"),
			Listen:        v.GetBool("bus_listen"),
			PeerURL:       v.GetString("bus_peer_url"),
			BrokerURL:     v.GetString("broker_url"),
			ProbeInterval: probe,
		},
		Ledger: LedgerConfig{
			Path:      v.GetString("ledger_path"),
			Broadcast: v.GetBool("broadcast"),
			AnchorURL: v.GetString("anchor_url"),
		},
		Model: ModelConfig{
			Provider:      strings.ToLower(strings.TrimSpace(v.GetString("llm_provider"))),
			Name:          v.GetString("model_name"),
			Temperature:   v.GetFloat64("temperature"),
			ContextWindow: v.GetInt("context_window"),
		},
		Logging: LoggingConfig{
			JSON:  v.GetBool("json_logs"),
			Level: v.GetString("log_level"),
		},
		AlertWebhookURL: v.GetString("alert_webhook_url"),
		SecretBackend:   strings.ToLower(strings.TrimSpace(v.GetString("secret_backend"))),
		Offline:         v.GetBool("offline"),
		Seed:            v.GetInt64("seed"),
		MaxRuns:         v.GetInt("max_runs"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		Environment:     v.GetString("environment"),
		ConfigFile:      v.ConfigFileUsed(),
	}
	return cfg, nil
}

// duration accepts Go duration strings and bare integers, read as seconds.
func duration(v *viper.Viper, name string) (time.Duration, error) {
	switch raw := v.Get(name).(type) {
	case time.Duration:
		return raw, nil
	case int:
		return time.Duration(raw) * time.Second, nil
	case string:
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return 0, nil
		}
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	default:
		return v.GetDuration(name), nil
	}
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// resolveSecret prefers the backend's value and keeps current otherwise.
func resolveSecret(ctx context.Context, src SecretSource, name, current string) string {
	value, ok, err := src.Fetch(ctx, name)
	if err != nil || !ok || strings.TrimSpace(value) == "" {
		return current
	}
	return strings.TrimSpace(value)
}
