package config

import "time"

// key binds one configuration key to its environment variable and default.
type key struct {
	name   string
	env    string
	defval any
}

// keys lists every setting. Environment names are the historic ones so
// existing deployments keep working.
var keys = []key{
	{"api_token", "API_TOKEN", ""},
	{"api_rate_limit", "API_RATE_LIMIT", 60},
	{"api_rate_window", "API_RATE_WINDOW", 60 * time.Second},
	{"cors_origins", "API_CORS_ORIGINS", ""},
	{"http_addr", "API_ADDR", ":8000"},
	{"bus_port", "AGI_INSIGHT_BUS_PORT", 6006},
	{"bus_token", "AGI_INSIGHT_BUS_TOKEN", ""},
	{"bus_cert", "AGI_INSIGHT_BUS_CERT", ""},
	{"bus_key", "AGI_INSIGHT_BUS_KEY", ""},
	{"bus_fail_limit", "AGI_INSIGHT_BUS_FAIL_LIMIT", 3},
	{"bus_probe_interval", "AGI_INSIGHT_BUS_PROBE_INTERVAL", time.Duration(0)},
	{"allow_insecure", "AGI_INSIGHT_ALLOW_INSECURE", false},
	{"bus_listen", "AGI_INSIGHT_BUS_LISTEN", false},
	{"bus_peer_url", "AGI_INSIGHT_BUS_PEER_URL", ""},
	{"broker_url", "AGI_INSIGHT_BROKER_URL", ""},
	{"ledger_path", "AGI_INSIGHT_LEDGER_PATH", "./ledger/audit.db"},
	{"broadcast", "AGI_INSIGHT_BROADCAST", true},
	{"anchor_url", "AGI_INSIGHT_ANCHOR_URL", ""},
	{"alert_webhook_url", "ALERT_WEBHOOK_URL", ""},
	{"secret_backend", "AGI_INSIGHT_SECRET_BACKEND", "env"},
	{"json_logs", "AGI_INSIGHT_JSON_LOGS", false},
	{"log_level", "AGI_INSIGHT_LOG_LEVEL", "info"},
	{"offline", "AGI_INSIGHT_OFFLINE", false},
	{"model_name", "AGI_MODEL_NAME", "gpt-4o-mini"},
	{"temperature", "AGI_TEMPERATURE", 0.2},
	{"context_window", "AGI_CONTEXT_WINDOW", 8192},
	{"llm_provider", "AGI_LLM_PROVIDER", "openai"},
	{"seed", "SEED", 0},
	{"max_runs", "AGI_INSIGHT_MAX_RUNS", 256},
	{"otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", ""},
	{"environment", "AGI_INSIGHT_ENV", "development"},
}

// Secret names resolved through the SecretSource. They are fetched by their
// environment variable name.
const (
	SecretAPIToken     = "API_TOKEN"
	SecretBusToken     = "AGI_INSIGHT_BUS_TOKEN"
	SecretOpenAIKey    = "OPENAI_API_KEY"
	SecretAnthropicKey = "ANTHROPIC_API_KEY"
)
