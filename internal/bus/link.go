package bus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "insight/internal/errors"
)

// DefaultToken is the placeholder shipped in sample configs. It never counts
// as a real credential.
const DefaultToken = "change_this_token"

// DefaultFailLimit is used when LinkConfig.FailLimit is zero.
const DefaultFailLimit = 3

// LinkConfig is the bus link policy.
type LinkConfig struct {
	Port          int
	CertFile      string
	KeyFile       string
	Token         string
	FailLimit     int
	AllowInsecure bool
	Environment   string
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.FailLimit == 0 {
		c.FailLimit = DefaultFailLimit
	}
	c.Token = strings.TrimSpace(c.Token)
	return c
}

// TLSEnabled reports whether both halves of the key pair are configured.
func (c LinkConfig) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Validate enforces the link policy. It touches no files and no sockets.
func (c LinkConfig) Validate() error {
	c = c.withDefaults()
	issues := map[string]string{}
	if c.Port < 0 || c.Port > 65535 {
		issues["port"] = fmt.Sprintf("out of range: %d", c.Port)
	}
	if c.FailLimit < 1 {
		issues["fail_limit"] = "must be at least 1"
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		issues["tls"] = "certificate and key must be configured together"
	}
	if c.TLSEnabled() && (c.Token == "" || c.Token == DefaultToken) {
		issues["token"] = "a non-default bearer token is required when TLS is configured"
	}
	if len(issues) > 0 {
		return apperrors.NewValidationError(issues)
	}
	return nil
}

func (c LinkConfig) isDevelopment() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "" || env == "development" || env == "dev" || env == "test"
}

// ServerTLS loads the configured key pair for the listener.
func (c LinkConfig) ServerTLS() (*tls.Config, error) {
	if !c.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load bus key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ClientTLS trusts the given PEM certificate, typically the peer's
// self-signed bus certificate.
func ClientTLS(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read bus ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// LinkState is a snapshot of the failure accounting.
type LinkState struct {
	Failures      int        `json:"failures"`
	Degraded      bool       `json:"degraded"`
	FailLimit     int        `json:"fail_limit"`
	DegradedSince *time.Time `json:"degraded_since,omitempty"`
}
