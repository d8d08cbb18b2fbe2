package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "insight/internal/errors"
	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

// PeerConfig configures a PeerTransport.
type PeerConfig struct {
	URL              string
	Token            string
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           logging.Logger
}

// PeerTransport forwards envelopes to a remote bus Listener over a
// websocket. The connection is dialed lazily and redialed after a failure.
type PeerTransport struct {
	cfg    PeerConfig
	dialer *websocket.Dialer
	logger logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewPeerTransport returns a transport for cfg.URL (ws:// or wss://).
func NewPeerTransport(cfg PeerConfig) (*PeerTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("peer url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &PeerTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLS,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logging.OrNop(cfg.Logger),
	}, nil
}

func (p *PeerTransport) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	conn, resp, err := p.dialer.DialContext(ctx, p.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: peer returned %d", apperrors.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial peer: %w", err)
	}
	p.conn = conn
	go p.drain(conn)
	return conn, nil
}

// drain consumes inbound control frames so pongs and close frames are
// processed.
func (p *PeerTransport) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			p.mu.Lock()
			if p.conn == conn {
				p.conn = nil
			}
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

func (p *PeerTransport) dropLocked(conn *websocket.Conn) {
	if p.conn == conn {
		p.conn = nil
	}
	_ = conn.Close()
}

// Deliver writes one msgpack frame.
func (p *PeerTransport) Deliver(ctx context.Context, env messaging.Envelope) error {
	frame, err := messaging.Marshal(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.connLocked(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(p.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		p.dropLocked(conn)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Ping dials if needed and sends a websocket ping.
func (p *PeerTransport) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.connLocked(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		p.dropLocked(conn)
		return fmt.Errorf("ping peer: %w", err)
	}
	return nil
}

// Close closes the current connection, if any.
func (p *PeerTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	conn := p.conn
	p.conn = nil
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
