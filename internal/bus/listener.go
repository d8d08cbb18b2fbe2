package bus

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"insight/internal/messaging"
	"insight/internal/shared/httpauth"
	"insight/internal/shared/logging"
)

// Listener accepts envelopes from peer buses and dispatches them to local
// subscribers. Inbound envelopes are not logged again; the publishing
// process already recorded them.
type Listener struct {
	bus      *Bus
	logger   logging.Logger
	upgrader websocket.Upgrader

	server *http.Server
}

// NewListener binds a listener to b's link config and router.
func NewListener(b *Bus) *Listener {
	return &Listener{
		bus:    b,
		logger: logging.NewComponentLogger("bus-listener"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (l *Listener) requiresToken() bool {
	cfg := l.bus.cfg
	return cfg.TLSEnabled() || cfg.Token != ""
}

func (l *Listener) authorized(r *http.Request) bool {
	if !l.requiresToken() {
		return true
	}
	token := httpauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(l.bus.cfg.Token)) == 1
}

// ServeHTTP upgrades an authorized peer and reads frames until it hangs up.
// A credential mismatch is an auth rejection, never a delivery failure.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !l.authorized(r) {
		if l.bus.metrics != nil {
			l.bus.metrics.AuthRejected()
		}
		l.logger.Warn("rejected peer %s: invalid bus token", r.RemoteAddr)
		http.Error(w, "invalid bus token", http.StatusUnauthorized)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug("peer %s disconnected: %v", r.RemoteAddr, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		env, err := messaging.Unmarshal(frame)
		if err != nil {
			l.logger.Warn("dropping malformed frame from %s: %v", r.RemoteAddr, err)
			continue
		}
		if _, err := l.bus.router.Dispatch(env); err != nil {
			return
		}
	}
}

// ListenAndServe serves on the configured port, with TLS when a key pair is
// configured. It returns when ctx is done or the server fails.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	tlsConfig, err := l.bus.cfg.ServerTLS()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf(":%d", l.bus.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bus listen %s: %w", addr, err)
	}
	return l.Serve(ctx, ln, tlsConfig != nil)
}

// Serve runs the listener on ln. Exposed for tests that bind port 0.
func (l *Listener) Serve(ctx context.Context, ln net.Listener, useTLS bool) error {
	mux := http.NewServeMux()
	mux.Handle("/bus", l)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if useTLS {
		tlsConfig, err := l.bus.cfg.ServerTLS()
		if err != nil {
			return err
		}
		l.server.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			l.logger.Info("bus listener on %s (tls)", ln.Addr())
			err = l.server.ServeTLS(ln, "", "")
		} else {
			l.logger.Info("bus listener on %s", ln.Addr())
			err = l.server.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
