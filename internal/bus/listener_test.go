package bus

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "insight/internal/errors"
	"insight/internal/shared/logging"
)

func startListener(t *testing.T, token string) (*Bus, *recordingMetrics, string) {
	t.Helper()
	metrics := &recordingMetrics{}
	remote := newTestBus(t, LinkConfig{Token: token, AllowInsecure: true}, WithMetrics(metrics))
	srv := httptest.NewServer(NewListener(remote))
	t.Cleanup(srv.Close)
	return remote, metrics, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPeerTransportDeliversToRemoteSubscribers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, _, url := startListener(t, "peer-secret")
	sub, err := remote.Subscribe(ctx, "market")
	require.NoError(t, err)

	peer, err := NewPeerTransport(PeerConfig{URL: url, Token: "peer-secret", Logger: logging.Nop()})
	require.NoError(t, err)
	local := newTestBus(t, LinkConfig{AllowInsecure: true}, WithTransport(peer))

	require.NoError(t, local.Publish(ctx, mustEnvelope(t, "strategy", "market", map[string]any{"pick": "energy"})))
	require.NoError(t, local.HealthCheck(ctx))

	env, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "strategy", env.Sender())
	v, _ := env.Get("pick")
	assert.Equal(t, "energy", v)
}

func TestListenerRejectsBadTokenAsAuthError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, remoteMetrics, url := startListener(t, "peer-secret")

	peer, err := NewPeerTransport(PeerConfig{URL: url, Token: "wrong", Logger: logging.Nop()})
	require.NoError(t, err)
	local := newTestBus(t, LinkConfig{FailLimit: 1, AllowInsecure: true}, WithTransport(peer))

	for i := 0; i < 3; i++ {
		err := local.Publish(ctx, mustEnvelope(t, "a", "b", nil))
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrAuth))
	}
	assert.False(t, local.State().Degraded)
	assert.Equal(t, 0, local.State().Failures)

	remoteMetrics.mu.Lock()
	assert.Equal(t, 3, remoteMetrics.rejected)
	remoteMetrics.mu.Unlock()
}

func TestPeerTransportCountsUnreachablePeerAsFailure(t *testing.T) {
	peer, err := NewPeerTransport(PeerConfig{URL: "ws://127.0.0.1:1/bus", HandshakeTimeout: 200 * time.Millisecond, Logger: logging.Nop()})
	require.NoError(t, err)
	local := newTestBus(t, LinkConfig{FailLimit: 2}, WithTransport(peer))

	for i := 0; i < 2; i++ {
		require.Error(t, local.Publish(context.Background(), mustEnvelope(t, "a", "b", nil)))
	}
	assert.True(t, local.State().Degraded)
}

func TestListenerWithoutTokenAcceptsAnyone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, _, url := startListener(t, "")
	sub, err := remote.Subscribe(ctx, "planning")
	require.NoError(t, err)

	peer, err := NewPeerTransport(PeerConfig{URL: url, Logger: logging.Nop()})
	require.NoError(t, err)
	defer peer.Close()

	env := mustEnvelope(t, "orchestrator", "planning", nil)
	require.NoError(t, peer.Deliver(ctx, env))
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.Timestamp(), got.Timestamp())
}
