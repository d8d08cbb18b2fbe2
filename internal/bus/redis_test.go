package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

// fakeStream is an in-memory stand-in for a single redis stream shared by
// several transports.
type fakeStream struct {
	mu      sync.Mutex
	entries []redis.XMessage
	added   chan struct{}
	pingErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{added: make(chan struct{}, 64)}
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	values := map[string]any{}
	for k, v := range a.Values.(map[string]any) {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		values[k] = v
	}
	id := time.Now().Format("150405.000000000")
	f.entries = append(f.entries, redis.XMessage{ID: id, Values: values})
	f.mu.Unlock()
	f.added <- struct{}{}
	return redis.NewStringResult(id, nil)
}

func (f *fakeStream) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	select {
	case <-f.added:
	case <-ctx.Done():
		return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
	case <-time.After(50 * time.Millisecond):
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	f.mu.Lock()
	msgs := append([]redis.XMessage(nil), f.entries...)
	f.entries = nil
	f.mu.Unlock()
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (f *fakeStream) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeStream) Close() error { return nil }

func TestRedisTransportSharesEnvelopesAcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := newFakeStream()

	remoteRouter := NewRouter()
	remote := newRedisTransport(stream, DefaultStream, remoteRouter, logging.Nop())
	sub, err := remoteRouter.add("research")
	require.NoError(t, err)

	go func() { _ = remote.Consume(ctx) }()

	local := newTestBus(t, LinkConfig{AllowInsecure: true},
		WithTransport(newRedisTransport(stream, DefaultStream, NewRouter(), logging.Nop())))
	require.NoError(t, local.Publish(ctx, mustEnvelope(t, "planning", "research", map[string]any{"topic": "grid"})))

	env, err := sub.Next(ctx)
	require.NoError(t, err)
	v, _ := env.Get("topic")
	assert.Equal(t, "grid", v)
}

func TestRedisTransportSkipsOwnEntries(t *testing.T) {
	router := NewRouter()
	sub, err := router.add("research")
	require.NoError(t, err)
	transport := newRedisTransport(newFakeStream(), DefaultStream, router, logging.Nop())

	frame := mustFrame(t, "planning", "research")
	transport.handle(redis.XMessage{ID: "1-0", Values: map[string]any{"origin": transport.origin, "frame": frame}})
	assert.Equal(t, 0, sub.Pending())

	transport.handle(redis.XMessage{ID: "2-0", Values: map[string]any{"origin": "elsewhere", "frame": frame}})
	assert.Equal(t, 1, sub.Pending())

	transport.handle(redis.XMessage{ID: "3-0", Values: map[string]any{"origin": "elsewhere", "frame": "garbage"}})
	assert.Equal(t, 1, sub.Pending())
}

func TestRedisTransportPingReportsBrokerErrors(t *testing.T) {
	stream := newFakeStream()
	stream.pingErr = errors.New("connection refused")
	transport := newRedisTransport(stream, DefaultStream, NewRouter(), logging.Nop())

	err := transport.Ping(context.Background())
	require.Error(t, err)
}

func mustFrame(t *testing.T, sender, recipient string) string {
	t.Helper()
	env := mustEnvelope(t, sender, recipient, map[string]any{"k": "v"})
	raw, err := messaging.Marshal(env)
	require.NoError(t, err)
	return string(raw)
}
