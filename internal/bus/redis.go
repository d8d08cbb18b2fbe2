package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

// DefaultStream is the redis stream shared by every bus process.
const DefaultStream = "insight:bus"

// streamClient is the subset of *redis.Client the transport uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisTransport shares envelopes between bus processes through a redis
// stream. Each process tags its entries with an origin id and skips its own
// entries when consuming, since local subscribers were already served.
type RedisTransport struct {
	client streamClient
	stream string
	origin string
	maxLen int64
	router *Router
	logger logging.Logger
}

// NewRedisTransport connects to a redis:// URL and pings it once.
func NewRedisTransport(ctx context.Context, url string, router *Router, logger logging.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping broker: %w", err)
	}
	return newRedisTransport(client, DefaultStream, router, logger), nil
}

func newRedisTransport(client streamClient, stream string, router *Router, logger logging.Logger) *RedisTransport {
	return &RedisTransport{
		client: client,
		stream: stream,
		origin: uuid.NewString(),
		maxLen: 100_000,
		router: router,
		logger: logging.OrNop(logger),
	}
}

// Deliver appends one entry to the stream.
func (t *RedisTransport) Deliver(ctx context.Context, env messaging.Envelope) error {
	frame, err := messaging.Marshal(env)
	if err != nil {
		return err
	}
	return t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]any{
			"origin":    t.origin,
			"recipient": env.Recipient(),
			"frame":     frame,
		},
	}).Err()
}

// Ping issues PING.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// Consume reads entries appended after it starts and dispatches those from
// other processes to local subscribers. It returns when ctx is done.
func (t *RedisTransport) Consume(ctx context.Context) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.stream, lastID},
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("broker read failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				t.handle(msg)
			}
		}
	}
}

func (t *RedisTransport) handle(msg redis.XMessage) {
	if origin, _ := msg.Values["origin"].(string); origin == t.origin {
		return
	}
	var frame []byte
	switch v := msg.Values["frame"].(type) {
	case string:
		frame = []byte(v)
	case []byte:
		frame = v
	default:
		t.logger.Warn("broker entry %s has no frame", msg.ID)
		return
	}
	env, err := messaging.Unmarshal(frame)
	if err != nil {
		t.logger.Warn("broker entry %s: %v", msg.ID, err)
		return
	}
	if _, err := t.router.Dispatch(env); err != nil {
		t.logger.Debug("dispatch of %s skipped: %v", msg.ID, err)
	}
}
