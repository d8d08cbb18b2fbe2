package bus

import (
	"context"

	"insight/internal/messaging"
)

// Transport forwards envelopes beyond this process. Local subscribers are
// always served by the Router; a Transport is only needed to reach peers.
type Transport interface {
	// Deliver makes one delivery attempt. An error wrapping errors.ErrAuth
	// means the peer rejected our credentials.
	Deliver(ctx context.Context, env messaging.Envelope) error
	// Ping checks the link out of band.
	Ping(ctx context.Context) error
	Close() error
}

// TransportFunc adapts a delivery function to Transport. Ping always
// succeeds.
type TransportFunc func(ctx context.Context, env messaging.Envelope) error

func (f TransportFunc) Deliver(ctx context.Context, env messaging.Envelope) error {
	return f(ctx, env)
}

func (TransportFunc) Ping(context.Context) error { return nil }
func (TransportFunc) Close() error               { return nil }
