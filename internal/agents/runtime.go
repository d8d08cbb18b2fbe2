package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"insight/internal/bus"
	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

// Bus is what the runtime needs from the message bus.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, agentID string) (*bus.Subscription, error)
}

// Runtime runs one subscribe loop per agent. Handler errors are logged as
// warnings and never stop the loop.
type Runtime struct {
	bus    Bus
	agents []Agent
	logger logging.Logger

	mu    sync.Mutex
	group *errgroup.Group
	subs  []*bus.Subscription
}

// NewRuntime creates a runtime for agents.
func NewRuntime(b Bus, logger logging.Logger, agents ...Agent) *Runtime {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("agents")
	}
	return &Runtime{bus: b, agents: agents, logger: logger}
}

// Start subscribes every agent and launches its loop. All subscriptions are
// in place when Start returns.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return errors.New("agents: runtime already started")
	}

	subs := make([]*bus.Subscription, 0, len(r.agents))
	for _, a := range r.agents {
		sub, err := r.bus.Subscribe(ctx, a.ID())
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("subscribe %s: %w", a.ID(), err)
		}
		subs = append(subs, sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range r.agents {
		a, sub := a, subs[i]
		g.Go(func() error { return r.loop(gctx, a, sub) })
	}
	r.group = g
	r.subs = subs
	r.logger.Info("started %d agents", len(r.agents))
	return nil
}

// Wait blocks until every loop has returned.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Run starts the agents and waits until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}

// Stop closes every subscription; loops drain what is buffered and return.
func (r *Runtime) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (r *Runtime) loop(ctx context.Context, a Agent, sub *bus.Subscription) error {
	defer sub.Close()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent %s: %w", a.ID(), err)
		}
		r.dispatch(ctx, a, env)
	}
}

func (r *Runtime) dispatch(ctx context.Context, a Agent, env messaging.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent %s panicked on envelope from %s: %v", a.ID(), env.Sender(), rec)
		}
	}()
	if err := a.Handle(ctx, env); err != nil {
		r.logger.Warn("agent %s failed to handle envelope from %s: %v", a.ID(), env.Sender(), err)
	}
}
