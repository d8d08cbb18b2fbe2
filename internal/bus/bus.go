// Package bus routes envelopes between agents, tracks consecutive delivery
// failures, and records every published envelope in the ledger.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"insight/internal/alert"
	apperrors "insight/internal/errors"
	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

// Recorder is the ledger side of the bus.
type Recorder interface {
	Log(ctx context.Context, env messaging.Envelope) (uint64, error)
}

// Metrics receives bus instrumentation. Nil disables it.
type Metrics interface {
	PublishObserved(outcome string)
	AuthRejected()
	DegradedChanged(degraded bool)
}

// Publish outcomes reported to Metrics.
const (
	OutcomeDelivered   = "delivered"
	OutcomeFailed      = "failed"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
)

// Option customizes a Bus.
type Option func(*Bus)

// WithTransport forwards every publish to a remote transport in addition to
// local subscribers.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// WithLedger sets the recorder every publish is logged to.
func WithLedger(r Recorder) Option {
	return func(b *Bus) { b.ledger = r }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) { b.logger = logging.OrNop(logger) }
}

// WithAlerter notifies operators when the bus degrades or recovers.
func WithAlerter(a alert.Alerter) Option {
	return func(b *Bus) { b.alerter = a }
}

// WithMetrics installs instrumentation.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithRouter shares a subscription table built before the bus, so a
// transport that consumes inbound envelopes can dispatch into it.
func WithRouter(r *Router) Option {
	return func(b *Bus) {
		if r != nil {
			b.router = r
		}
	}
}

// Bus is the process-wide message bus.
//
// Failure policy: every failed delivery attempt increments a consecutive
// failure counter and every successful one resets it. Auth rejections are
// not delivery failures. Reaching FailLimit degrades the bus; while degraded
// Publish returns ErrBusUnavailable without touching the transport. Only
// Reset or a successful HealthCheck leaves the degraded state.
type Bus struct {
	cfg       LinkConfig
	router    *Router
	transport Transport
	ledger    Recorder
	logger    logging.Logger
	alerter   alert.Alerter
	metrics   Metrics
	now       func() time.Time

	mu            sync.Mutex
	failures      int
	degraded      bool
	degradedSince time.Time
	closed        bool
}

// New validates cfg before anything else. No socket is opened here.
func New(cfg LinkConfig, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bus config: %w", err)
	}
	b := &Bus{
		cfg:    cfg.withDefaults(),
		router: NewRouter(),
		logger: logging.NewComponentLogger("bus"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if !b.cfg.TLSEnabled() {
		switch {
		case b.cfg.AllowInsecure:
			b.logger.Info("bus running without TLS (allow_insecure set)")
		case !b.cfg.isDevelopment():
			b.logger.Warn("!!! bus running WITHOUT TLS in %q; set AGI_INSIGHT_BUS_CERT/AGI_INSIGHT_BUS_KEY or AGI_INSIGHT_ALLOW_INSECURE=1 !!!", b.cfg.Environment)
		default:
			b.logger.Warn("bus running without TLS")
		}
	}
	return b, nil
}

// Config returns the effective link config.
func (b *Bus) Config() LinkConfig { return b.cfg }

// Router exposes the local subscription table for listeners and transports
// that feed inbound envelopes.
func (b *Bus) Router() *Router { return b.router }

// Subscribe opens a pull-based stream of envelopes addressed to agentID,
// including broadcasts from other agents.
func (b *Bus) Subscribe(ctx context.Context, agentID string) (*Subscription, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apperrors.NewValidationError(map[string]string{"agent_id": "must not be empty"})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.router.add(agentID)
}

// Publish delivers env and records it in the ledger regardless of the
// delivery outcome. While degraded it fails fast with ErrBusUnavailable and
// neither delivers nor records.
func (b *Bus) Publish(ctx context.Context, env messaging.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.degraded {
		failures := b.failures
		b.mu.Unlock()
		b.observe(OutcomeUnavailable)
		return apperrors.BusUnavailable(failures)
	}
	b.mu.Unlock()

	deliveryErr := b.deliver(ctx, env)
	b.account(deliveryErr)

	if b.ledger != nil {
		if _, err := b.ledger.Log(ctx, env); err != nil {
			var storageErr *apperrors.StorageError
			if !errors.As(err, &storageErr) {
				err = &apperrors.StorageError{Op: "log", Err: err}
			}
			return errors.Join(err, deliveryErr)
		}
	}
	return deliveryErr
}

func (b *Bus) deliver(ctx context.Context, env messaging.Envelope) error {
	if _, err := b.router.Dispatch(env); err != nil {
		return err
	}
	if b.transport == nil {
		return nil
	}
	if err := b.transport.Deliver(ctx, env); err != nil {
		return fmt.Errorf("deliver %s->%s: %w", env.Sender(), env.Recipient(), err)
	}
	return nil
}

func (b *Bus) account(err error) {
	if err == nil {
		b.mu.Lock()
		b.failures = 0
		b.mu.Unlock()
		b.observe(OutcomeDelivered)
		return
	}
	if errors.Is(err, apperrors.ErrAuth) {
		b.logger.Warn("peer rejected credentials: %v", err)
		b.observe(OutcomeRejected)
		return
	}

	b.mu.Lock()
	b.failures++
	failures := b.failures
	tripped := !b.degraded && failures >= b.cfg.FailLimit
	if tripped {
		b.degraded = true
		b.degradedSince = b.now()
	}
	b.mu.Unlock()

	b.observe(OutcomeFailed)
	b.logger.Warn("delivery failed (%d/%d): %v", failures, b.cfg.FailLimit, err)
	if tripped {
		b.logger.Error("bus degraded after %d consecutive delivery failures", failures)
		if b.metrics != nil {
			b.metrics.DegradedChanged(true)
		}
		b.notify(alert.AlertTypeDegraded, "bus degraded", err.Error(), failures)
	}
}

func (b *Bus) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.PublishObserved(outcome)
	}
}

func (b *Bus) notify(kind alert.AlertType, title, message string, failures int) {
	if b.alerter == nil {
		return
	}
	a := alert.Alert{
		Type:      kind,
		Component: "bus",
		Title:     title,
		Message:   message,
		Fields: map[string]string{
			"failures":   strconv.Itoa(failures),
			"fail_limit": strconv.Itoa(b.cfg.FailLimit),
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.alerter.Send(ctx, a); err != nil {
			b.logger.Warn("alert delivery failed: %v", err)
		}
	}()
}

// Reset is the operator reset: it clears the failure counter and leaves the
// degraded state.
func (b *Bus) Reset() LinkState {
	b.clear("operator reset")
	return b.State()
}

// HealthCheck probes the transport out of band. Success clears the failure
// counter and the degraded state.
func (b *Bus) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if b.transport != nil {
		if err := b.transport.Ping(ctx); err != nil {
			return fmt.Errorf("bus health check: %w", err)
		}
	}
	b.clear("health check")
	return nil
}

func (b *Bus) clear(reason string) {
	b.mu.Lock()
	wasDegraded := b.degraded
	failures := b.failures
	b.failures = 0
	b.degraded = false
	b.degradedSince = time.Time{}
	b.mu.Unlock()

	if wasDegraded {
		b.logger.Info("bus recovered (%s)", reason)
		if b.metrics != nil {
			b.metrics.DegradedChanged(false)
		}
		b.notify(alert.AlertTypeRecovery, "bus recovered", reason, failures)
	}
}

// StartProber runs HealthCheck every interval while the bus is degraded. It
// returns when ctx is done.
func (b *Bus) StartProber(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.State().Degraded {
				continue
			}
			if err := b.HealthCheck(ctx); err != nil {
				b.logger.Debug("prober: %v", err)
			}
		}
	}
}

// State returns the current failure accounting.
func (b *Bus) State() LinkState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := LinkState{Failures: b.failures, Degraded: b.degraded, FailLimit: b.cfg.FailLimit}
	if b.degraded {
		since := b.degradedSince
		state.DegradedSince = &since
	}
	return state
}

// Close closes every subscription and the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.router.close()
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}
