package app

import (
	"context"
	"sync"

	"insight/internal/bus"
	"insight/internal/server/ports"
)

// HealthCheckerImpl aggregates health probes for all components
type HealthCheckerImpl struct {
	probes []ports.HealthProbe
	mu     sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthCheckerImpl {
	return &HealthCheckerImpl{
		probes: make([]ports.HealthProbe, 0),
	}
}

// RegisterProbe adds a health probe
func (h *HealthCheckerImpl) RegisterProbe(probe ports.HealthProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll returns health status for all components
func (h *HealthCheckerImpl) CheckAll(ctx context.Context) []ports.ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]ports.ComponentHealth, 0, len(h.probes))
	for _, probe := range h.probes {
		results = append(results, probe.Check(ctx))
	}
	return results
}

// Overall folds component results into one status. Disabled components do
// not count against readiness.
func Overall(results []ports.ComponentHealth) ports.HealthStatus {
	status := ports.HealthStatusReady
	for _, r := range results {
		switch r.Status {
		case ports.HealthStatusError:
			return ports.HealthStatusError
		case ports.HealthStatusDegraded:
			status = ports.HealthStatusDegraded
		}
	}
	return status
}

// BusStater exposes the link state of a bus.
type BusStater interface {
	State() bus.LinkState
}

// BusProbe reports the bus link policy state.
type BusProbe struct {
	bus BusStater
}

// NewBusProbe creates a bus probe
func NewBusProbe(b BusStater) *BusProbe {
	return &BusProbe{bus: b}
}

// Check returns degraded once the failure limit has been reached.
func (p *BusProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.bus == nil {
		return ports.ComponentHealth{Name: "bus", Status: ports.HealthStatusDisabled}
	}
	state := p.bus.State()
	health := ports.ComponentHealth{
		Name:   "bus",
		Status: ports.HealthStatusReady,
		Details: map[string]any{
			"failures":   state.Failures,
			"fail_limit": state.FailLimit,
		},
	}
	if state.Degraded {
		health.Status = ports.HealthStatusDegraded
		health.Message = "bus degraded; POST /bus/reset to resume"
	}
	return health
}

// LedgerCounter exposes the ledger size.
type LedgerCounter interface {
	Count(ctx context.Context) (int64, error)
}

// LedgerProbe checks the ledger store is readable.
type LedgerProbe struct {
	ledger LedgerCounter
}

// NewLedgerProbe creates a ledger probe
func NewLedgerProbe(l LedgerCounter) *LedgerProbe {
	return &LedgerProbe{ledger: l}
}

// Check counts records; a storage failure is an error.
func (p *LedgerProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.ledger == nil {
		return ports.ComponentHealth{Name: "ledger", Status: ports.HealthStatusDisabled}
	}
	n, err := p.ledger.Count(ctx)
	if err != nil {
		return ports.ComponentHealth{Name: "ledger", Status: ports.HealthStatusError, Message: err.Error()}
	}
	return ports.ComponentHealth{
		Name:    "ledger",
		Status:  ports.HealthStatusReady,
		Details: map[string]any{"records": n},
	}
}

// DegradedReporter lists optional components that failed to start.
type DegradedReporter interface {
	Map() map[string]string
}

// DegradedProbe surfaces optional components that failed at startup.
type DegradedProbe struct {
	degraded DegradedReporter
}

// NewDegradedProbe creates a degraded-components probe
func NewDegradedProbe(d DegradedReporter) *DegradedProbe {
	return &DegradedProbe{degraded: d}
}

// Check reports degraded when any optional component is missing.
func (p *DegradedProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.degraded == nil {
		return ports.ComponentHealth{Name: "bootstrap", Status: ports.HealthStatusReady}
	}
	missing := p.degraded.Map()
	if len(missing) == 0 {
		return ports.ComponentHealth{Name: "bootstrap", Status: ports.HealthStatusReady}
	}
	details := make(map[string]any, len(missing))
	for name, reason := range missing {
		details[name] = reason
	}
	return ports.ComponentHealth{
		Name:    "bootstrap",
		Status:  ports.HealthStatusDegraded,
		Message: "optional components failed to start",
		Details: details,
	}
}
