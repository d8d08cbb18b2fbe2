// Package bootstrap wires configuration into running components and owns
// their lifecycle.
package bootstrap

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	apperrors "insight/internal/errors"
	"insight/internal/shared/logging"
)

// BootstrapStage is one step of container construction. A failing
// Required stage aborts the build; any other failure leaves the process
// running without that component.
type BootstrapStage struct {
	Name     string
	Required bool
	Init     func() error
}

// DegradedComponents records optional stages that failed, keyed by stage
// name. It backs the "bootstrap" health component.
type DegradedComponents struct {
	mu      sync.RWMutex
	reasons map[string]string
}

func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{reasons: map[string]string{}}
}

// Record notes that name failed with reason. A later record replaces it.
func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	d.reasons[name] = reason
	d.mu.Unlock()
}

// Map returns a copy of the recorded reasons.
func (d *DegradedComponents) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.reasons)
}

// Names returns the degraded stage names, sorted.
func (d *DegradedComponents) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.reasons))
}

func (d *DegradedComponents) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.reasons) == 0
}

// RunStages runs stages in order and stops at the first failing required
// stage with a PermanentError. A required stage that returns a
// DegradedError built its component in reduced form and is recorded like
// an optional failure. Optional failures are recorded in degraded, which
// may be nil.
func RunStages(stages []BootstrapStage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		started := time.Now()
		err := stage.Init()
		logger.Debug("[Bootstrap] stage %s done in %s (required=%t, err=%v)", stage.Name, time.Since(started), stage.Required, err)
		if err == nil {
			continue
		}
		if stage.Required && !apperrors.IsDegraded(err) {
			wrapped := fmt.Errorf("stage %s: %w", stage.Name, err)
			return &apperrors.PermanentError{Err: wrapped, Message: wrapped.Error()}
		}
		logger.Warn("[Bootstrap] %s unavailable, continuing without it: %v", stage.Name, err)
		if degraded != nil {
			degraded.Record(stage.Name, err.Error())
		}
	}
	return nil
}
