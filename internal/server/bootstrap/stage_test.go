package bootstrap

import (
	"fmt"
	"testing"

	apperrors "insight/internal/errors"
	"insight/internal/shared/logging"
)

func TestRunStagesFailsOnRequired(t *testing.T) {
	degraded := NewDegradedComponents()

	stages := []BootstrapStage{
		{Name: "metrics", Required: true, Init: func() error { return nil }},
		{Name: "ledger", Required: true, Init: func() error { return fmt.Errorf("disk full") }},
		{Name: "bus", Required: true, Init: func() error {
			t.Fatal("should not be reached")
			return nil
		}},
	}

	err := RunStages(stages, degraded, logging.Nop())
	if err == nil {
		t.Fatal("expected error from required stage")
	}
	if !apperrors.IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %T", err)
	}
	if !degraded.IsEmpty() {
		t.Fatal("no optional stages should have been recorded")
	}
}

func TestRunStagesRecordsDegradedForOptional(t *testing.T) {
	degraded := NewDegradedComponents()
	var reached bool

	stages := []BootstrapStage{
		{Name: "tracing", Init: func() error { return fmt.Errorf("collector unreachable") }},
		{Name: "anchor", Init: func() error { return fmt.Errorf("ping broker: refused") }},
		{Name: "http", Required: true, Init: func() error { reached = true; return nil }},
	}

	if err := RunStages(stages, degraded, logging.NewComponentLogger("test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reached {
		t.Fatal("required stage was not reached")
	}
	names := degraded.Names()
	if len(names) != 2 || names[0] != "anchor" || names[1] != "tracing" {
		t.Fatalf("unexpected degraded components: %v", names)
	}
	if got := degraded.Map()["tracing"]; got != "collector unreachable" {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestRunStagesContinuesPastDegradedRequiredStage(t *testing.T) {
	degraded := NewDegradedComponents()
	var reached bool

	stages := []BootstrapStage{
		{Name: "bus", Required: true, Init: func() error {
			return &apperrors.DegradedError{Err: fmt.Errorf("dial broker: refused"), Message: "bus transport unavailable"}
		}},
		{Name: "http", Required: true, Init: func() error { reached = true; return nil }},
	}

	if err := RunStages(stages, degraded, logging.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reached {
		t.Fatal("stages after a degraded one must still run")
	}
	if got := degraded.Map()["bus"]; got != "bus transport unavailable" {
		t.Fatalf("unexpected reason %q", got)
	}
}
