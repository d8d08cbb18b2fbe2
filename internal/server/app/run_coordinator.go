package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"insight/internal/messaging"
	"insight/internal/observability"
	"insight/internal/server/ports"
	"insight/internal/shared/logging"
	"insight/internal/simulation"
)

// Agent ids used by the coordinator when it talks on the bus.
const (
	OrchestratorID = "orchestrator"
	PlanningID     = "planning"
)

// Publisher is the part of the bus the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, env messaging.Envelope) error
}

// RunMetrics receives the archive gauges after every generation.
type RunMetrics interface {
	SetArchive(bestScore, archiveMean float64, lineageDepth int)
}

// RunCoordinator executes simulation runs in the background. Runs use the
// coordinator's own context so they outlive the HTTP request that submitted
// them.
type RunCoordinator struct {
	store       ports.JobStore
	simulator   simulation.Simulator
	broadcaster *ProgressBroadcaster
	publisher   Publisher
	metrics     RunMetrics
	tracer      trace.Tracer
	logger      logging.Logger
	defaultSeed int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RunCoordinatorOption configures optional collaborators.
type RunCoordinatorOption func(*RunCoordinator)

// WithPublisher sends run envelopes on the bus.
func WithPublisher(p Publisher) RunCoordinatorOption {
	return func(c *RunCoordinator) { c.publisher = p }
}

// WithRunMetrics wires the archive gauges.
func WithRunMetrics(m RunMetrics) RunCoordinatorOption {
	return func(c *RunCoordinator) { c.metrics = m }
}

// WithTracer wires a tracer; one span is recorded per run.
func WithTracer(t trace.Tracer) RunCoordinatorOption {
	return func(c *RunCoordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithDefaultSeed is used for requests that carry no seed.
func WithDefaultSeed(seed int64) RunCoordinatorOption {
	return func(c *RunCoordinator) { c.defaultSeed = seed }
}

// WithCoordinatorLogger overrides the component logger.
func WithCoordinatorLogger(logger logging.Logger) RunCoordinatorOption {
	return func(c *RunCoordinator) { c.logger = logging.OrNop(logger) }
}

// NewRunCoordinator creates a coordinator.
func NewRunCoordinator(store ports.JobStore, sim simulation.Simulator, broadcaster *ProgressBroadcaster, opts ...RunCoordinatorOption) *RunCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &RunCoordinator{
		store:       store,
		simulator:   sim,
		broadcaster: broadcaster,
		tracer:      noop.NewTracerProvider().Tracer("insight/app"),
		logger:      logging.NewComponentLogger("RunCoordinator"),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Store exposes the job store backing the coordinator.
func (c *RunCoordinator) Store() ports.JobStore { return c.store }

// Broadcaster exposes the progress fan-out.
func (c *RunCoordinator) Broadcaster() *ProgressBroadcaster { return c.broadcaster }

// Submit registers a job and starts it in the background. Validation errors
// are returned before anything is created.
func (c *RunCoordinator) Submit(ctx context.Context, req simulation.Request) (*ports.Job, error) {
	if req.Seed == 0 {
		req.Seed = c.defaultSeed
	}
	job, err := c.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Run created: id=%s horizon=%d pop_size=%d generations=%d", job.ID, req.Horizon, req.PopSize, req.Generations)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(c.baseCtx, job.ID, req)
	}()
	return job, nil
}

// Wait blocks until every in-flight run has finished.
func (c *RunCoordinator) Wait() {
	c.wg.Wait()
}

// Cancel aborts in-flight runs; they finish as failed.
func (c *RunCoordinator) Cancel() {
	c.cancel()
}

func (c *RunCoordinator) execute(ctx context.Context, id string, req simulation.Request) {
	attrs := append(observability.RunAttrs(id),
		attribute.Int("run.horizon", req.Horizon),
		attribute.Int("run.pop_size", req.PopSize),
		attribute.Int("run.generations", req.Generations),
	)
	ctx, span := c.tracer.Start(ctx, observability.SpanRun, trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			c.logger.Error("PANIC in run %s: %v", id, r)
		}
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
			c.fail(id, runErr)
		}
	}()

	if runErr = c.store.Start(ctx, id); runErr != nil {
		return
	}
	c.publish(ctx, PlanningID, map[string]any{
		"kind":        "run",
		"run_id":      id,
		"horizon":     req.Horizon,
		"num_sectors": req.NumSectors,
		"curve":       string(req.Curve),
	})

	tracker := &archiveTracker{}
	emit := func(ctx context.Context, gen simulation.Generation) error {
		if err := c.store.AppendPopulation(ctx, id, gen.Candidates); err != nil {
			return err
		}
		tracker.add(gen.Candidates)
		if c.metrics != nil {
			c.metrics.SetArchive(tracker.best, tracker.mean(), tracker.depth)
		}
		c.broadcaster.Publish(ports.ProgressEvent{
			JobID:          id,
			Generation:     gen.Index,
			Status:         ports.JobStatusRunning,
			BestScore:      tracker.best,
			PopulationSize: tracker.count,
			Timestamp:      time.Now(),
		})
		c.publish(ctx, messaging.Broadcast, map[string]any{
			"kind":            "progress",
			"run_id":          id,
			"generation":      gen.Index,
			"best_score":      tracker.best,
			"population_size": tracker.count,
		})
		return nil
	}

	result, err := c.simulator.Run(ctx, req, emit)
	if err != nil {
		runErr = err
		return
	}
	if runErr = c.store.Complete(ctx, id, result); runErr != nil {
		return
	}
	span.SetAttributes(attribute.Float64("run.best_score", result.BestScore))
	c.logger.Info("Run completed: id=%s best=%.4f depth=%d duration=%s", id, result.BestScore, result.LineageDepth, time.Since(started))

	c.broadcaster.Publish(ports.ProgressEvent{
		JobID:          id,
		Generation:     req.Generations,
		Status:         ports.JobStatusCompleted,
		BestScore:      result.BestScore,
		PopulationSize: tracker.count,
		Timestamp:      time.Now(),
	})
	c.publish(ctx, messaging.Broadcast, map[string]any{
		"kind":          "done",
		"run_id":        id,
		"status":        string(ports.JobStatusCompleted),
		"best_score":    result.BestScore,
		"lineage_depth": result.LineageDepth,
		"forecast":      forecastPayload(result.Forecast),
	})
}

func (c *RunCoordinator) fail(id string, cause error) {
	ctx := context.WithoutCancel(c.baseCtx)
	c.logger.Warn("Run failed: id=%s err=%v", id, cause)
	if err := c.store.Fail(ctx, id, cause.Error()); err != nil {
		c.logger.Warn("Failed to record failure of run %s: %v", id, err)
	}
	c.broadcaster.Publish(ports.ProgressEvent{
		JobID:     id,
		Status:    ports.JobStatusFailed,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	})
	c.publish(ctx, messaging.Broadcast, map[string]any{
		"kind":   "done",
		"run_id": id,
		"status": string(ports.JobStatusFailed),
		"error":  cause.Error(),
	})
}

// publish never fails the run; the bus records its own failures.
func (c *RunCoordinator) publish(ctx context.Context, recipient string, payload map[string]any) {
	if c.publisher == nil {
		return
	}
	env, err := messaging.NewEnvelope(OrchestratorID, recipient, payload)
	if err != nil {
		c.logger.Warn("Failed to build %v envelope: %v", payload["kind"], err)
		return
	}
	if err := c.publisher.Publish(ctx, env); err != nil {
		c.logger.Warn("Bus publish of %v for run %v failed: %v", payload["kind"], payload["run_id"], err)
	}
}

func forecastPayload(points []simulation.ForecastPoint) []any {
	out := make([]any, 0, len(points))
	for _, p := range points {
		sectors := make([]any, 0, len(p.AffectedSectors))
		for _, s := range p.AffectedSectors {
			sectors = append(sectors, s)
		}
		out = append(out, map[string]any{
			"year":             p.Year,
			"capability":       p.Capability,
			"affected_sectors": sectors,
		})
	}
	return out
}

// archiveTracker keeps running archive statistics across generations.
type archiveTracker struct {
	count int
	sum   float64
	best  float64
	depth int
}

func (t *archiveTracker) add(pop []simulation.Candidate) {
	for _, cand := range pop {
		if t.count == 0 || cand.Effectiveness > t.best {
			t.best = cand.Effectiveness
		}
		t.sum += cand.Effectiveness
		t.count++
		t.depth = max(t.depth, cand.Depth)
	}
}

func (t *archiveTracker) mean() float64 {
	if t.count == 0 {
		return 0
	}
	return t.sum / float64(t.count)
}
