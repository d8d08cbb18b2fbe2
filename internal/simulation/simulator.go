// Package simulation holds the default forecasting workload: a capability
// curve over a horizon, sector disruption thresholds, and a small seeded
// multi-objective evolutionary search whose generations are streamed to the
// caller.
package simulation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Generation is one batch of candidates handed to an EmitFunc.
type Generation struct {
	Index      int
	Candidates []Candidate
}

// EmitFunc receives every generation as it is produced. A returned error
// aborts the run.
type EmitFunc func(ctx context.Context, gen Generation) error

// Result is the summary of a finished run. The population itself is
// delivered through EmitFunc.
type Result struct {
	Forecast     []ForecastPoint `json:"forecast"`
	BestScore    float64         `json:"best_score"`
	ArchiveMean  float64         `json:"archive_mean"`
	LineageDepth int             `json:"lineage_depth"`
}

// Clone returns a deep copy.
func (r Result) Clone() Result {
	out := r
	out.Forecast = cloneForecast(r.Forecast)
	return out
}

// Simulator runs one simulation request.
type Simulator interface {
	Run(ctx context.Context, req Request, emit EmitFunc) (Result, error)
}

// Default is the built-in deterministic simulator. Runs with the same
// request and seed produce the same forecast and population.
type Default struct {
	// Pace is slept between generations so progress streams are observable
	// in demos. Zero means no delay.
	Pace time.Duration
}

// NewDefault returns a Default simulator with no pacing.
func NewDefault() *Default { return &Default{} }

// Run validates req, computes the forecast, and evolves the population.
func (d *Default) Run(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if emit == nil {
		emit = func(context.Context, Generation) error { return nil }
	}
	seed := uint64(req.Seed)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	result := Result{Forecast: forecast(req, rng)}
	stats := &archiveStats{}

	ev := &evolver{req: req, rng: rng}
	current := ev.seedPopulation()
	if req.Generations == 0 {
		stats.add(current)
		if err := emit(ctx, Generation{Index: 0, Candidates: current}); err != nil {
			return Result{}, fmt.Errorf("emit generation 0: %w", err)
		}
	}
	for g := 1; g <= req.Generations; g++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		var children []Candidate
		children, current = ev.breed(g, current)
		stats.add(children)
		if err := emit(ctx, Generation{Index: g, Candidates: children}); err != nil {
			return Result{}, fmt.Errorf("emit generation %d: %w", g, err)
		}
		if d.Pace > 0 && g < req.Generations {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(d.Pace):
			}
		}
	}

	result.BestScore = stats.best
	result.ArchiveMean = stats.mean()
	result.LineageDepth = stats.depth
	return result, nil
}

type archiveStats struct {
	count int
	sum   float64
	best  float64
	depth int
}

func (s *archiveStats) add(pop []Candidate) {
	for _, c := range pop {
		if s.count == 0 || c.Effectiveness > s.best {
			s.best = c.Effectiveness
		}
		s.sum += c.Effectiveness
		s.count++
		s.depth = max(s.depth, c.Depth)
	}
}

func (s *archiveStats) mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}
