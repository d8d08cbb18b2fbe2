package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"insight/internal/server/ports"
	"insight/internal/simulation"
)

// DefaultMaxRuns bounds how many finished jobs stay queryable.
const DefaultMaxRuns = 256

// JobRegistry implements ports.JobStore in memory. Pending and running jobs
// live in a map and are never evicted; finished jobs move to an LRU cache of
// bounded size.
type JobRegistry struct {
	mu       sync.RWMutex
	active   map[string]*ports.Job
	finished *lru.Cache[string, *ports.Job]
	order    []string
	now      func() time.Time
}

var _ ports.JobStore = (*JobRegistry)(nil)

// NewJobRegistry creates a registry keeping at most maxRuns finished jobs.
func NewJobRegistry(maxRuns int) *JobRegistry {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	finished, err := lru.New[string, *ports.Job](maxRuns)
	if err != nil {
		panic(fmt.Sprintf("job registry: %v", err))
	}
	return &JobRegistry{
		active:   make(map[string]*ports.Job),
		finished: finished,
		now:      time.Now,
	}
}

// Create validates req and registers a pending job
func (r *JobRegistry) Create(ctx context.Context, req simulation.Request) (*ports.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job := &ports.Job{
		ID:        fmt.Sprintf("run-%s", uuid.New().String()),
		Params:    req,
		Status:    ports.JobStatusPending,
		CreatedAt: r.now(),
	}
	r.active[job.ID] = job
	r.order = append(r.order, job.ID)
	return snapshot(job), nil
}

// lookup must be called with r.mu held.
func (r *JobRegistry) lookup(id string) (*ports.Job, bool) {
	if job, ok := r.active[id]; ok {
		return job, true
	}
	return r.finished.Peek(id)
}

// Get returns a snapshot of the job
func (r *JobRegistry) Get(ctx context.Context, id string) (*ports.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.lookup(id)
	if !ok {
		return nil, NotFoundError("run %s", id)
	}
	return snapshot(job), nil
}

// Start moves a pending job to running
func (r *JobRegistry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.lookup(id)
	if !ok {
		return NotFoundError("run %s", id)
	}
	if job.Status != ports.JobStatusPending {
		return ConflictError("run %s is %s", id, job.Status)
	}
	now := r.now()
	job.Status = ports.JobStatusRunning
	job.StartedAt = &now
	return nil
}

// AppendPopulation adds candidates to a running job
func (r *JobRegistry) AppendPopulation(ctx context.Context, id string, candidates []simulation.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.lookup(id)
	if !ok {
		return NotFoundError("run %s", id)
	}
	if job.Status != ports.JobStatusRunning {
		return ConflictError("run %s is %s", id, job.Status)
	}
	job.Population = append(job.Population, candidates...)
	return nil
}

// Complete stores the results of a running job
func (r *JobRegistry) Complete(ctx context.Context, id string, results simulation.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.lookup(id)
	if !ok {
		return NotFoundError("run %s", id)
	}
	if job.Status != ports.JobStatusRunning {
		return ConflictError("run %s is %s", id, job.Status)
	}
	stored := results.Clone()
	job.Results = &stored
	job.Status = ports.JobStatusCompleted
	r.finish(job)
	return nil
}

// Fail records the failure reason of a pending or running job
func (r *JobRegistry) Fail(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.lookup(id)
	if !ok {
		return NotFoundError("run %s", id)
	}
	if job.Status.Terminal() {
		return ConflictError("run %s is %s", id, job.Status)
	}
	job.Error = reason
	job.Status = ports.JobStatusFailed
	r.finish(job)
	return nil
}

// finish must be called with r.mu held.
func (r *JobRegistry) finish(job *ports.Job) {
	now := r.now()
	job.CompletedAt = &now
	delete(r.active, job.ID)
	r.finished.Add(job.ID, job)
	r.compactOrder()
}

// compactOrder drops ids evicted from the finished cache once they make up
// half of the order slice.
func (r *JobRegistry) compactOrder() {
	known := len(r.active) + r.finished.Len()
	if len(r.order) < 2*known {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.lookup(id); ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// GetResults returns the current result view
func (r *JobRegistry) GetResults(ctx context.Context, id string) (ports.ResultView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.lookup(id)
	if !ok {
		return ports.ResultView{}, NotFoundError("run %s", id)
	}
	view := ports.ResultView{ID: job.ID, Status: job.Status}
	switch job.Status {
	case ports.JobStatusCompleted:
		results := job.Results.Clone()
		view.Ready = true
		view.Results = &results
		view.Population = append([]simulation.Candidate{}, job.Population...)
	case ports.JobStatusFailed:
		view.Ready = true
		view.Error = job.Error
	}
	return view, nil
}

// GetPopulation returns a snapshot of the accumulated population
func (r *JobRegistry) GetPopulation(ctx context.Context, id string) ([]simulation.Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.lookup(id)
	if !ok {
		return nil, NotFoundError("run %s", id)
	}
	return append([]simulation.Candidate{}, job.Population...), nil
}

// Latest returns the most recently created job
func (r *JobRegistry) Latest(ctx context.Context) (*ports.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		if job, ok := r.lookup(r.order[i]); ok {
			return snapshot(job), nil
		}
	}
	return nil, NotFoundError("no runs")
}

// List returns up to limit jobs, newest first. A limit <= 0 returns all.
func (r *JobRegistry) List(ctx context.Context, limit int) ([]*ports.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*ports.Job, 0, min(len(r.order), max(limit, 0)))
	for i := len(r.order) - 1; i >= 0; i-- {
		if limit > 0 && len(jobs) >= limit {
			break
		}
		if job, ok := r.lookup(r.order[i]); ok {
			jobs = append(jobs, snapshot(job))
		}
	}
	return jobs, nil
}

func snapshot(job *ports.Job) *ports.Job {
	cp := *job
	cp.Population = append([]simulation.Candidate(nil), job.Population...)
	if job.Results != nil {
		results := job.Results.Clone()
		cp.Results = &results
	}
	return &cp
}
