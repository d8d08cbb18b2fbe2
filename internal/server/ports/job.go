package ports

import (
	"context"
	"time"

	"insight/internal/simulation"
)

// JobStatus represents the state of a simulation run
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents one simulation run
type Job struct {
	ID          string                 `json:"id"`
	Params      simulation.Request     `json:"params"`
	Status      JobStatus              `json:"status"`
	Population  []simulation.Candidate `json:"-"`
	Results     *simulation.Result     `json:"-"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Size reports how many candidates have been appended.
func (j *Job) Size() int { return len(j.Population) }

// ResultView is what a results query returns. Ready is false while the job
// is pending or running.
type ResultView struct {
	ID         string
	Status     JobStatus
	Ready      bool
	Results    *simulation.Result
	Population []simulation.Candidate
	Error      string
}

// JobStore manages the lifecycle of simulation runs
type JobStore interface {
	// Create validates req and registers a pending job
	Create(ctx context.Context, req simulation.Request) (*Job, error)

	// Get returns a snapshot of the job
	Get(ctx context.Context, id string) (*Job, error)

	// Start moves a pending job to running
	Start(ctx context.Context, id string) error

	// AppendPopulation adds candidates to a running job
	AppendPopulation(ctx context.Context, id string, candidates []simulation.Candidate) error

	// Complete stores the results of a running job
	Complete(ctx context.Context, id string, results simulation.Result) error

	// Fail records the failure reason of a pending or running job
	Fail(ctx context.Context, id string, reason string) error

	// GetResults returns the current result view
	GetResults(ctx context.Context, id string) (ResultView, error)

	// GetPopulation returns a snapshot of the accumulated population
	GetPopulation(ctx context.Context, id string) ([]simulation.Candidate, error)

	// Latest returns the most recently created job
	Latest(ctx context.Context) (*Job, error)

	// List returns up to limit jobs, newest first
	List(ctx context.Context, limit int) ([]*Job, error)
}

// ProgressEvent is streamed to progress subscribers after every generation
// and once when a run finishes.
type ProgressEvent struct {
	JobID          string    `json:"id"`
	Generation     int       `json:"generation"`
	Status         JobStatus `json:"status"`
	BestScore      float64   `json:"best_score"`
	PopulationSize int       `json:"population_size"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"-"`
}

// Terminal reports whether the event closes its run.
func (e ProgressEvent) Terminal() bool { return e.Status.Terminal() }
