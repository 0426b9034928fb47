package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Plans (named, reusable definitions)
	StorePlan(ctx context.Context, plan *PlanRecord) error
	GetPlan(ctx context.Context, name string) (*PlanRecord, error)
	ListPlans(ctx context.Context, filter PlanFilter) ([]*PlanRecord, error)
	DeletePlan(ctx context.Context, name string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only audit trail)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Step State (materialized view)
	UpsertStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, runID, stepID string) (*StepState, error)
	ListStepStates(ctx context.Context, runID string) ([]*StepState, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
