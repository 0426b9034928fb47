package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// PlanRecord is a named, reusable plan definition registered via stepflow.define.
type PlanRecord struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Definition  schema.PlanDefinition `json:"definition"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Run is the persisted representation of a single plan execution.
type Run struct {
	ID          string                `json:"id"`
	PlanName    string                `json:"plan_name,omitempty"`
	Definition  schema.PlanDefinition `json:"definition"`
	Status      schema.RunStatus      `json:"status"`
	Params      map[string]any        `json:"params,omitempty"`
	Context     json.RawMessage       `json:"context,omitempty"`
	Error       json.RawMessage       `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// StepState is the materialized view of a step's current execution state.
type StepState struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ScheduledJob is a cron-triggered plan execution.
type ScheduledJob struct {
	ID             string          `json:"id"`
	PlanName       string          `json:"plan_name"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// PlanFilter specifies criteria for listing plans.
type PlanFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   *schema.RunStatus `json:"status,omitempty"`
	PlanName string            `json:"plan_name,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	PlanName string `json:"plan_name,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
