package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunTimedOut  = "run_timed_out"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventStepRetryAttempt    = "step_retry_attempt"
	EventErrorHandlerInvoked = "error_handler_invoked"
	EventStepFallback        = "step_fallback"
	EventStepIgnored         = "step_ignored"
	EventCircuitBreakerOpen  = "circuit_breaker_open"

	EventConditionEvaluated = "condition_evaluated"
	EventContextPublished   = "context_published"
)

// RunStatus represents the lifecycle state of a plan run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusScheduled StepStatus = "scheduled"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
)

// Terminal reports whether a step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Terminal reports whether a run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}
