package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnsatisfiable     = "UNSATISFIABLE_GRAPH"
	ErrCodeMissingContextVar = "MISSING_CONTEXT_VARIABLE"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeTaskUnavailable   = "TASK_UNAVAILABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodeAssertionFailed   = "ASSERTION_FAILED"
)

// FlowError is the structured error type for all stepflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error's code classifies it as a candidate
// for retry. Structural problems (validation, missing context variables,
// invalid transitions) never are; timeouts and generic execution errors are.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeMissingContextVar, ErrCodeInvalidTransition,
		ErrCodeCycleDetected, ErrCodeUnsatisfiable, ErrCodeCancelled,
		ErrCodeTaskUnavailable, ErrCodeNonRetryable, ErrCodeNotFound, ErrCodeConflict,
		ErrCodePathDenied, ErrCodeAssertionFailed:
		return false
	default:
		return true
	}
}
