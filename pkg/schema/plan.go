package schema

import (
	"encoding/json"
)

// ReferenceSentinel is the character that marks a step input as a reference
// to another step's published result. The wire format ("$<name>") is fixed:
// existing plan definitions must round-trip byte-for-byte.
const ReferenceSentinel = '$'

// PlanDefinition is the JSON/YAML-serializable plan format.
type PlanDefinition struct {
	Name          string           `json:"name" yaml:"name"`
	Goal          string           `json:"goal,omitempty" yaml:"goal,omitempty"`
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
	Inputs        map[string]any   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Timeout       string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnStepFailure FailurePolicy    `json:"on_step_failure,omitempty" yaml:"on_step_failure,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepDefinition describes a single step in a plan.
type StepDefinition struct {
	ID        string             `json:"id" yaml:"id"`
	Name      string             `json:"name,omitempty" yaml:"name,omitempty"` // context slot for the result (default: ID)
	Task      string             `json:"task" yaml:"task"`                     // registered task name
	Inputs    map[string]Binding `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn []string           `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition string             `json:"condition,omitempty" yaml:"condition,omitempty"`
	Retry     *RetryPolicy       `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout   string             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnError   *ErrorHandler      `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// ContextKey returns the key under which the step's result is published.
func (s *StepDefinition) ContextKey() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// FailurePolicy controls what the executor does when a step fails and no
// error handler absorbs the failure.
type FailurePolicy string

const (
	// FailAbort cancels in-flight steps and ends the run immediately.
	FailAbort FailurePolicy = "abort"
	// FailStopScheduling stops dispatching new steps but lets in-flight
	// steps finish; the run returns FAILED with the partial context.
	FailStopScheduling FailurePolicy = "stop_scheduling"
	// FailContinueOthers keeps dispatching steps that do not depend on the
	// failed step; its transitive dependents are skipped.
	FailContinueOthers FailurePolicy = "continue_others"
)

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// ErrorStrategy enumerates per-step error handler strategies.
type ErrorStrategy string

const (
	ErrorStrategyIgnore       ErrorStrategy = "ignore"
	ErrorStrategyFailPlan     ErrorStrategy = "fail_plan"
	ErrorStrategyFallbackStep ErrorStrategy = "fallback_step"
)

// ErrorHandler configures what happens when a step exhausts its retries.
type ErrorHandler struct {
	Strategy     ErrorStrategy `json:"strategy" yaml:"strategy"`
	FallbackStep string        `json:"fallback_step,omitempty" yaml:"fallback_step,omitempty"`
}

// Binding is a step input: either a literal value or a reference to another
// step's published result. The tagged union is built at decode time so
// resolution is a pattern match instead of a repeated string-prefix check.
type Binding struct {
	ref string
	lit any
}

// Literal creates a literal binding.
func Literal(v any) Binding {
	return Binding{lit: v}
}

// Reference creates a binding that resolves to the named step's result.
func Reference(stepName string) Binding {
	return Binding{ref: stepName}
}

// IsReference reports whether the binding is a reference.
func (b Binding) IsReference() bool {
	return b.ref != ""
}

// StepName returns the referenced step name, or "" for literals.
func (b Binding) StepName() string {
	return b.ref
}

// Value returns the literal value. Undefined for references.
func (b Binding) Value() any {
	return b.lit
}

// parseBindingString classifies a decoded string value. A string of the form
// "$<name>" is a reference; a lone "$" stays a literal.
func parseBindingString(s string) Binding {
	if len(s) > 1 && s[0] == ReferenceSentinel {
		return Reference(s[1:])
	}
	return Literal(s)
}

// UnmarshalJSON decodes a binding from its wire form.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if s, ok := v.(string); ok {
		*b = parseBindingString(s)
		return nil
	}
	*b = Literal(v)
	return nil
}

// MarshalJSON re-encodes the binding in its wire form ("$<name>" for
// references, the raw value for literals).
func (b Binding) MarshalJSON() ([]byte, error) {
	if b.IsReference() {
		return json.Marshal(string(ReferenceSentinel) + b.ref)
	}
	return json.Marshal(b.lit)
}

// UnmarshalYAML decodes a binding from a YAML plan file.
func (b *Binding) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	if s, ok := v.(string); ok {
		*b = parseBindingString(s)
		return nil
	}
	*b = Literal(v)
	return nil
}

// MarshalYAML re-encodes the binding in its wire form.
func (b Binding) MarshalYAML() (any, error) {
	if b.IsReference() {
		return string(ReferenceSentinel) + b.ref, nil
	}
	return b.lit, nil
}

// String renders the binding for log and error messages.
func (b Binding) String() string {
	if b.IsReference() {
		return string(ReferenceSentinel) + b.ref
	}
	if s, ok := b.lit.(string); ok {
		return s
	}
	data, err := json.Marshal(b.lit)
	if err != nil {
		return "<literal>"
	}
	return string(data)
}

// ReferencedSteps returns the set of step names referenced by a step's
// input bindings. Used to check or infer depends_on consistency.
func (s *StepDefinition) ReferencedSteps() map[string]bool {
	refs := make(map[string]bool)
	for _, b := range s.Inputs {
		if b.IsReference() {
			refs[b.StepName()] = true
		}
	}
	return refs
}
