package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks plan definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *schema.PlanDefinition) error
	ValidateParams(params map[string]any, paramsSchema []byte) error
}

// TaskLookup answers whether a task name is registered. Implemented by
// tasks.Registry; may be nil to skip task existence checks.
type TaskLookup interface {
	Has(name string) bool
}
