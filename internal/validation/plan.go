package validation

import "github.com/rendis/stepflow/pkg/schema"

// PlanValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (task refs, step refs, context keys)
// 3. DAG (cycles, reachability)
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
	tasks      TaskLookup
}

// NewPlanValidator creates a PlanValidator.
// lookup may be nil to skip task existence checks.
func NewPlanValidator(lookup TaskLookup) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{
		jsonSchema: jsv,
		tasks:      lookup,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (pv *PlanValidator) Validate(def *schema.PlanDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(pv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, pv.tasks))

	// Stage 3: DAG (skip if semantic errors made the graph meaningless).
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (pv *PlanValidator) ValidateDefinition(def *schema.PlanDefinition) error {
	return pv.Validate(def).ToError()
}

// ValidateParams delegates to the underlying JSONSchemaValidator.
func (pv *PlanValidator) ValidateParams(params map[string]any, paramsSchema []byte) error {
	return pv.jsonSchema.ValidateParams(params, paramsSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.PlanDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
