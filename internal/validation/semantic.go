package validation

import (
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateSemantic performs semantic analysis on the plan definition.
// Checks: task names registered, depends_on refs valid, fallback_step refs
// valid, context key uniqueness, input reference consistency.
func validateSemantic(def *schema.PlanDefinition, lookup TaskLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Step ID set plus context-key index (references resolve by key).
	stepIDs := make(map[string]bool, len(def.Steps))
	contextKeys := make(map[string]string, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}
	for i := range def.Steps {
		s := &def.Steps[i]
		key := s.ContextKey()
		if prev, exists := contextKeys[key]; exists {
			result.AddError(fmt.Sprintf("steps[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("context key %q already published by step %q", key, prev))
			continue
		}
		contextKeys[key] = s.ID
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, contextKeys, def, lookup, result)
	}

	return result
}

// validateStepSemantic checks a single step.
func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, contextKeys map[string]string, def *schema.PlanDefinition, lookup TaskLookup, result *schema.ValidationResult) {
	// Task existence.
	if step.Task != "" && lookup != nil {
		if !lookup.Has(step.Task) {
			result.AddError(path+".task", schema.ErrCodeTaskUnavailable,
				fmt.Sprintf("task %q not registered", step.Task))
		}
	}

	// depends_on references.
	seen := make(map[string]bool, len(step.DependsOn))
	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %q depends on itself", step.ID))
		case !stepIDs[dep]:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		case seen[dep]:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate dependency %q", dep))
		}
		seen[dep] = true
	}

	// Input references resolve against published context keys. An unknown
	// target may still be satisfied by run params, so it only warns.
	for name, binding := range step.Inputs {
		if !binding.IsReference() {
			continue
		}
		target := binding.StepName()
		inPath := fmt.Sprintf("%s.inputs[%s]", path, name)
		if target == step.ContextKey() {
			result.AddError(inPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %q references its own result", step.ID))
			continue
		}
		if _, ok := contextKeys[target]; !ok {
			result.AddWarning(inPath, schema.ErrCodeValidation,
				fmt.Sprintf("reference %q does not match any step; it must be supplied as a run param", target))
		}
	}

	// on_error.fallback_step reference.
	if step.OnError != nil {
		switch {
		case step.OnError.Strategy == schema.ErrorStrategyFallbackStep && step.OnError.FallbackStep == "":
			result.AddError(path+".on_error.fallback_step",
				schema.ErrCodeValidation, "fallback_step strategy requires a fallback_step ID")
		case step.OnError.Strategy == schema.ErrorStrategyFallbackStep && step.OnError.FallbackStep == step.ID:
			result.AddError(path+".on_error.fallback_step",
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q is its own fallback", step.ID))
		case step.OnError.Strategy == schema.ErrorStrategyFallbackStep && !stepIDs[step.OnError.FallbackStep]:
			result.AddError(path+".on_error.fallback_step",
				schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", step.OnError.FallbackStep))
		case step.OnError.Strategy != schema.ErrorStrategyFallbackStep && step.OnError.FallbackStep != "":
			result.AddWarning(path+".on_error.fallback_step",
				schema.ErrCodeValidation,
				fmt.Sprintf("fallback_step is ignored with strategy %q", step.OnError.Strategy))
		}
	}

	// Warning: high retry count.
	if step.Retry != nil && step.Retry.Max > 10 {
		result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
	}

	// Warning: step timeout exceeds plan timeout.
	if step.Timeout != "" && def.Timeout != "" {
		if sDur, err := time.ParseDuration(step.Timeout); err == nil {
			if pDur, err := time.ParseDuration(def.Timeout); err == nil && sDur > pDur {
				result.AddWarning(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("step timeout (%s) exceeds plan timeout (%s); plan context expires first", step.Timeout, def.Timeout))
			}
		}
	}
}
