package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

// planSchemaJSON is the JSON Schema for PlanDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/plan.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "goal": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": {
      "type": "object"
    },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "on_step_failure": {
      "type": "string",
      "enum": ["abort", "stop_scheduling", "continue_others"]
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "task"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "name": { "type": "string" },
        "task": {
          "type": "string",
          "minLength": 1
        },
        "inputs": {
          "type": "object"
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "on_error": { "$ref": "#/$defs/error_handler" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "error_handler": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": {
          "type": "string",
          "enum": ["ignore", "fail_plan", "fallback_step"]
        },
        "fallback_step": {
          "type": "string"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements structural validation using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the plan
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://stepflow.dev/schemas/plan.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	planSchema, err := c.Compile("https://stepflow.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &JSONSchemaValidator{
		planSchema: planSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a PlanDefinition against the plan JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.PlanDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan definition").WithCause(err)
	}

	if err := v.planSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	// Structural checks that JSON Schema cannot express: duplicate step IDs.
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// ValidateParams validates run parameters against a JSON Schema provided as
// raw bytes. The schema is compiled and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramsSchema []byte) error {
	if params == nil {
		return schema.NewError(schema.ErrCodeValidation, "params is nil")
	}
	if len(paramsSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(paramsSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid params schema").WithCause(err)
	}

	// Convert params to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize params").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stepflow://params-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
