package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// AssertTasks returns all assertion-related tasks. An assertion that fails
// returns a non-retryable ASSERTION_FAILED error, so retry policies do not
// hammer a deterministic check.
func AssertTasks(validator *validation.JSONSchemaValidator) []Task {
	return []Task{
		&assertEqualsTask{},
		&assertContainsTask{},
		&assertMatchesTask{},
		&assertSchemaTask{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 for consistent deep-equal
// comparison. JSON unmarshaling produces float64 for numbers; this normalizes
// int, int64, json.Number so reflect.DeepEqual works across boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passResult = map[string]any{"pass": true}

// --- assert.equals ---

type assertEqualsTask struct{}

func (t *assertEqualsTask) Name() string { return "assert.equals" }

func (t *assertEqualsTask) Schema() TaskSchema {
	return TaskSchema{Description: "Assert that two values are deeply equal"}
}

func (t *assertEqualsTask) Validate(params map[string]any) error {
	if _, ok := params["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := params["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	return nil
}

func (t *assertEqualsTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	expected := normalizeJSON(input.Params["expected"])
	actual := normalizeJSON(input.Params["actual"])

	if reflect.DeepEqual(expected, actual) {
		return passResult, nil
	}

	msg := "assertion failed: values are not equal"
	if m, ok := input.Params["message"].(string); ok && m != "" {
		msg = m
	}

	return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
		WithDetails(map[string]any{"expected": input.Params["expected"], "actual": input.Params["actual"]})
}

// --- assert.contains ---

type assertContainsTask struct{}

func (t *assertContainsTask) Name() string { return "assert.contains" }

func (t *assertContainsTask) Schema() TaskSchema {
	return TaskSchema{Description: "Assert that a string or array contains a value"}
}

func (t *assertContainsTask) Validate(params map[string]any) error {
	if _, ok := params["haystack"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := params["needle"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}
	return nil
}

func (t *assertContainsTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	haystack := input.Params["haystack"]
	needle := input.Params["needle"]

	msg := "assertion failed: value not found"
	if m, ok := input.Params["message"].(string); ok && m != "" {
		msg = m
	}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return passResult, nil
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return passResult, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
}

// --- assert.matches ---

type assertMatchesTask struct{}

func (t *assertMatchesTask) Name() string { return "assert.matches" }

func (t *assertMatchesTask) Schema() TaskSchema {
	return TaskSchema{Description: "Assert that a string matches a regular expression"}
}

func (t *assertMatchesTask) Validate(params map[string]any) error {
	if _, ok := params["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' string parameter")
	}
	if _, ok := params["pattern"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string parameter")
	}
	return nil
}

func (t *assertMatchesTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	value, _ := input.Params["value"].(string)
	pattern, _ := input.Params["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		msg := "assertion failed: value does not match pattern"
		if m, ok := input.Params["message"].(string); ok && m != "" {
			msg = m
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
			WithDetails(map[string]any{"value": value, "pattern": pattern})
	}

	return map[string]any{"pass": true, "matches": re.FindString(value)}, nil
}

// --- assert.schema ---

type assertSchemaTask struct {
	validator *validation.JSONSchemaValidator
}

func (t *assertSchemaTask) Name() string { return "assert.schema" }

func (t *assertSchemaTask) Schema() TaskSchema {
	return TaskSchema{Description: "Assert that data conforms to a JSON Schema"}
}

func (t *assertSchemaTask) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := params["schema"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' parameter")
	}
	return nil
}

func (t *assertSchemaTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}

	dataMap, ok := input.Params["data"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: data must be an object")
	}

	if err := t.validator.ValidateParams(dataMap, schemaBytes); err != nil {
		msg := "assertion failed: data does not match schema"
		if m, ok := input.Params["message"].(string); ok && m != "" {
			msg = m
		}
		details := map[string]any{"error": err.Error()}
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Details != nil {
			details["violations"] = flowErr.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).WithDetails(details)
	}

	return passResult, nil
}
