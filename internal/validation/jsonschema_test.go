package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newStructuralValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.PlanDefinition {
	return &schema.PlanDefinition{
		Name: "etl",
		Steps: []schema.StepDefinition{
			{ID: "fetch", Task: "http.get", Inputs: map[string]schema.Binding{
				"url": schema.Literal("https://example.com/data"),
			}},
			{ID: "transform", Task: "transform", DependsOn: []string{"fetch"}, Inputs: map[string]schema.Binding{
				"data": schema.Reference("fetch"),
			}},
		},
	}
}

// --- Plan definition ---

func TestJSONSchema_ValidPlan(t *testing.T) {
	v := newStructuralValidator(t)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestJSONSchema_NilDefinition(t *testing.T) {
	v := newStructuralValidator(t)
	err := v.ValidateDefinition(nil)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestJSONSchema_MissingName(t *testing.T) {
	v := newStructuralValidator(t)
	def := validDefinition()
	def.Name = ""
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestJSONSchema_EmptySteps(t *testing.T) {
	v := newStructuralValidator(t)
	def := &schema.PlanDefinition{Name: "empty"}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}

func TestJSONSchema_StepMissingTask(t *testing.T) {
	v := newStructuralValidator(t)
	def := &schema.PlanDefinition{
		Name:  "p",
		Steps: []schema.StepDefinition{{ID: "a"}},
	}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task")
}

func TestJSONSchema_InvalidTimeoutFormat(t *testing.T) {
	v := newStructuralValidator(t)
	def := validDefinition()
	def.Timeout = "five minutes"
	assert.Error(t, v.ValidateDefinition(def))
}

func TestJSONSchema_InvalidFailurePolicy(t *testing.T) {
	v := newStructuralValidator(t)
	def := validDefinition()
	def.OnStepFailure = "explode"
	assert.Error(t, v.ValidateDefinition(def))
}

func TestJSONSchema_InvalidRetryBackoff(t *testing.T) {
	v := newStructuralValidator(t)
	def := validDefinition()
	def.Steps[0].Retry = &schema.RetryPolicy{Max: 2, Backoff: "fibonacci"}
	assert.Error(t, v.ValidateDefinition(def))
}

func TestJSONSchema_RetryRequiresMax(t *testing.T) {
	v := newStructuralValidator(t)
	def := validDefinition()
	def.Steps[0].Retry = &schema.RetryPolicy{Max: 3, Backoff: "exponential", Delay: "100ms"}
	assert.NoError(t, v.ValidateDefinition(def))

	def.Steps[0].Retry = &schema.RetryPolicy{Max: -1}
	assert.Error(t, v.ValidateDefinition(def))
}

func TestJSONSchema_InvalidErrorStrategy(t *testing.T) {
	v := newStructuralValidator(t)
	def := validDefinition()
	def.Steps[0].OnError = &schema.ErrorHandler{Strategy: "shrug"}
	assert.Error(t, v.ValidateDefinition(def))
}

func TestJSONSchema_DuplicateStepIDs(t *testing.T) {
	v := newStructuralValidator(t)
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "a", Task: "noop"},
			{ID: "a", Task: "noop"},
		},
	}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate step id "a"`)
}

func TestJSONSchema_MultipleViolationsAggregated(t *testing.T) {
	v := newStructuralValidator(t)
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "", Task: ""},
		},
		Timeout: "bogus",
	}
	err := v.ValidateDefinition(def)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	violations, ok := flowErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.Greater(t, len(violations), 1)
}

// --- Params ---

func TestJSONSchema_ValidateParams(t *testing.T) {
	v := newStructuralValidator(t)
	paramsSchema := []byte(`{
		"type": "object",
		"required": ["region"],
		"properties": {
			"region": { "type": "string" },
			"limit": { "type": "integer", "minimum": 1 }
		}
	}`)

	err := v.ValidateParams(map[string]any{"region": "us-east-1", "limit": 10}, paramsSchema)
	assert.NoError(t, err)

	err = v.ValidateParams(map[string]any{"limit": 0}, paramsSchema)
	assert.Error(t, err)
}

func TestJSONSchema_ValidateParamsNil(t *testing.T) {
	v := newStructuralValidator(t)
	err := v.ValidateParams(nil, []byte(`{"type":"object"}`))
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestJSONSchema_ValidateParamsNoSchema(t *testing.T) {
	v := newStructuralValidator(t)
	assert.NoError(t, v.ValidateParams(map[string]any{"anything": true}, nil))
}

func TestJSONSchema_ValidateParamsBadSchema(t *testing.T) {
	v := newStructuralValidator(t)
	err := v.ValidateParams(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid params schema")
}

func TestJSONSchema_ParamsSchemaCached(t *testing.T) {
	v := newStructuralValidator(t)
	paramsSchema := []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`)

	require.NoError(t, v.ValidateParams(map[string]any{"n": 1}, paramsSchema))
	require.NoError(t, v.ValidateParams(map[string]any{"n": 2}, paramsSchema))
	assert.Len(t, v.cache, 1)
}
