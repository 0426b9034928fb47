package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingDecodeClassification(t *testing.T) {
	raw := []byte(`{
		"id": "process",
		"task": "transform",
		"inputs": {
			"data": "$fetch",
			"mode": "strict",
			"limit": 10,
			"flags": {"deep": true},
			"dollar": "$"
		},
		"depends_on": ["fetch"]
	}`)

	var step StepDefinition
	require.NoError(t, json.Unmarshal(raw, &step))

	data := step.Inputs["data"]
	assert.True(t, data.IsReference())
	assert.Equal(t, "fetch", data.StepName())

	mode := step.Inputs["mode"]
	assert.False(t, mode.IsReference())
	assert.Equal(t, "strict", mode.Value())

	limit := step.Inputs["limit"]
	assert.False(t, limit.IsReference())
	assert.Equal(t, float64(10), limit.Value())

	flags := step.Inputs["flags"]
	assert.False(t, flags.IsReference())
	assert.Equal(t, map[string]any{"deep": true}, flags.Value())

	// A lone sentinel has no step name and stays a literal.
	dollar := step.Inputs["dollar"]
	assert.False(t, dollar.IsReference())
	assert.Equal(t, "$", dollar.Value())
}

func TestBindingWireFormatPreserved(t *testing.T) {
	cases := []string{
		`"$fetch"`,
		`"literal text"`,
		`42`,
		`true`,
		`null`,
		`["$not_a_ref_inside_array","x"]`,
	}
	for _, c := range cases {
		var b Binding
		require.NoError(t, json.Unmarshal([]byte(c), &b), c)
		out, err := json.Marshal(b)
		require.NoError(t, err, c)
		assert.JSONEq(t, c, string(out), c)
	}
}

func TestBindingConstructors(t *testing.T) {
	ref := Reference("fetch")
	assert.True(t, ref.IsReference())
	assert.Equal(t, "$fetch", ref.String())

	lit := Literal(map[string]any{"k": "v"})
	assert.False(t, lit.IsReference())
	assert.Equal(t, `{"k":"v"}`, lit.String())
}

func TestReferencedSteps(t *testing.T) {
	step := StepDefinition{
		ID:   "merge",
		Task: "transform",
		Inputs: map[string]Binding{
			"left":  Reference("a"),
			"right": Reference("b"),
			"mode":  Literal("union"),
		},
	}
	refs := step.ReferencedSteps()
	assert.Equal(t, map[string]bool{"a": true, "b": true}, refs)
}

func TestContextKeyDefaultsToID(t *testing.T) {
	s := StepDefinition{ID: "fetch"}
	assert.Equal(t, "fetch", s.ContextKey())

	s.Name = "raw_page"
	assert.Equal(t, "raw_page", s.ContextKey())
}

func TestFlowErrorFormatting(t *testing.T) {
	err := NewErrorf(ErrCodeStepFailed, "task exploded: %s", "boom").WithStep("s1")
	assert.Equal(t, "[STEP_FAILED] step s1: task exploded: boom", err.Error())

	cause := errors.New("root cause")
	wrapped := NewError(ErrCodeStore, "persist failed").WithCause(cause)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestFlowErrorRetryability(t *testing.T) {
	assert.False(t, NewError(ErrCodeMissingContextVar, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeCancelled, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeExecution, "x").IsRetryable())
}

func TestValidationResultToError(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddWarning("steps[0]", ErrCodeValidation, "just a warning")
	assert.True(t, r.Valid())

	r.AddError("steps[1]", ErrCodeValidation, "bad step")
	assert.False(t, r.Valid())

	err := r.ToError()
	require.Error(t, err)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, "bad step", fe.Message)
}
