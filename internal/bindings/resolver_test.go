package bindings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestResolveLiteralsAndReferences(t *testing.T) {
	inputs := map[string]schema.Binding{
		"url":     schema.Literal("https://example.com"),
		"retries": schema.Literal(3),
		"payload": schema.Reference("fetch"),
	}
	runContext := map[string]any{
		"fetch": map[string]any{"status": 200},
	}

	params, err := Resolve(inputs, runContext)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", params["url"])
	assert.Equal(t, 3, params["retries"])
	assert.Equal(t, map[string]any{"status": 200}, params["payload"])
}

func TestResolveMissingReference(t *testing.T) {
	inputs := map[string]schema.Binding{
		"data": schema.Reference("nonexistent"),
	}

	params, err := Resolve(inputs, map[string]any{})
	assert.Nil(t, params)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeMissingContextVar, fe.Code)
	assert.Contains(t, fe.Error(), `"data"`)
	assert.Contains(t, fe.Error(), "$nonexistent")
	assert.Equal(t, "nonexistent", fe.Details["reference"])
}

func TestResolveNilValueIsPresent(t *testing.T) {
	// A step that completed with a nil result still satisfies references.
	inputs := map[string]schema.Binding{
		"prev": schema.Reference("noop_step"),
	}
	runContext := map[string]any{"noop_step": nil}

	params, err := Resolve(inputs, runContext)
	require.NoError(t, err)
	assert.Nil(t, params["prev"])
	assert.Contains(t, params, "prev")
}

func TestResolveEmptyInputs(t *testing.T) {
	params, err := Resolve(nil, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestResolveFirstMissingIsDeterministic(t *testing.T) {
	inputs := map[string]schema.Binding{
		"zeta":  schema.Reference("gone_z"),
		"alpha": schema.Reference("gone_a"),
	}

	for i := 0; i < 10; i++ {
		_, err := Resolve(inputs, map[string]any{})
		require.Error(t, err)
		// Parameters resolve in sorted order, so "alpha" always fails first.
		assert.Contains(t, err.Error(), `"alpha"`)
	}
}

func TestMissingReferences(t *testing.T) {
	inputs := map[string]schema.Binding{
		"a":    schema.Reference("done"),
		"b":    schema.Reference("pending_1"),
		"c":    schema.Reference("pending_2"),
		"d":    schema.Reference("pending_1"),
		"mode": schema.Literal("fast"),
	}
	runContext := map[string]any{"done": 42}

	missing := MissingReferences(inputs, runContext)
	assert.Equal(t, []string{"pending_1", "pending_2"}, missing)

	runContext["pending_1"] = "x"
	runContext["pending_2"] = "y"
	assert.Empty(t, MissingReferences(inputs, runContext))
}
