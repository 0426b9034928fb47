package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// mockTaskLookup implements TaskLookup for tests.
type mockTaskLookup struct {
	registered map[string]bool
}

func (m *mockTaskLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockTaskLookup {
	m := &mockTaskLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

// --- Task existence ---

func TestSemantic_TaskExists(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "http.get"},
		},
	}
	result := validateSemantic(def, newMockLookup("http.get"))
	assert.True(t, result.Valid())
}

func TestSemantic_TaskNotRegistered(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "http.get"},
		},
	}
	result := validateSemantic(def, newMockLookup("http.post"))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].task", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeTaskUnavailable, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "http.get")
}

func TestSemantic_NilLookupSkipsTaskCheck(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "anything"},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
}

// --- depends_on ---

func TestSemantic_DependsOnUnknownStep(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", DependsOn: []string{"ghost"}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].depends_on[0]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `"ghost"`)
}

func TestSemantic_SelfDependency(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", DependsOn: []string{"s1"}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "depends on itself")
}

func TestSemantic_DuplicateDependency(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "a", Task: "noop"},
			{ID: "b", Task: "noop", DependsOn: []string{"a", "a"}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].depends_on[1]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "duplicate dependency")
}

// --- Context keys ---

func TestSemantic_DuplicateContextKey(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "a", Name: "result", Task: "noop"},
			{ID: "b", Name: "result", Task: "noop"},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].name", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `"result"`)
}

func TestSemantic_NameCollidesWithOtherStepID(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "a", Task: "noop"},
			{ID: "b", Name: "a", Task: "noop"},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "already published")
}

// --- Input references ---

func TestSemantic_ReferenceToUnknownStepWarns(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", Inputs: map[string]schema.Binding{
				"data": schema.Reference("upstream"),
			}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].inputs[data]", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "run param")
}

func TestSemantic_SelfReference(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", Inputs: map[string]schema.Binding{
				"data": schema.Reference("s1"),
			}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "references its own result")
}

func TestSemantic_ReferenceByContextKey(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "a", Name: "fetched", Task: "noop"},
			{ID: "b", Task: "noop", Inputs: map[string]schema.Binding{
				"data": schema.Reference("fetched"),
			}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

// --- Error handlers ---

func TestSemantic_FallbackStepMissingID(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", OnError: &schema.ErrorHandler{
				Strategy: schema.ErrorStrategyFallbackStep,
			}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].on_error.fallback_step", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "requires a fallback_step ID")
}

func TestSemantic_FallbackStepIsSelf(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", OnError: &schema.ErrorHandler{
				Strategy:     schema.ErrorStrategyFallbackStep,
				FallbackStep: "s1",
			}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "its own fallback")
}

func TestSemantic_FallbackStepUnknown(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", OnError: &schema.ErrorHandler{
				Strategy:     schema.ErrorStrategyFallbackStep,
				FallbackStep: "ghost",
			}},
		},
	}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, `"ghost"`)
}

func TestSemantic_FallbackStepIgnoredWithOtherStrategy(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "a", Task: "noop"},
			{ID: "b", Task: "noop", OnError: &schema.ErrorHandler{
				Strategy:     schema.ErrorStrategyIgnore,
				FallbackStep: "a",
			}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "ignored")
}

// --- Warnings ---

func TestSemantic_HighRetryCountWarns(t *testing.T) {
	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", Retry: &schema.RetryPolicy{Max: 50}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].retry.max", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "50")
}

func TestSemantic_StepTimeoutExceedsPlanTimeoutWarns(t *testing.T) {
	def := &schema.PlanDefinition{
		Name:    "p",
		Timeout: "1m",
		Steps: []schema.StepDefinition{
			{ID: "s1", Task: "noop", Timeout: "5m"},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].timeout", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "exceeds plan timeout")
}
