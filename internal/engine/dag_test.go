package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// --- helpers ---

func taskStep(id string, depends ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:        id,
		Task:      "noop",
		DependsOn: depends,
	}
}

func refStep(id string, inputs map[string]string, depends ...string) schema.StepDefinition {
	step := taskStep(id, depends...)
	step.Inputs = make(map[string]schema.Binding, len(inputs))
	for param, ref := range inputs {
		step.Inputs[param] = schema.Reference(ref)
	}
	return step
}

func planOf(steps ...schema.StepDefinition) *schema.PlanDefinition {
	return &schema.PlanDefinition{Name: "test", Steps: steps}
}

func assertFlowError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, expectedCode, flowErr.Code, "message: %s", flowErr.Message)
}

func indexOf(dag *DAG) map[string]int {
	m := make(map[string]int, len(dag.Sorted))
	for i, s := range dag.Sorted {
		m[s] = i
	}
	return m
}

// --- graph structure ---

func TestBuildDAGLinearChain(t *testing.T) {
	dag, err := BuildDAG(planOf(
		taskStep("fetch"),
		taskStep("process", "fetch"),
		taskStep("format", "process"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "process", "format"}, dag.Sorted)
	assert.Equal(t, []string{"fetch"}, dag.Roots)
	assert.Equal(t, [][]string{{"fetch"}, {"process"}, {"format"}}, dag.Levels)
}

func TestBuildDAGDiamond(t *testing.T) {
	dag, err := BuildDAG(planOf(
		taskStep("a"),
		taskStep("b", "a"),
		taskStep("c", "a"),
		taskStep("d", "b", "c"),
	))
	require.NoError(t, err)

	idx := indexOf(dag)
	assert.Less(t, idx["a"], idx["b"])
	assert.Less(t, idx["a"], idx["c"])
	assert.Less(t, idx["b"], idx["d"])
	assert.Less(t, idx["c"], idx["d"])

	// b and c are independent, so they share a level.
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, dag.Levels)
}

func TestBuildDAGMultipleRoots(t *testing.T) {
	dag, err := BuildDAG(planOf(
		taskStep("z"),
		taskStep("a"),
		taskStep("join", "a", "z"),
	))
	require.NoError(t, err)

	// Roots come out sorted for determinism.
	assert.Equal(t, []string{"a", "z"}, dag.Roots)
}

func TestBuildDAGImplicitEdgeFromReference(t *testing.T) {
	// "process" names no depends_on, but its input references fetch's
	// context key, which creates a dependency edge.
	dag, err := BuildDAG(planOf(
		taskStep("fetch"),
		refStep("process", map[string]string{"data": "fetch"}),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch"}, dag.Edges["process"])
	assert.Equal(t, []string{"fetch", "process"}, dag.Sorted)
}

func TestBuildDAGReferenceToNamedStep(t *testing.T) {
	// References resolve against the context key (name when set, id
	// otherwise).
	fetch := taskStep("step-1")
	fetch.Name = "fetch"
	dag, err := BuildDAG(planOf(
		fetch,
		refStep("process", map[string]string{"data": "fetch"}),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"step-1"}, dag.Edges["process"])
}

func TestBuildDAGReferenceAndDependsOnDeduplicated(t *testing.T) {
	dag, err := BuildDAG(planOf(
		taskStep("fetch"),
		refStep("process", map[string]string{"data": "fetch"}, "fetch"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch"}, dag.Edges["process"])
	assert.Equal(t, []string{"process"}, dag.Reverse["fetch"])
}

func TestBuildDAGUnknownReferenceDeferred(t *testing.T) {
	// A reference that matches no step is not a build error: it is
	// resolved at runtime against the run params, or fails there with
	// MISSING_CONTEXT_VARIABLE.
	dag, err := BuildDAG(planOf(
		refStep("solo", map[string]string{"data": "nonexistent"}),
	))
	require.NoError(t, err)
	assert.Empty(t, dag.Edges["solo"])
}

// --- validation errors ---

func TestBuildDAGRejectsNilAndEmpty(t *testing.T) {
	_, err := BuildDAG(nil)
	assertFlowError(t, err, schema.ErrCodeValidation)

	_, err = BuildDAG(planOf())
	assertFlowError(t, err, schema.ErrCodeValidation)
}

func TestBuildDAGRejectsDuplicateID(t *testing.T) {
	_, err := BuildDAG(planOf(taskStep("a"), taskStep("a")))
	assertFlowError(t, err, schema.ErrCodeValidation)
}

func TestBuildDAGRejectsEmptyIDAndTask(t *testing.T) {
	_, err := BuildDAG(planOf(schema.StepDefinition{Task: "noop"}))
	assertFlowError(t, err, schema.ErrCodeValidation)

	_, err = BuildDAG(planOf(schema.StepDefinition{ID: "a"}))
	assertFlowError(t, err, schema.ErrCodeValidation)
}

func TestBuildDAGRejectsDuplicateContextKey(t *testing.T) {
	a := taskStep("a")
	b := taskStep("b")
	b.Name = "a"
	_, err := BuildDAG(planOf(a, b))
	assertFlowError(t, err, schema.ErrCodeValidation)
}

func TestBuildDAGRejectsUnknownDependency(t *testing.T) {
	_, err := BuildDAG(planOf(taskStep("a", "ghost")))
	assertFlowError(t, err, schema.ErrCodeValidation)
}

func TestBuildDAGRejectsSelfDependency(t *testing.T) {
	_, err := BuildDAG(planOf(taskStep("a", "a")))
	assertFlowError(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildDAGRejectsSelfReference(t *testing.T) {
	_, err := BuildDAG(planOf(refStep("a", map[string]string{"data": "a"})))
	assertFlowError(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildDAGRejectsCycle(t *testing.T) {
	_, err := BuildDAG(planOf(
		taskStep("a", "c"),
		taskStep("b", "a"),
		taskStep("c", "b"),
	))
	assertFlowError(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildDAGRejectsTwoNodeCycle(t *testing.T) {
	_, err := BuildDAG(planOf(
		taskStep("a", "b"),
		taskStep("b", "a"),
	))

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeCycleDetected, flowErr.Code)
}

func TestBuildDAGRejectsReferenceCycle(t *testing.T) {
	// The cycle is formed purely by input references.
	_, err := BuildDAG(planOf(
		refStep("a", map[string]string{"x": "b"}),
		refStep("b", map[string]string{"y": "a"}),
	))
	assertFlowError(t, err, schema.ErrCodeCycleDetected)
}

// --- dependents ---

func TestDependentsTransitive(t *testing.T) {
	dag, err := BuildDAG(planOf(
		taskStep("a"),
		taskStep("b", "a"),
		taskStep("c", "b"),
		taskStep("d", "a"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "d"}, dag.Dependents("a"))
	assert.Equal(t, []string{"c"}, dag.Dependents("b"))
	assert.Empty(t, dag.Dependents("c"))
}

func TestBuildDAGLargeFanOut(t *testing.T) {
	steps := []schema.StepDefinition{taskStep("root")}
	for i := 0; i < 50; i++ {
		steps = append(steps, taskStep(string(rune('a'+i%26))+string(rune('0'+i/26)), "root"))
	}
	dag, err := BuildDAG(planOf(steps...))
	require.NoError(t, err)

	assert.Len(t, dag.Sorted, 51)
	assert.Equal(t, "root", dag.Sorted[0])
	assert.Len(t, dag.Levels, 2)
	assert.Len(t, dag.Dependents("root"), 50)
}
