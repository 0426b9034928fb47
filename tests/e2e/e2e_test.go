package e2e

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Test harness ---

type harness struct {
	t        *testing.T
	store    *store.LibSQLStore
	eventLog *store.EventLog
	registry *tasks.Registry
	executor *engine.Executor
	workDir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	eventLog := store.NewEventLog(s)

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	workDir := filepath.Join(dir, "work")
	reg := tasks.NewRegistry()
	require.NoError(t, tasks.RegisterBuiltins(reg, validator,
		tasks.HTTPConfig{},
		tasks.FSConfig{Policy: tasks.PathPolicy{WritablePaths: []string{workDir}}},
		tasks.ShellConfig{},
	))

	condEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)

	exec := engine.NewExecutor(s, eventLog, reg, condEngine, nil, engine.ExecutorConfig{
		Parallelism: 4,
	})

	return &harness{
		t:        t,
		store:    s,
		eventLog: eventLog,
		registry: reg,
		executor: exec,
		workDir:  workDir,
	}
}

func (h *harness) run(def *schema.PlanDefinition, params map[string]any) *engine.ExecutionResult {
	h.t.Helper()
	result, err := h.executor.Execute(context.Background(), def, params)
	require.NoError(h.t, err)
	return result
}

// --- Full pipeline through real tasks and the libSQL store ---

func TestFilePipeline(t *testing.T) {
	h := newHarness(t)
	outPath := filepath.Join(h.workDir, "report.txt")

	def := &schema.PlanDefinition{
		Name: "file-pipeline",
		Steps: []schema.StepDefinition{
			{
				ID:   "render",
				Task: "echo",
				Inputs: map[string]schema.Binding{
					"value": schema.Literal("pipeline output"),
				},
			},
			{
				ID:   "write",
				Task: "fs.write",
				Inputs: map[string]schema.Binding{
					"path":        schema.Literal(outPath),
					"content":     schema.Reference("render"),
					"create_dirs": schema.Literal(true),
				},
			},
			{
				ID:        "readback",
				Task:      "fs.read",
				DependsOn: []string{"write"},
				Inputs: map[string]schema.Binding{
					"path": schema.Literal(outPath),
				},
			},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)

	readback, ok := result.Context["readback"].(map[string]any)
	require.True(t, ok, "readback result missing from context: %v", result.Context)
	assert.Equal(t, "pipeline output", readback["content"])

	// Step states are persisted, not just in-memory.
	states, err := h.store.ListStepStates(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	for _, ss := range states {
		assert.Equal(t, schema.StepStatusCompleted, ss.Status)
	}
}

func TestDiamondParallelism(t *testing.T) {
	h := newHarness(t)

	var peak, current atomic.Int32
	require.NoError(t, h.registry.Register(tasks.TaskFunc{
		TaskName: "probe",
		Fn: func(ctx context.Context, input tasks.TaskInput) (any, error) {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return map[string]any{"ok": true}, nil
		},
	}))

	def := &schema.PlanDefinition{
		Name: "diamond",
		Steps: []schema.StepDefinition{
			{ID: "a", Task: "probe"},
			{ID: "b", Task: "probe", DependsOn: []string{"a"}},
			{ID: "c", Task: "probe", DependsOn: []string{"a"}},
			{ID: "d", Task: "probe", DependsOn: []string{"b", "c"}},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "b and c should overlap")
}

func TestMissingContextVariable(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "broken-ref",
		Steps: []schema.StepDefinition{
			{
				ID:   "only",
				Task: "echo",
				Inputs: map[string]schema.Binding{
					"value": schema.Reference("nonexistent"),
				},
			},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeMissingContextVar, result.Error.Code)
}

func TestReferenceSatisfiedByRunParam(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "param-ref",
		Steps: []schema.StepDefinition{
			{
				ID:   "only",
				Task: "echo",
				Inputs: map[string]schema.Binding{
					"value": schema.Reference("region"),
				},
			},
		},
	}

	result := h.run(def, map[string]any{"region": "eu-west-1"})
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "eu-west-1", result.Context["only"])
}

func TestMidPlanFailureLeavesPartialContext(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "partial",
		Steps: []schema.StepDefinition{
			{ID: "first", Task: "echo", Inputs: map[string]schema.Binding{
				"value": schema.Literal("survived"),
			}},
			{ID: "boom", Task: "fs.read", DependsOn: []string{"first"}, Inputs: map[string]schema.Binding{
				"path": schema.Literal(filepath.Join(h.workDir, "does-not-exist.txt")),
			}},
			{ID: "after", Task: "noop", DependsOn: []string{"boom"}},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusFailed, result.Status)

	// Completed work stays visible; downstream steps never ran.
	assert.Equal(t, "survived", result.Context["first"])
	assert.Equal(t, schema.StepStatusCompleted, result.StepStates["first"])
	assert.Equal(t, schema.StepStatusFailed, result.StepStates["boom"])
	// Default stop_scheduling policy leaves unreached steps pending.
	assert.Equal(t, schema.StepStatusPending, result.StepStates["after"])
}

func TestRetryEventuallySucceeds(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	require.NoError(t, h.registry.Register(tasks.TaskFunc{
		TaskName: "flaky",
		Fn: func(ctx context.Context, input tasks.TaskInput) (any, error) {
			if calls.Add(1) < 3 {
				return nil, schema.NewError(schema.ErrCodeExecution, "transient")
			}
			return map[string]any{"attempt": calls.Load()}, nil
		},
	}))

	def := &schema.PlanDefinition{
		Name: "retry",
		Steps: []schema.StepDefinition{
			{
				ID:   "only",
				Task: "flaky",
				Retry: &schema.RetryPolicy{
					Max:     3,
					Backoff: "none",
				},
			},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFallbackStepOnError(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "fallback",
		Steps: []schema.StepDefinition{
			{
				ID:   "primary",
				Task: "fs.read",
				Inputs: map[string]schema.Binding{
					"path": schema.Literal(filepath.Join(h.workDir, "missing.txt")),
				},
				OnError: &schema.ErrorHandler{
					Strategy:     schema.ErrorStrategyFallbackStep,
					FallbackStep: "backup",
				},
			},
			{
				ID:   "backup",
				Task: "echo",
				Inputs: map[string]schema.Binding{
					"value": schema.Literal("from backup"),
				},
			},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "from backup", result.Context["backup"])
}

func TestConditionSkipsStep(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "guarded",
		Steps: []schema.StepDefinition{
			{ID: "check", Task: "echo", Inputs: map[string]schema.Binding{
				"value": schema.Literal(map[string]any{"deploy": false}),
			}},
			{
				ID:        "deploy",
				Task:      "noop",
				DependsOn: []string{"check"},
				Condition: `steps.check.deploy == true`,
			},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, schema.StepStatusSkipped, result.StepStates["deploy"])
}

func TestEventLogReplay(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "evented",
		Steps: []schema.StepDefinition{
			{ID: "one", Task: "noop"},
			{ID: "two", Task: "noop", DependsOn: []string{"one"}},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)

	events, err := h.store.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Sequences are strictly increasing within a run.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	// First and last events frame the run lifecycle.
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1].Type)
}

func TestValidationBlocksCyclicPlan(t *testing.T) {
	h := newHarness(t)

	validator, err := validation.NewPlanValidator(h.registry)
	require.NoError(t, err)

	def := &schema.PlanDefinition{
		Name: "cyclic",
		Steps: []schema.StepDefinition{
			{ID: "a", Task: "noop", DependsOn: []string{"b"}},
			{ID: "b", Task: "noop", DependsOn: []string{"a"}},
		},
	}

	result := validator.Validate(def)
	require.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)

	// The executor rejects it too.
	_, execErr := h.executor.Execute(context.Background(), def, nil)
	require.Error(t, execErr)
}

func TestCryptoChain(t *testing.T) {
	h := newHarness(t)

	def := &schema.PlanDefinition{
		Name: "integrity",
		Steps: []schema.StepDefinition{
			{ID: "hash", Task: "crypto.hash", Inputs: map[string]schema.Binding{
				"data": schema.Literal("hello"),
			}},
			{
				ID:   "verify",
				Task: "assert.equals",
				Inputs: map[string]schema.Binding{
					"expected": schema.Literal(map[string]any{
						"hash":      "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
						"algorithm": "sha256",
					}),
					"actual": schema.Reference("hash"),
				},
			},
		},
	}

	result := h.run(def, nil)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
}
