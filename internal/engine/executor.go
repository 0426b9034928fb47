package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/bindings"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/pkg/schema"
)

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	// Parallelism is the maximum number of steps running concurrently.
	// Defaults to 1, which gives deterministic sequential execution.
	Parallelism int
	// DefaultStepTimeout applies to steps without an explicit timeout.
	// Zero means no default timeout.
	DefaultStepTimeout time.Duration
	// CircuitBreaker configures per-task circuit breaking.
	CircuitBreaker CircuitBreakerConfig
}

// DefaultExecutorConfig returns the executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Parallelism:    1,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// ExecutionResult is the outcome of a plan run.
type ExecutionResult struct {
	RunID      string                       `json:"run_id"`
	Status     schema.RunStatus             `json:"status"`
	Context    map[string]any               `json:"context"`
	StepStates map[string]schema.StepStatus `json:"step_states"`
	Error      *schema.FlowError            `json:"error,omitempty"`
	StartedAt  time.Time                    `json:"started_at"`
	Duration   time.Duration                `json:"duration"`
}

// Executor runs plans. It is the single writer of each run's shared
// context: steps execute on a bounded worker pool and report back over a
// completions channel, and the dispatch loop folds each result into the
// context before the next readiness scan.
type Executor struct {
	store    store.Store
	events   EventAppender
	registry tasks.TaskRegistry
	engine   expressions.Engine
	breakers *CircuitBreakerRegistry
	runFSM   *RunFSM
	stepFSM  *StepFSM
	logger   *slog.Logger
	config   ExecutorConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewExecutor creates an executor. The expression engine evaluates step
// conditions; pass nil to disable condition support.
func NewExecutor(
	st store.Store,
	events EventAppender,
	registry tasks.TaskRegistry,
	condEngine expressions.Engine,
	logger *slog.Logger,
	config ExecutorConfig,
) *Executor {
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    st,
		events:   events,
		registry: registry,
		engine:   condEngine,
		breakers: NewCircuitBreakerRegistry(config.CircuitBreaker),
		runFSM:   NewRunFSM(events),
		stepFSM:  NewStepFSM(events),
		logger:   logger,
		config:   config,
	}
}

// Cancel requests cancellation of a running plan. The run transitions to
// cancelled once the dispatch loop observes the request.
func (e *Executor) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run with ID %s", runID)
	}
	cancel()
	return nil
}

// Execute runs a plan definition to completion and returns the result.
// params seed the run context and are visible to input references that do
// not match any step's context key.
func (e *Executor) Execute(ctx context.Context, def *schema.PlanDefinition, params map[string]any) (*ExecutionResult, error) {
	plan, err := NewPlan(def)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithIDs(ctx, runID, def.Name, "")
	log := logging.LogWith(ctx, e.logger)

	// Plan-level deadline.
	cancelCauses := make([]context.CancelFunc, 0, 2)
	if def.Timeout != "" {
		if d, perr := time.ParseDuration(def.Timeout); perr == nil && d > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, d)
			cancelCauses = append(cancelCauses, tcancel)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	cancelCauses = append(cancelCauses, cancel)
	defer func() {
		for _, c := range cancelCauses {
			c()
		}
	}()

	e.mu.Lock()
	if e.cancels == nil {
		e.cancels = make(map[string]context.CancelFunc)
	}
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
	}()

	startedAt := time.Now().UTC()
	if err := e.createRun(runCtx, runID, def, params); err != nil {
		return nil, err
	}

	// Seed the context with run params. Step results shadow params on
	// key collision.
	for k, v := range params {
		plan.PublishAs(k, v)
	}

	log.Info("run started", "steps", len(def.Steps), "parallelism", e.config.Parallelism)
	if err := e.runFSM.Transition(runCtx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	_ = e.store.UpdateRun(runCtx, runID, store.RunUpdate{Status: &running, StartedAt: &startedAt})

	finalStatus, runErr := e.dispatchLoop(runCtx, runID, plan, params)

	result := &ExecutionResult{
		RunID:      runID,
		Status:     finalStatus,
		Context:    plan.Context(),
		StepStates: plan.Statuses(),
		StartedAt:  startedAt,
		Duration:   time.Since(startedAt),
	}
	if runErr != nil {
		var flowErr *schema.FlowError
		if !errors.As(runErr, &flowErr) {
			flowErr = schema.NewError(schema.ErrCodeExecution, runErr.Error()).WithCause(runErr)
		}
		result.Error = flowErr
	}

	e.finalizeRun(context.WithoutCancel(runCtx), runID, plan, result)
	log.Info("run finished", "status", string(finalStatus), "duration", result.Duration)
	return result, nil
}

func (e *Executor) createRun(ctx context.Context, runID string, def *schema.PlanDefinition, params map[string]any) error {
	run := &store.Run{
		ID:         runID,
		PlanName:   def.Name,
		Definition: *def,
		Status:     schema.RunStatusPending,
		Params:     params,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	return nil
}

// finalizeRun persists the terminal run state: FSM transition, context
// snapshot, error, and completion time.
func (e *Executor) finalizeRun(ctx context.Context, runID string, plan *Plan, result *ExecutionResult) {
	if result.Status != schema.RunStatusCancelled {
		// Cancelled runs transition inside the dispatch loop via CancelRun.
		if err := e.runFSM.Transition(ctx, runID, schema.RunStatusRunning, result.Status); err != nil {
			e.logger.Warn("run transition failed", "run_id", runID, "error", err)
		}
	}

	update := store.RunUpdate{Status: &result.Status}
	if ctxJSON, err := json.Marshal(plan.Context()); err == nil {
		update.Context = ctxJSON
	}
	if result.Error != nil {
		if errJSON, err := json.Marshal(result.Error); err == nil {
			update.Error = errJSON
		}
	}
	now := time.Now().UTC()
	update.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, runID, update); err != nil {
		e.logger.Warn("persist run result failed", "run_id", runID, "error", err)
	}
}

// stepResult is what a worker reports back to the dispatch loop.
type stepResult struct {
	stepID  string
	output  any
	err     error
	retries int
}

func snapshotContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// dispatchLoop is the event-driven scheduler core. Each iteration
// dispatches every ready step, then blocks on the completions channel (or
// cancellation). A completion is folded into the shared context before the
// next readiness scan, so steps always observe a consistent context.
func (e *Executor) dispatchLoop(ctx context.Context, runID string, plan *Plan, params map[string]any) (schema.RunStatus, error) {
	pool := NewWorkerPool(e.config.Parallelism)
	defer pool.Shutdown()

	// Workers get their own cancel scope so the abort policy can stop
	// in-flight steps without cancelling the whole run context.
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	// Buffered so workers never block reporting while the loop is
	// dispatching.
	completions := make(chan stepResult, len(plan.def.Steps))
	inFlight := 0
	halted := false
	cancelled := false
	var firstErr error
	// Fallback step ID -> the failed step it stands in for.
	fallbackFor := make(map[string]string)

	policy := plan.def.OnStepFailure
	if policy == "" {
		policy = schema.FailStopScheduling
	}

	// Disarmed after the first cancellation so draining in-flight steps
	// blocks on completions instead of spinning on the dead context.
	done := ctx.Done()

	for {
		if !halted && !cancelled {
			for _, stepID := range plan.ReadySteps() {
				dispatched, err := e.dispatchStep(workCtx, runID, plan, params, pool, completions, stepID)
				if err != nil {
					// Pre-dispatch failure (condition error, missing
					// reference). Treat like a step failure.
					plan.SetError(stepID, err)
					if firstErr == nil {
						firstErr = err
					}
					halted = e.applyFailurePolicy(ctx, runID, plan, policy, stepID, halted, stopWork)
					if halted {
						break
					}
					continue
				}
				if dispatched {
					inFlight++
				}
			}
		}

		if inFlight == 0 {
			break
		}

		select {
		case res := <-completions:
			inFlight--
			fallbackDispatched, failErr := e.handleCompletion(workCtx, runID, plan, pool, completions, params, fallbackFor, res)
			if fallbackDispatched {
				inFlight++
			}
			if failErr != nil {
				if firstErr == nil {
					firstErr = failErr
				}
				halted = e.applyFailurePolicy(ctx, runID, plan, policy, res.stepID, halted, stopWork)
			}

		case <-done:
			cancelled = true
			halted = true
			done = nil
		}
	}

	// A completion and the cancellation may race in the select; make sure
	// a dead context always classifies as cancelled.
	if ctx.Err() != nil {
		cancelled = true
	}

	if !cancelled {
		// Fallback steps that were never triggered are skipped, not
		// stalled.
		for _, id := range plan.DeferredPending() {
			_ = e.stepFSM.Transition(ctx, runID, id, schema.StepStatusPending, schema.StepStatusSkipped)
			_ = plan.UpdateStep(id, schema.StepStatusSkipped)
			e.persistStepState(ctx, runID, plan, id, nil, nil)
		}
	}

	if cancelled {
		e.cancelRun(context.WithoutCancel(ctx), runID, plan)
		cause := ctx.Err()
		code := schema.ErrCodeCancelled
		if errors.Is(cause, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return schema.RunStatusCancelled, schema.NewError(code, "run cancelled").WithCause(cause)
	}

	if firstErr != nil {
		return schema.RunStatusFailed, firstErr
	}

	if !plan.Terminal() {
		// Nothing ready, nothing running, steps remain. The graph cannot
		// make progress.
		var stuck []string
		for id, s := range plan.status {
			if !s.Terminal() {
				stuck = append(stuck, id)
			}
		}
		sortStrings(stuck)
		return schema.RunStatusFailed, schema.NewError(schema.ErrCodeUnsatisfiable,
			"no steps are ready and none are running").WithDetails(map[string]any{"blocked_steps": stuck})
	}

	return schema.RunStatusCompleted, nil
}

// dispatchStep evaluates the step's condition, resolves its input bindings
// against the current context, and hands the work to the pool. Returns
// (false, nil) when the step was skipped by its condition, (false, err) on
// a pre-dispatch failure.
func (e *Executor) dispatchStep(
	ctx context.Context,
	runID string,
	plan *Plan,
	params map[string]any,
	pool *WorkerPool,
	completions chan<- stepResult,
	stepID string,
) (bool, error) {
	step, _ := plan.Step(stepID)

	if step.Condition != "" {
		pass, err := e.evaluateCondition(ctx, runID, plan, params, step)
		if err != nil {
			_ = e.failStepDirect(ctx, runID, plan, stepID, err)
			return false, err
		}
		if !pass {
			e.skipWithDependents(ctx, runID, plan, stepID, "condition evaluated to false")
			return false, nil
		}
	}

	resolved, err := bindings.Resolve(step.Inputs, plan.Context())
	if err != nil {
		_ = e.failStepDirect(ctx, runID, plan, stepID, err)
		return false, err
	}

	if err := plan.UpdateStep(stepID, schema.StepStatusScheduled); err != nil {
		return false, err
	}
	e.persistStepState(ctx, runID, plan, stepID, resolved, nil)

	task, err := e.registry.Get(step.Task)
	if err != nil {
		ferr := schema.NewErrorf(schema.ErrCodeTaskUnavailable, "task %q is not registered", step.Task).WithStep(stepID)
		_ = e.stepFSM.Transition(ctx, runID, stepID, schema.StepStatusScheduled, schema.StepStatusRunning)
		_ = e.stepFSM.Transition(ctx, runID, stepID, schema.StepStatusRunning, schema.StepStatusFailed)
		_ = plan.UpdateStep(stepID, schema.StepStatusRunning)
		_ = plan.UpdateStep(stepID, schema.StepStatusFailed)
		plan.SetError(stepID, ferr)
		e.persistStepState(ctx, runID, plan, stepID, resolved, ferr)
		return false, ferr
	}

	// Snapshot the context so workers never read it while the dispatch
	// loop writes another step's result.
	runScope := snapshotContext(plan.Context())
	submitErr := pool.Submit(ctx, func(taskCtx context.Context) error {
		res := e.runStep(taskCtx, runID, plan.def.Name, step, task, resolved, runScope)
		completions <- res
		return res.err
	}, func(recovered any) {
		// A panicking task must still produce a completion, or the
		// dispatch loop would wait on this step forever.
		completions <- stepResult{
			stepID: step.ID,
			err: schema.NewErrorf(schema.ErrCodeStepFailed,
				"task %q panicked: %v", step.Task, recovered).WithStep(step.ID),
		}
	})
	if submitErr != nil {
		if errors.Is(submitErr, context.Canceled) || errors.Is(submitErr, context.DeadlineExceeded) {
			return false, schema.NewError(schema.ErrCodeCancelled, "run cancelled before dispatch").WithStep(stepID).WithCause(submitErr)
		}
		return false, schema.NewErrorf(schema.ErrCodeExecution, "submit step %s: %s", stepID, submitErr.Error()).WithCause(submitErr)
	}
	return true, nil
}

// runStep executes a single step on a worker, driving its FSM through
// running and any retry attempts. The terminal transition is left to the
// dispatch loop.
func (e *Executor) runStep(
	ctx context.Context,
	runID, planName string,
	step *schema.StepDefinition,
	task tasks.Task,
	resolved map[string]any,
	runScope map[string]any,
) stepResult {
	ctx = logging.WithIDs(ctx, runID, planName, step.ID)
	log := logging.LogWith(ctx, e.logger)

	if err := e.stepFSM.Transition(ctx, runID, step.ID, schema.StepStatusScheduled, schema.StepStatusRunning); err != nil {
		return stepResult{stepID: step.ID, err: err}
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.Max > 0 {
		maxAttempts = step.Retry.Max + 1
	}

	var lastErr error
	retries := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			retries = attempt
			delay := ComputeBackoff(step.Retry, attempt-1)
			payload, _ := json.Marshal(map[string]any{
				"attempt":  attempt,
				"max":      step.Retry.Max,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			_ = e.events.AppendEvent(ctx, &store.Event{
				RunID:   runID,
				StepID:  step.ID,
				Type:    schema.EventStepRetryAttempt,
				Payload: payload,
			})
			if err := e.stepFSM.Transition(ctx, runID, step.ID, schema.StepStatusRunning, schema.StepStatusRetrying); err != nil {
				return stepResult{stepID: step.ID, err: err}
			}
			if err := WaitForBackoff(ctx, delay); err != nil {
				return stepResult{stepID: step.ID, err: schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithStep(step.ID).WithCause(err)}
			}
			if err := e.stepFSM.Transition(ctx, runID, step.ID, schema.StepStatusRetrying, schema.StepStatusRunning); err != nil {
				return stepResult{stepID: step.ID, err: err}
			}
			log.Info("retrying step", "attempt", attempt, "delay", delay.String())
		}

		output, err := e.executeAttempt(ctx, step, task, resolved, runScope)
		if err == nil {
			return stepResult{stepID: step.ID, output: output, retries: retries}
		}
		lastErr = err

		if !IsRetryableError(err) || ctx.Err() != nil {
			break
		}
	}

	if step.Retry != nil && step.Retry.Max > 0 && IsRetryableError(lastErr) && ctx.Err() == nil {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step failed after %d attempts: %s", maxAttempts, lastErr.Error()).
			WithStep(step.ID).WithCause(lastErr)
	}
	return stepResult{stepID: step.ID, err: lastErr, retries: retries}
}

// executeAttempt runs one task invocation with the step timeout and the
// circuit breaker applied.
func (e *Executor) executeAttempt(
	ctx context.Context,
	step *schema.StepDefinition,
	task tasks.Task,
	resolved map[string]any,
	runScope map[string]any,
) (any, error) {
	if err := e.breakers.AllowRequest(step.Task); err != nil {
		_ = e.events.AppendEvent(ctx, &store.Event{
			RunID:  logging.RunID(ctx),
			StepID: step.ID,
			Type:   schema.EventCircuitBreakerOpen,
		})
		return nil, err
	}

	timeout := e.config.DefaultStepTimeout
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := task.Execute(attemptCtx, tasks.TaskInput{
		Params:     resolved,
		RunContext: runScope,
	})
	if err != nil {
		e.breakers.RecordFailure(step.Task)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).
				WithStep(step.ID).WithCause(err)
		}
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) {
			if flowErr.StepID == "" {
				flowErr.StepID = step.ID
			}
			return nil, flowErr
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(step.ID).WithCause(err)
	}
	e.breakers.RecordSuccess(step.Task)
	return output, nil
}

// handleCompletion folds a worker's result into the plan. Returns
// (fallbackDispatched, failure): failure is non-nil when the step failed
// and no error handler absorbed it.
func (e *Executor) handleCompletion(
	ctx context.Context,
	runID string,
	plan *Plan,
	pool *WorkerPool,
	completions chan<- stepResult,
	params map[string]any,
	fallbackFor map[string]string,
	res stepResult,
) (bool, error) {
	stepID := res.stepID
	step, _ := plan.Step(stepID)
	plan.SetRetries(stepID, res.retries)

	if res.err == nil {
		_ = e.stepFSM.Transition(ctx, runID, stepID, schema.StepStatusRunning, schema.StepStatusCompleted)
		_ = plan.UpdateStep(stepID, schema.StepStatusCompleted)
		plan.Publish(stepID, res.output)
		if failedID, ok := fallbackFor[stepID]; ok {
			// A fallback result also stands in for the failed step: its
			// value is published under the failed step's key and its
			// dependents are unblocked.
			if failedStep, found := plan.Step(failedID); found {
				plan.PublishAs(failedStep.ContextKey(), res.output)
			}
			plan.Absorb(failedID)
			delete(fallbackFor, stepID)
		}
		e.emitContextPublished(ctx, runID, stepID, step.ContextKey())
		e.persistStepState(ctx, runID, plan, stepID, nil, nil)
		e.persistContext(ctx, runID, plan)
		return false, nil
	}

	// Step failed.
	_ = e.stepFSM.Transition(ctx, runID, stepID, schema.StepStatusRunning, schema.StepStatusFailed)
	_ = plan.UpdateStep(stepID, schema.StepStatusFailed)
	plan.SetError(stepID, res.err)
	e.persistStepState(ctx, runID, plan, stepID, nil, res.err)

	handled, err := HandleStepError(ctx, e.events, runID, stepID, step.OnError, res.err)
	if err != nil {
		return false, err
	}

	if handled.Handled && handled.ShouldFailRun {
		return false, res.err
	}

	if handled.Handled && handled.FallbackStepID != "" {
		if plan.Status(handled.FallbackStepID) == schema.StepStatusPending {
			plan.Activate(handled.FallbackStepID)
			fallbackFor[handled.FallbackStepID] = stepID
			if !plan.depsSatisfied(handled.FallbackStepID) {
				// The fallback has unmet dependencies of its own. It is
				// activated here; the readiness scan dispatches it once
				// they complete.
				return false, nil
			}
			dispatched, derr := e.dispatchStep(ctx, runID, plan, params, pool, completions, handled.FallbackStepID)
			if derr != nil {
				return false, derr
			}
			return dispatched, nil
		}
		// Fallback step missing or already terminal; failure stands.
		return false, res.err
	}

	if handled.Handled {
		// Strategy ignore: the failure is absorbed. Dependents cannot run
		// without the result, so they are skipped.
		e.skipDependents(ctx, runID, plan, stepID)
		return false, nil
	}

	return false, res.err
}

// applyFailurePolicy enacts the plan-level policy after an unhandled step
// failure and returns the updated halted flag.
func (e *Executor) applyFailurePolicy(
	ctx context.Context,
	runID string,
	plan *Plan,
	policy schema.FailurePolicy,
	stepID string,
	halted bool,
	stopWork context.CancelFunc,
) bool {
	switch policy {
	case schema.FailAbort:
		stopWork()
		return true
	case schema.FailContinueOthers:
		e.skipDependents(ctx, runID, plan, stepID)
		return halted
	default: // stop_scheduling
		return true
	}
}

func (e *Executor) evaluateCondition(
	ctx context.Context,
	runID string,
	plan *Plan,
	params map[string]any,
	step *schema.StepDefinition,
) (bool, error) {
	if e.engine == nil {
		return true, nil
	}
	result, err := e.engine.Evaluate(ctx, step.Condition, map[string]any{
		"steps":  plan.Context(),
		"params": params,
		"run":    map[string]any{"id": runID, "plan": plan.def.Name},
	})
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) {
			flowErr.StepID = step.ID
			return false, flowErr
		}
		return false, schema.NewErrorf(schema.ErrCodeExecution, "condition: %s", err.Error()).WithStep(step.ID).WithCause(err)
	}

	pass, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition must evaluate to a boolean, got %T", result).WithStep(step.ID)
	}

	payload, _ := json.Marshal(map[string]any{"condition": step.Condition, "result": pass})
	_ = e.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		StepID:  step.ID,
		Type:    schema.EventConditionEvaluated,
		Payload: payload,
	})
	return pass, nil
}

// skipWithDependents skips a pending step and its transitive dependents.
func (e *Executor) skipWithDependents(ctx context.Context, runID string, plan *Plan, stepID, reason string) {
	if plan.Status(stepID) == schema.StepStatusPending {
		_ = e.stepFSM.Transition(ctx, runID, stepID, schema.StepStatusPending, schema.StepStatusSkipped)
		_ = plan.UpdateStep(stepID, schema.StepStatusSkipped)
		e.persistStepState(ctx, runID, plan, stepID, nil, nil)
	}
	e.skipDependents(ctx, runID, plan, stepID)
}

// skipDependents skips every pending transitive dependent of a step.
func (e *Executor) skipDependents(ctx context.Context, runID string, plan *Plan, stepID string) {
	for _, dep := range plan.dag.Dependents(stepID) {
		if plan.Status(dep) != schema.StepStatusPending {
			continue
		}
		_ = e.stepFSM.Transition(ctx, runID, dep, schema.StepStatusPending, schema.StepStatusSkipped)
		_ = plan.UpdateStep(dep, schema.StepStatusSkipped)
		e.persistStepState(ctx, runID, plan, dep, nil, nil)
	}
}

// failStepDirect marks a pending step failed without running it. Used for
// pre-dispatch failures such as unresolvable input references.
func (e *Executor) failStepDirect(ctx context.Context, runID string, plan *Plan, stepID string, cause error) error {
	transitions := []schema.StepStatus{schema.StepStatusScheduled, schema.StepStatusRunning, schema.StepStatusFailed}
	from := plan.Status(stepID)
	for _, to := range transitions {
		if err := e.stepFSM.Transition(ctx, runID, stepID, from, to); err != nil {
			return err
		}
		_ = plan.UpdateStep(stepID, to)
		from = to
	}
	plan.SetError(stepID, cause)
	e.persistStepState(ctx, runID, plan, stepID, nil, cause)
	return nil
}

func (e *Executor) cancelRun(ctx context.Context, runID string, plan *Plan) {
	if err := CancelRun(ctx, e.runFSM, e.stepFSM, runID, schema.RunStatusRunning, plan.Statuses()); err != nil {
		e.logger.Warn("cancel cascade failed", "run_id", runID, "error", err)
		return
	}
	for id, s := range plan.Statuses() {
		if !s.Terminal() && canSkip(s) {
			_ = plan.UpdateStep(id, schema.StepStatusSkipped)
		}
	}
	cancelled := schema.RunStatusCancelled
	_ = e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &cancelled})
}

func (e *Executor) emitContextPublished(ctx context.Context, runID, stepID, key string) {
	payload, _ := json.Marshal(map[string]any{"key": key})
	_ = e.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    schema.EventContextPublished,
		Payload: payload,
	})
}

// persistStepState writes the step's materialized state to the store.
// Errors are logged, not propagated: persistence failures must not wedge
// the dispatch loop.
func (e *Executor) persistStepState(ctx context.Context, runID string, plan *Plan, stepID string, input map[string]any, stepErr error) {
	step, ok := plan.Step(stepID)
	if !ok {
		return
	}

	state := &store.StepState{
		RunID:      runID,
		StepID:     stepID,
		Status:     plan.Status(stepID),
		RetryCount: plan.RetryCount(stepID),
	}
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			state.Input = b
		}
	}
	if out, exists := plan.Context()[step.ContextKey()]; exists && state.Status == schema.StepStatusCompleted {
		if b, err := json.Marshal(out); err == nil {
			state.Output = b
		}
	}
	if stepErr != nil {
		var flowErr *schema.FlowError
		if !errors.As(stepErr, &flowErr) {
			flowErr = schema.NewError(schema.ErrCodeStepFailed, stepErr.Error())
		}
		if b, err := json.Marshal(flowErr); err == nil {
			state.Error = b
		}
	}
	if state.Status.Terminal() {
		now := time.Now().UTC()
		state.CompletedAt = &now
	}

	if err := e.store.UpsertStepState(ctx, state); err != nil {
		e.logger.Warn("persist step state failed", "run_id", runID, "step_id", stepID, "error", err)
	}
}

// persistContext snapshots the shared context onto the run row so Status
// can expose partial results while the run is in flight.
func (e *Executor) persistContext(ctx context.Context, runID string, plan *Plan) {
	ctxJSON, err := json.Marshal(plan.Context())
	if err != nil {
		return
	}
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Context: ctxJSON}); err != nil {
		e.logger.Warn("persist context failed", "run_id", runID, "error", err)
	}
}
