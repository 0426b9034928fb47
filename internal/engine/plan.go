package engine

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// Plan is the in-memory execution state of a single run: the DAG, the
// current status of every step, and the shared context that holds
// published step results. The executor's dispatch loop is the sole
// writer; Plan itself is not safe for concurrent mutation.
type Plan struct {
	def     *schema.PlanDefinition
	dag     *DAG
	status  map[string]schema.StepStatus
	context map[string]any
	errs    map[string]error
	retries map[string]int

	// Steps referenced only as fallback targets do not run until a
	// failure activates them.
	fallbackOnly map[string]bool
	activated    map[string]bool
	// Failed steps whose fallback succeeded count as satisfied
	// dependencies.
	absorbed map[string]bool
}

// NewPlan builds the execution state for a plan definition. The definition
// is validated and parsed into a DAG; cycles and duplicate IDs are rejected.
func NewPlan(def *schema.PlanDefinition) (*Plan, error) {
	dag, err := BuildDAG(def)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		def:          def,
		dag:          dag,
		status:       make(map[string]schema.StepStatus, len(def.Steps)),
		context:      make(map[string]any),
		errs:         make(map[string]error),
		retries:      make(map[string]int),
		fallbackOnly: make(map[string]bool),
		activated:    make(map[string]bool),
		absorbed:     make(map[string]bool),
	}
	for id := range dag.Steps {
		p.status[id] = schema.StepStatusPending
	}
	for _, step := range dag.Steps {
		if step.OnError != nil && step.OnError.FallbackStep != "" {
			if _, exists := dag.Steps[step.OnError.FallbackStep]; exists {
				p.fallbackOnly[step.OnError.FallbackStep] = true
			}
		}
	}
	return p, nil
}

// AddStep appends a step to the plan and rebuilds the DAG. Duplicate step
// IDs and steps that introduce cycles are rejected; on error the plan is
// left unchanged.
func (p *Plan) AddStep(step schema.StepDefinition) error {
	if _, exists := p.dag.Steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step ID: %s", step.ID)
	}

	next := *p.def
	next.Steps = append(append([]schema.StepDefinition{}, p.def.Steps...), step)
	dag, err := BuildDAG(&next)
	if err != nil {
		return err
	}

	p.def = &next
	p.dag = dag
	p.status[step.ID] = schema.StepStatusPending
	return nil
}

// Definition returns the plan definition.
func (p *Plan) Definition() *schema.PlanDefinition { return p.def }

// DAG returns the parsed dependency graph.
func (p *Plan) DAG() *DAG { return p.dag }

// Step returns the definition of a step by ID.
func (p *Plan) Step(id string) (*schema.StepDefinition, bool) {
	s, ok := p.dag.Steps[id]
	return s, ok
}

// Status returns the current status of a step.
func (p *Plan) Status(id string) schema.StepStatus {
	return p.status[id]
}

// Statuses returns a copy of the step status map.
func (p *Plan) Statuses() map[string]schema.StepStatus {
	out := make(map[string]schema.StepStatus, len(p.status))
	for id, s := range p.status {
		out[id] = s
	}
	return out
}

// UpdateStep sets the status of a step. The transition must be valid per
// the step state machine.
func (p *Plan) UpdateStep(id string, to schema.StepStatus) error {
	from, ok := p.status[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown step: %s", id)
	}
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s: cannot transition from %s to %s", id, from, to).WithStep(id)
	}
	p.status[id] = to
	return nil
}

// ReadySteps returns the IDs of all pending steps whose dependencies have
// completed, sorted by step ID. It is computed fresh on every call.
func (p *Plan) ReadySteps() []string {
	var ready []string
	for id, status := range p.status {
		if status != schema.StepStatusPending {
			continue
		}
		if p.fallbackOnly[id] && !p.activated[id] {
			continue
		}
		if p.depsSatisfied(id) {
			ready = append(ready, id)
		}
	}
	sortStrings(ready)
	return ready
}

func (p *Plan) depsSatisfied(id string) bool {
	for _, dep := range p.dag.Edges[id] {
		if p.status[dep] == schema.StepStatusCompleted || p.absorbed[dep] {
			continue
		}
		return false
	}
	return true
}

// Activate releases a fallback-only step for scheduling.
func (p *Plan) Activate(id string) { p.activated[id] = true }

// Absorb marks a failed step's failure as handled by a successful fallback:
// its dependents may proceed.
func (p *Plan) Absorb(id string) { p.absorbed[id] = true }

// DeferredPending returns fallback-only steps that are still pending and
// were never activated, sorted by ID.
func (p *Plan) DeferredPending() []string {
	var out []string
	for id := range p.fallbackOnly {
		if !p.activated[id] && p.status[id] == schema.StepStatusPending {
			out = append(out, id)
		}
	}
	sortStrings(out)
	return out
}

// Publish writes a step's result into the shared context under the step's
// context key. Results are published exactly once, on completion.
func (p *Plan) Publish(id string, result any) {
	if step, ok := p.dag.Steps[id]; ok {
		p.context[step.ContextKey()] = result
	}
}

// PublishAs writes a result into the shared context under an explicit key.
// Used by fallback steps standing in for a failed step.
func (p *Plan) PublishAs(key string, result any) {
	p.context[key] = result
}

// Context returns the live shared context map. Callers outside the
// dispatch loop must treat it as read-only.
func (p *Plan) Context() map[string]any { return p.context }

// SetError records the terminal error of a step. Set exactly once.
func (p *Plan) SetError(id string, err error) {
	if _, dup := p.errs[id]; !dup {
		p.errs[id] = err
	}
}

// StepError returns the recorded error for a step, if any.
func (p *Plan) StepError(id string) error { return p.errs[id] }

// SetRetries records the retry count a step accumulated.
func (p *Plan) SetRetries(id string, n int) {
	p.retries[id] = n
}

// RetryCount returns the number of retries recorded for a step.
func (p *Plan) RetryCount(id string) int { return p.retries[id] }

// Terminal reports whether every step has reached a terminal status.
func (p *Plan) Terminal() bool {
	for _, s := range p.status {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// Completed reports whether the run completed: every step terminal and
// none failed.
func (p *Plan) Completed() bool {
	return p.Terminal() && !p.Failed()
}

// Failed reports whether any step has failed.
func (p *Plan) Failed() bool {
	for _, s := range p.status {
		if s == schema.StepStatusFailed {
			return true
		}
	}
	return false
}
