package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateDAG performs graph analysis on the plan steps: cycle detection
// (Kahn's algorithm) and dead-step reachability (BFS from roots). Edges come
// from both depends_on and input references, matching what the executor
// builds at run time.
func validateDAG(def *schema.PlanDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	contextKeys := make(map[string]string, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		stepIDs[s.ID] = true
		contextKeys[s.ContextKey()] = s.ID
	}

	// edges[id] = dependencies of step id, reverse[id] = dependents of step id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))

	for i := range def.Steps {
		s := &def.Steps[i]
		seen := make(map[string]bool, len(s.DependsOn))
		addEdge := func(dep string) {
			if !stepIDs[dep] || seen[dep] {
				return // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
		for _, dep := range s.DependsOn {
			addEdge(dep)
		}
		for ref := range s.ReferencedSteps() {
			if id, ok := contextKeys[ref]; ok {
				addEdge(id)
			}
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Steps))
	for id := range stepIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(stepIDs) {
		result.AddError("steps", schema.ErrCodeCycleDetected, "plan contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root steps (no dependencies) through reverse
	// edges. Fallback targets look unreachable by this walk but are scheduled
	// through their error handler, so they are exempt.
	fallbackTargets := make(map[string]bool)
	for i := range def.Steps {
		if h := def.Steps[i].OnError; h != nil && h.FallbackStep != "" {
			fallbackTargets[h.FallbackStep] = true
		}
	}

	roots := make([]string, 0)
	for id := range stepIDs {
		if len(edges[id]) == 0 {
			roots = append(roots, id)
		}
	}

	reachable := make(map[string]bool, len(stepIDs))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if !reachable[s.ID] && !fallbackTargets[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from any root step", s.ID))
		}
	}

	return result
}
