package engine

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a plan.
// Built from a PlanDefinition, used by the Executor to determine execution order.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step ID → definition
	Keys    map[string]string                 // context key → step ID
	Edges   map[string][]string               // step ID → dependencies
	Reverse map[string][]string               // step ID → dependents (who depends on me)
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
	Levels  [][]string                        // parallel execution levels
}

// BuildDAG parses a PlanDefinition into an executable DAG.
// It validates the definition, builds adjacency lists from depends_on plus
// input references, performs topological sorting using Kahn's algorithm,
// detects cycles, and computes parallel execution levels.
//
// Dependency edges come from two sources: the step's explicit depends_on
// list, and any input binding that references another step's context key.
// References that match no step are left to runtime resolution, where they
// either hit a run parameter or fail with MISSING_CONTEXT_VARIABLE.
func BuildDAG(def *schema.PlanDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan definition is nil")
	}

	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(def.Steps)),
		Keys:    make(map[string]string, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}

		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}

		if step.Task == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no task name", step.ID)
		}

		key := step.ContextKey()
		if owner, exists := dag.Keys[key]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"steps %s and %s publish under the same context key: %s", owner, step.ID, key)
		}

		dag.Steps[step.ID] = step
		dag.Keys[key] = step.ID
	}

	// Second pass: build adjacency lists and validate dependencies.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
		}

		// Input references are implicit dependencies.
		for key := range step.ReferencedSteps() {
			refID, exists := dag.Keys[key]
			if !exists {
				continue
			}
			if refID == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s references its own result", id)
			}
			if seen[refID] {
				continue
			}
			seen[refID] = true
			deps = append(deps, refID)
		}

		sortStrings(deps)
		dag.Edges[id] = deps
		for _, dep := range deps {
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	// Queue steps with in-degree 0 (roots).
	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		// For each dependent of this node, decrement its in-degree.
		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "plan contains a cycle")
	}

	dag.Sorted = sorted

	// Compute parallel execution levels using topological depth.
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// computeLevels groups steps into parallel execution levels.
// Steps at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))

	// Compute depth for each step based on max dependency depth + 1.
	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	// Find max level.
	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	// Group steps by level.
	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}

	return levels
}

// Dependents returns the transitive closure of steps that depend on the
// given step, directly or through intermediaries.
func (d *DAG) Dependents(id string) []string {
	visited := make(map[string]bool)
	var out []string

	queue := append([]string(nil), d.Reverse[id]...)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if visited[node] {
			continue
		}
		visited[node] = true
		out = append(out, node)
		queue = append(queue, d.Reverse[node]...)
	}

	sortStrings(out)
	return out
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
