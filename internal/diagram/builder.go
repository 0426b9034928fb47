package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a Model from a PlanDefinition and optional step states.
// It uses engine.BuildDAG for topology, so edges include both explicit
// depends_on links and input references resolved to producing steps.
func Build(def *schema.PlanDefinition, states []*store.StepState) (*Model, error) {
	dag, err := engine.BuildDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build DAG: %w", err)
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.StepID] = s
	}

	nodes := make([]*Node, 0, len(dag.Steps)+2) // +2 for start/end

	startNode := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, startNode)

	// Create nodes from DAG steps, preserving topological order.
	for _, stepID := range dag.Sorted {
		step := dag.Steps[stepID]
		node := stepToNode(step)
		overlayStatus(node, stateMap)
		nodes = append(nodes, node)
	}

	endNode := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, endNode)

	return &Model{
		Title:  def.Name,
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

// stepToNode maps a StepDefinition to a diagram Node. Steps guarded by a
// condition expression render as conditional nodes.
func stepToNode(step *schema.StepDefinition) *Node {
	kind := NodeKindTask
	if step.Condition != "" {
		kind = NodeKindConditional
	}
	return &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  kind,
	}
}

func nodeLabel(step *schema.StepDefinition) string {
	if step.Task != "" {
		return fmt.Sprintf("%s\n(%s)", step.ID, step.Task)
	}
	return step.ID
}

// overlayStatus applies runtime step state to a node.
func overlayStatus(node *Node, stateMap map[string]*store.StepState) {
	ss, ok := stateMap[node.ID]
	if !ok {
		return
	}
	errStr := ""
	if len(ss.Error) > 0 {
		errStr = string(ss.Error)
	}
	node.Status = &StatusOverlay{
		Status:     string(ss.Status),
		DurationMs: ss.DurationMs,
		RetryCount: ss.RetryCount,
		Error:      errStr,
	}
}

// buildEdges constructs the Edge list from DAG adjacency, adding virtual
// start/end edges.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge

	// Start → roots.
	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: "__start__", To: root})
	}

	// Dependency → dependent, in topological order for stable output.
	for _, stepID := range dag.Sorted {
		for _, dep := range dag.Edges[stepID] {
			edges = append(edges, Edge{From: dep, To: stepID})
		}
	}

	// Leaves → end (steps with no dependents).
	for _, stepID := range dag.Sorted {
		if len(dag.Reverse[stepID]) == 0 {
			edges = append(edges, Edge{From: stepID, To: "__end__"})
		}
	}

	return edges
}

// buildLevels wraps DAG levels with virtual start/end levels.
func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{"__start__"})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{"__end__"})
	return levels
}
