package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTask        NodeKind = "task"
	NodeKindConditional NodeKind = "conditional"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node when step states are available.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents a dependency between two nodes, pointing from
// dependency to dependent.
type Edge struct {
	From  string
	To    string
	Label string
}
