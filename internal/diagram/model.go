// Package diagram renders workflow definitions as flowcharts, optionally
// annotated with the outcome of one execution.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTrigger     NodeKind = "trigger"
	NodeKindAction      NodeKind = "action"
	NodeKindConditional NodeKind = "conditional"
	NodeKindEnd         NodeKind = "end"
)

// Per-action statuses derived from an execution record.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusIgnored   = "ignored"
	StatusSkipped   = "skipped"
	StatusPending   = "pending"
	StatusRunning   = "running"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a trigger, an action or the terminal node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge connects two nodes. Label is shown on the edge when set.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
