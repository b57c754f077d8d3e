package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep         NodeKind = "step"
	NodeKindApproval     NodeKind = "approval"
	NodeKindCompensation NodeKind = "compensation"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
	NodeKindFailed       NodeKind = "failed"
)

// Virtual node ids.
const (
	StartID  = "__start__"
	EndID    = "__end__"
	FailedID = "__failed__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Groups hold nodes rendered apart from the forward chain, such as the
	// compensation path.
	Groups []*SubGraph
}

// Node is one box in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// SubGraph is a labelled cluster of nodes with their own edges.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the runtime state of a node for one instance.
type StatusOverlay struct {
	Status string // completed, failed, running, waiting, pending
	Error  string
}

// Edge connects two nodes. Dashed edges are taken only on failure.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}
