package diagram

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// RenderASCII renders a DiagramModel as plain text: the forward steps as a
// numbered list with status tags, then each group as one chain in the
// order its nodes run.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	n := 0
	for _, level := range model.Levels {
		for _, id := range level {
			node := findNode(model.Nodes, id)
			if node == nil {
				continue
			}
			switch node.Kind {
			case NodeKindStart:
				fmt.Fprintf(tw, "( %s )\n    │\n", firstLine(node.Label))
			case NodeKindEnd, NodeKindFailed:
				fmt.Fprintf(tw, "    ▼\n( %s )\t%s\n", firstLine(node.Label), statusTag(node.Status))
			default:
				n++
				fmt.Fprintf(tw, "%3d. %s\t%s\t%s\n", n, firstLine(node.Label), kindMark(node.Kind), statusTag(node.Status))
			}
		}
	}
	_ = tw.Flush()

	for _, g := range model.Groups {
		fmt.Fprintf(&b, "\n--- on failure: %s ---\n", g.Label)
		b.WriteString("  " + strings.Join(chain(model, g), " ─→ ") + "\n")
	}
	return trimLines(b.String())
}

func statusTag(s *StatusOverlay) string {
	if s == nil {
		return ""
	}
	var tag string
	switch s.Status {
	case "completed":
		tag = "[OK]"
	case "failed":
		tag = "[FAIL]"
	case "running":
		tag = "[RUN]"
	case "waiting":
		tag = "[WAIT]"
	case "pending":
		tag = "[PEND]"
	}
	if s.Error != "" {
		tag += " " + firstLine(s.Error)
	}
	return tag
}

func kindMark(k NodeKind) string {
	switch k {
	case NodeKindApproval:
		return "approval"
	case NodeKindCompensation:
		return "undo"
	}
	return ""
}

// chain walks a group's edges from its first node. Targets outside the
// group, such as the Failed node, end the chain.
func chain(model *DiagramModel, g *SubGraph) []string {
	if len(g.Nodes) == 0 {
		return nil
	}
	next := make(map[string]string, len(g.Edges))
	for _, e := range g.Edges {
		next[e.From] = e.To
	}

	var out []string
	id := g.Nodes[0].ID
	for range len(g.Nodes) + 1 {
		if node := findNode(g.Nodes, id); node != nil {
			out = append(out, strings.TrimSpace(firstLine(node.Label)+" "+statusTag(node.Status)))
		} else {
			if node := findNode(model.Nodes, id); node != nil {
				out = append(out, "( "+firstLine(node.Label)+" )")
			}
			break
		}
		to, ok := next[id]
		if !ok {
			break
		}
		id = to
	}
	return out
}

func trimLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	return strings.Join(lines, "\n")
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// findNode looks up a node by ID.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
