package diagram

import (
	"fmt"

	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

// Build constructs a DiagramModel for def. The forward steps form a chain
// from Start to End; steps with a compensation also appear in a
// "compensation" group, chained in the reverse order rollback runs them.
// When inst is non-nil its step history is overlaid as node status.
func Build(def *saga.Definition, inst *store.SagaInstance) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &DiagramModel{Title: def.Name}
	if def.TriggerEvent != "" {
		model.Title = fmt.Sprintf("%s (on %s)", def.Name, def.TriggerEvent)
	}

	start := &Node{ID: StartID, Label: "Start", Kind: NodeKindStart}
	model.Nodes = append(model.Nodes, start)
	model.Levels = append(model.Levels, []string{StartID})

	prev := StartID
	for _, step := range def.Steps {
		node := &Node{ID: step.Name(), Label: step.Name(), Kind: stepKind(step)}
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, Edge{From: prev, To: node.ID})
		model.Levels = append(model.Levels, []string{node.ID})
		prev = node.ID
	}

	end := &Node{ID: EndID, Label: "Completed", Kind: NodeKindEnd}
	model.Nodes = append(model.Nodes, end)
	model.Edges = append(model.Edges, Edge{From: prev, To: EndID})
	model.Levels = append(model.Levels, []string{EndID})

	failed := &Node{ID: FailedID, Label: "Failed", Kind: NodeKindFailed}
	model.Nodes = append(model.Nodes, failed)

	if group := compensationGroup(def, model); group != nil {
		model.Groups = append(model.Groups, group)
	}

	if inst != nil {
		overlayInstance(model, def, inst)
	}
	return model, nil
}

func stepKind(step saga.Step) NodeKind {
	if _, ok := step.(*saga.ApprovalStep); ok {
		return NodeKindApproval
	}
	return NodeKindStep
}

// compensationGroup adds the rollback path. A failure of step i enters it
// at the nearest compensable step before i.
func compensationGroup(def *saga.Definition, model *DiagramModel) *SubGraph {
	group := &SubGraph{Label: "compensation"}
	// entry[i] is where a failure of step i goes.
	entry := make([]string, len(def.Steps))
	last := FailedID
	for i, step := range def.Steps {
		entry[i] = last
		if saga.HasCompensation(step) {
			last = step.Name() + schema.CompensateSuffix
		}
	}

	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := def.Steps[i]
		if !saga.HasCompensation(step) {
			continue
		}
		id := step.Name() + schema.CompensateSuffix
		group.Nodes = append(group.Nodes, &Node{ID: id, Label: "undo " + step.Name(), Kind: NodeKindCompensation})
		group.Edges = append(group.Edges, Edge{From: id, To: nextCompensation(def, i)})
	}

	for i, step := range def.Steps {
		model.Edges = append(model.Edges, Edge{From: step.Name(), To: entry[i], Label: "fails", Dashed: true})
	}

	if len(group.Nodes) == 0 {
		return nil
	}
	return group
}

// nextCompensation returns where rollback goes after compensating step i.
func nextCompensation(def *saga.Definition, i int) string {
	for j := i - 1; j >= 0; j-- {
		if saga.HasCompensation(def.Steps[j]) {
			return def.Steps[j].Name() + schema.CompensateSuffix
		}
	}
	return FailedID
}

// overlayInstance marks nodes with the latest recorded result for inst.
func overlayInstance(model *DiagramModel, def *saga.Definition, inst *store.SagaInstance) {
	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}
	for _, g := range model.Groups {
		for _, n := range g.Nodes {
			index[n.ID] = n
		}
	}

	for _, r := range inst.StepResults {
		if n, ok := index[r.StepName]; ok {
			n.Status = &StatusOverlay{Status: string(r.Status), Error: r.Error}
		}
	}

	if inst.CurrentStep >= 0 && inst.CurrentStep < len(def.Steps) {
		n := index[def.Steps[inst.CurrentStep].Name()]
		switch inst.Status {
		case schema.SagaStatusWaitingApproval:
			n.Status = &StatusOverlay{Status: "waiting"}
		case schema.SagaStatusRunning:
			if n.Status == nil {
				n.Status = &StatusOverlay{Status: "running"}
			}
		}
	}

	switch inst.Status {
	case schema.SagaStatusCompleted:
		index[EndID].Status = &StatusOverlay{Status: "completed"}
	case schema.SagaStatusFailed:
		index[FailedID].Status = &StatusOverlay{Status: "failed"}
	}

	for _, n := range index {
		if n.Status == nil && (n.Kind == NodeKindStep || n.Kind == NodeKindApproval) {
			n.Status = &StatusOverlay{Status: "pending"}
		}
	}
}
