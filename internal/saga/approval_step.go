package saga

import (
	"context"
	"time"

	"github.com/rendis/sagacore/internal/expressions"
	"github.com/rendis/sagacore/pkg/schema"
)

// ApprovalStep is a ready-made step that pauses the saga for human sign-off.
// On first entry it requests a gate; when re-entered after approval it
// completes with the decision as its output.
type ApprovalStep struct {
	NoCompensation

	StepName    string
	Title       string
	Description string
	EntityType  string
	// EntityIDKey names the context key holding the entity id.
	EntityIDKey   string
	ApprovalRoles []string
	TimeoutAction schema.TimeoutAction
	Timeout       time.Duration

	// RequireWhen is an optional CEL rule over {context, event}. When it
	// evaluates to false the step completes without asking anyone.
	RequireWhen string
	// ContextQuery is an optional jq query projecting the saga context into
	// the gate snapshot. The whole context is stored when empty.
	ContextQuery string

	CEL *expressions.CELEngine
	JQ  *expressions.GoJQEngine
}

func (a *ApprovalStep) Name() string { return a.StepName }

func (a *ApprovalStep) Execute(ctx context.Context, sc *StepContext) Result {
	if sc.Approval != nil {
		return Completed(map[string]any{
			"gate_id":    sc.Approval.GateID,
			"decision":   sc.Approval.Decision,
			"decided_by": sc.Approval.DecidedBy,
			"note":       sc.Approval.Note,
		})
	}

	if a.RequireWhen != "" && a.CEL != nil {
		required, err := expressions.Truthy(ctx, a.CEL, a.RequireWhen, expressions.Bindings(sc.Context, sc.Event))
		if err != nil {
			return Failed(err)
		}
		if !required {
			return Completed(map[string]any{"approval_required": false})
		}
	}

	snapshot := schema.CloneMap(sc.Context)
	if a.ContextQuery != "" && a.JQ != nil {
		projected, err := a.JQ.Project(ctx, a.ContextQuery, sc.Context)
		if err != nil {
			return Failed(err)
		}
		snapshot = projected
	}

	entityID := sc.InstanceID
	if a.EntityIDKey != "" {
		if v, ok := sc.Context[a.EntityIDKey].(string); ok && v != "" {
			entityID = v
		}
	}

	return NeedsApproval(GateRequest{
		EntityType:    a.EntityType,
		EntityID:      entityID,
		Title:         a.Title,
		Description:   a.Description,
		ApprovalRoles: a.ApprovalRoles,
		TimeoutAction: a.TimeoutAction,
		Timeout:       a.Timeout,
		Context:       snapshot,
	})
}
