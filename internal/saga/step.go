package saga

import (
	"context"
	"time"

	"github.com/rendis/sagacore/pkg/schema"
)

// Step is one unit of a saga: a forward action and its compensation.
// Implementations are supplied by business modules; the core never
// contains domain logic. Execute should be idempotent, since recovery may
// re-run a step whose success was never persisted.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc *StepContext) Result
	Compensate(ctx context.Context, sc *StepContext) error
}

// OptionalCompensator lets a step report that it has nothing to undo.
// Steps without compensation are skipped during rollback and leave no
// ":compensate" entry.
type OptionalCompensator interface {
	CanCompensate() bool
}

// HasCompensation reports whether s takes part in rollback.
func HasCompensation(s Step) bool {
	if oc, ok := s.(OptionalCompensator); ok {
		return oc.CanCompensate()
	}
	return true
}

// NoCompensation can be embedded by steps that have no undo action.
type NoCompensation struct{}

func (NoCompensation) Compensate(context.Context, *StepContext) error { return nil }
func (NoCompensation) CanCompensate() bool                            { return false }

// StepContext is what a step sees when it runs.
type StepContext struct {
	InstanceID    string
	TenantID      string
	SagaName      string
	CorrelationID string
	StepIndex     int
	// Context is a private copy of the saga context. Steps return their
	// contribution through Result output instead of mutating it.
	Context map[string]any
	// Event is the trigger event, or a reconstruction of it after recovery.
	Event *schema.DomainEvent
	// Approval is set when the step is re-entered after its gate was approved.
	Approval *ApprovalDecision
}

// ApprovalDecision describes the decision that released a paused step.
type ApprovalDecision struct {
	GateID    string    `json:"gate_id"`
	Decision  string    `json:"decision"`
	DecidedBy string    `json:"decided_by"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Outcome classifies a step Result.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeNeedsApproval
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeNeedsApproval:
		return "needs_approval"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the three-way outcome of Step.Execute.
type Result struct {
	Outcome Outcome
	// Output is merged into the saga context under the step name.
	Output map[string]any
	// Gate describes the approval to request when Outcome is NeedsApproval.
	Gate *GateRequest
	Err  error
}

// Completed reports success with optional output.
func Completed(output map[string]any) Result {
	return Result{Outcome: OutcomeCompleted, Output: output}
}

// NeedsApproval pauses the saga until a human decides on req.
func NeedsApproval(req GateRequest) Result {
	return Result{Outcome: OutcomeNeedsApproval, Gate: &req}
}

// Failed reports a step failure; the saga starts compensating.
func Failed(err error) Result {
	if err == nil {
		err = schema.NewError(schema.ErrCodeStepFailed, "step failed without an error")
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

// GateRequest carries the step-supplied part of an approval gate. Tenant,
// instance, saga and step identity are filled in by the orchestrator.
type GateRequest struct {
	EntityType    string               `json:"entity_type"`
	EntityID      string               `json:"entity_id"`
	Title         string               `json:"title"`
	Description   string               `json:"description,omitempty"`
	RequestedBy   string               `json:"requested_by,omitempty"`
	ApprovalRoles []string             `json:"approval_roles,omitempty"`
	TimeoutAction schema.TimeoutAction `json:"timeout_action,omitempty"`
	// Timeout of zero means the manager default.
	Timeout time.Duration  `json:"timeout,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// FuncStep adapts plain functions to Step.
type FuncStep struct {
	name       string
	execute    func(context.Context, *StepContext) Result
	compensate func(context.Context, *StepContext) error
}

// Func builds a step from functions. compensate may be nil.
func Func(name string, execute func(context.Context, *StepContext) Result, compensate func(context.Context, *StepContext) error) *FuncStep {
	return &FuncStep{name: name, execute: execute, compensate: compensate}
}

func (f *FuncStep) Name() string { return f.name }

func (f *FuncStep) Execute(ctx context.Context, sc *StepContext) Result {
	return f.execute(ctx, sc)
}

func (f *FuncStep) Compensate(ctx context.Context, sc *StepContext) error {
	if f.compensate == nil {
		return nil
	}
	return f.compensate(ctx, sc)
}

func (f *FuncStep) CanCompensate() bool { return f.compensate != nil }
