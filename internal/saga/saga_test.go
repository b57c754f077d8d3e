package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagacore/internal/expressions"
	"github.com/rendis/sagacore/pkg/schema"
)

func noop(name string) Step {
	return Func(name, func(context.Context, *StepContext) Result { return Completed(nil) }, nil)
}

type undoableStep struct{ name string }

func (s undoableStep) Name() string                                   { return s.name }
func (s undoableStep) Execute(context.Context, *StepContext) Result   { return Completed(nil) }
func (s undoableStep) Compensate(context.Context, *StepContext) error { return nil }

type readOnlyStep struct {
	NoCompensation
}

func (readOnlyStep) Name() string                                 { return "lookup" }
func (readOnlyStep) Execute(context.Context, *StepContext) Result { return Completed(nil) }

func TestHasCompensation(t *testing.T) {
	assert.True(t, HasCompensation(undoableStep{name: "a"}))
	assert.False(t, HasCompensation(readOnlyStep{}))
	assert.False(t, HasCompensation(noop("b")))

	withUndo := Func("c", func(context.Context, *StepContext) Result { return Completed(nil) },
		func(context.Context, *StepContext) error { return nil })
	assert.True(t, HasCompensation(withUndo))
}

func TestResultConstructors(t *testing.T) {
	r := Completed(map[string]any{"id": "r-1"})
	assert.Equal(t, OutcomeCompleted, r.Outcome)
	assert.Equal(t, "r-1", r.Output["id"])

	g := NeedsApproval(GateRequest{Title: "sign off"})
	assert.Equal(t, OutcomeNeedsApproval, g.Outcome)
	require.NotNil(t, g.Gate)
	assert.Equal(t, "sign off", g.Gate.Title)

	f := Failed(errors.New("boom"))
	assert.Equal(t, OutcomeFailed, f.Outcome)
	assert.EqualError(t, f.Err, "boom")

	assert.Error(t, Failed(nil).Err)
	assert.Equal(t, "needs_approval", OutcomeNeedsApproval.String())
}

func TestDefinitionValidate(t *testing.T) {
	ok := Definition{Name: "order", TriggerEvent: "order.placed", Steps: []Step{noop("a"), noop("b")}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 1, ok.StepIndex("b"))
	assert.Equal(t, -1, ok.StepIndex("z"))
	assert.Equal(t, []string{"a", "b"}, ok.StepNames())

	bad := Definition{Steps: []Step{noop("a"), noop("a"), noop(""), noop("x:compensate"), nil}}
	err := bad.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "name: is required")
	assert.Contains(t, msg, "trigger_event: is required")
	assert.Contains(t, msg, "steps[1].name: duplicates steps[0]")
	assert.Contains(t, msg, "steps[2].name: is required")
	assert.Contains(t, msg, `steps[3].name: must not end in ":compensate"`)
	assert.Contains(t, msg, "steps[4]: step is nil")

	reserved := Definition{Name: "order", TriggerEvent: "order.placed", Steps: []Step{noop("a"), noop(ApprovalsKey), noop("_audit")}}
	err = reserved.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `steps[1].name: must not start with "_"`)
	assert.Contains(t, err.Error(), `steps[2].name: must not start with "_"`)

	empty := Definition{Name: "x", TriggerEvent: "y"}
	assert.Error(t, empty.Validate())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSteps("b-saga", "order.placed", noop("a")))
	require.NoError(t, r.Register(Definition{Name: "a-saga", TriggerEvent: "order.placed", Description: "first", Steps: []Step{noop("x")}}))
	require.NoError(t, r.RegisterSteps("refund", "order.cancelled", noop("y")))

	err := r.RegisterSteps("refund", "other", noop("z"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrConflict))

	def, err := r.Get("a-saga")
	require.NoError(t, err)
	assert.Equal(t, "first", def.Description)

	_, err = r.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeDefinitionNotFound}))

	byTrigger := r.ByTrigger("order.placed")
	require.Len(t, byTrigger, 2)
	assert.Equal(t, "a-saga", byTrigger[0].Name)
	assert.Equal(t, "b-saga", byTrigger[1].Name)
	assert.Empty(t, r.ByTrigger("nobody.listens"))

	assert.Equal(t, []string{"order.cancelled", "order.placed"}, r.TriggerTypes())
	assert.Equal(t, 3, r.Count())
	assert.True(t, r.Has("refund"))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a-saga", infos[0].Name)
	assert.Equal(t, []string{"x"}, infos[0].Steps)
}

func TestRegistry_IsolatedFromCallerSlice(t *testing.T) {
	r := NewRegistry()
	steps := []Step{noop("a"), noop("b")}
	require.NoError(t, r.RegisterSteps("s", "e", steps...))
	steps[0] = noop("mutated")

	def, err := r.Get("s")
	require.NoError(t, err)
	assert.Equal(t, "a", def.Steps[0].Name())
}

func newApprovalStep(t *testing.T) *ApprovalStep {
	t.Helper()
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return &ApprovalStep{
		StepName:      "manager-approval",
		Title:         "Approve large order",
		EntityType:    "order",
		EntityIDKey:   "orderId",
		ApprovalRoles: []string{"manager"},
		TimeoutAction: schema.TimeoutEscalate,
		RequireWhen:   `context.total > 1000`,
		ContextQuery:  `{orderId, total}`,
		CEL:           celEngine,
		JQ:            expressions.NewGoJQEngine(),
	}
}

func TestApprovalStep_RequestsGate(t *testing.T) {
	step := newApprovalStep(t)
	assert.False(t, HasCompensation(step))

	sc := &StepContext{InstanceID: "inst-1", Context: map[string]any{"orderId": "o-1", "total": 5000.0, "card": "4111"}}
	res := step.Execute(context.Background(), sc)

	require.Equal(t, OutcomeNeedsApproval, res.Outcome)
	assert.Equal(t, "o-1", res.Gate.EntityID)
	assert.Equal(t, "order", res.Gate.EntityType)
	assert.Equal(t, schema.TimeoutEscalate, res.Gate.TimeoutAction)
	assert.Equal(t, map[string]any{"orderId": "o-1", "total": 5000.0}, res.Gate.Context)
}

func TestApprovalStep_SkipsBelowThreshold(t *testing.T) {
	step := newApprovalStep(t)
	sc := &StepContext{Context: map[string]any{"orderId": "o-1", "total": 10.0}}

	res := step.Execute(context.Background(), sc)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, false, res.Output["approval_required"])
}

func TestApprovalStep_CompletesAfterApproval(t *testing.T) {
	step := newApprovalStep(t)
	sc := &StepContext{
		Context:  map[string]any{"orderId": "o-1", "total": 5000.0},
		Approval: &ApprovalDecision{GateID: "g-1", Decision: "approved", DecidedBy: "alice"},
	}

	res := step.Execute(context.Background(), sc)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "g-1", res.Output["gate_id"])
	assert.Equal(t, "alice", res.Output["decided_by"])
}

func TestApprovalStep_BadRuleFails(t *testing.T) {
	step := newApprovalStep(t)
	step.RequireWhen = `context.total >`

	res := step.Execute(context.Background(), &StepContext{Context: map[string]any{}})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Err.Error(), "CEL compile error")
}
