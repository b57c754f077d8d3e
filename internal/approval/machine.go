package approval

import (
	"github.com/qmuntal/stateless"

	"github.com/rendis/sagacore/pkg/schema"
)

// Gate triggers.
const (
	triggerApprove  = "approve"
	triggerReject   = "reject"
	triggerEscalate = "escalate"
	triggerReopen   = "reopen"
)

// gateMachine builds the lifecycle of one gate starting at status.
// pending may be decided or escalated; escalated only reopens as pending
// at the next level; decisions are terminal.
func gateMachine(status schema.GateStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(schema.GateStatusPending).
		Permit(triggerApprove, schema.GateStatusApproved).
		Permit(triggerReject, schema.GateStatusRejected).
		Permit(triggerEscalate, schema.GateStatusEscalated)
	sm.Configure(schema.GateStatusEscalated).
		Permit(triggerReopen, schema.GateStatusPending)
	sm.Configure(schema.GateStatusApproved)
	sm.Configure(schema.GateStatusRejected)
	return sm
}

// advance fires trigger on a machine positioned at from and returns the
// resulting status. A trigger not permitted in from is a CONFLICT.
func advance(from schema.GateStatus, trigger string) (schema.GateStatus, error) {
	sm := gateMachine(from)
	if err := sm.Fire(trigger); err != nil {
		return from, schema.NewErrorf(schema.ErrCodeConflict,
			"approval gate is %s, cannot %s", from, trigger).WithCause(err)
	}
	return sm.MustState().(schema.GateStatus), nil
}

func decisionTrigger(d schema.Decision) string {
	if d == schema.DecisionApproved {
		return triggerApprove
	}
	return triggerReject
}
