package schema

// Audit event types recorded in the per-instance event log.
const (
	EventSagaStarted         = "saga_started"
	EventSagaCompleted       = "saga_completed"
	EventSagaFailed          = "saga_failed"
	EventSagaWaitingApproval = "saga_waiting_approval"
	EventSagaResumed         = "saga_resumed"
	EventSagaCompensating    = "saga_compensating"
	EventSagaRecovered       = "saga_recovered"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventCompensationCompleted = "compensation_completed"
	EventCompensationFailed    = "compensation_failed"
)

// Domain event types published by the core.
const (
	EventApprovalApproved = "approval.approved"
	EventApprovalRejected = "approval.rejected"
)

// Real-time notification types for observers of a tenant.
const (
	NotifyApprovalRequested = "approval:requested"
	NotifyApprovalEscalated = "approval:escalated"
)

// SagaStatus represents the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaStatusRunning         SagaStatus = "running"
	SagaStatusWaitingApproval SagaStatus = "waiting_approval"
	SagaStatusCompensating    SagaStatus = "compensating"
	SagaStatusCompleted       SagaStatus = "completed"
	SagaStatusFailed          SagaStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SagaStatus) Terminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusFailed
}

// StepStatus is the outcome recorded in a step result entry.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// CompensateSuffix tags step result entries produced by compensation.
const CompensateSuffix = ":compensate"

// GateStatus represents the lifecycle state of an approval gate.
type GateStatus string

const (
	GateStatusPending   GateStatus = "pending"
	GateStatusApproved  GateStatus = "approved"
	GateStatusRejected  GateStatus = "rejected"
	GateStatusEscalated GateStatus = "escalated"
)

// Open reports whether the gate still awaits a decision.
func (s GateStatus) Open() bool {
	return s == GateStatusPending || s == GateStatusEscalated
}

// Decision is a human (or system) verdict on an approval gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is one of the two accepted decisions.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// TimeoutAction is what happens when a pending gate times out.
type TimeoutAction string

const (
	TimeoutApprove  TimeoutAction = "approve"
	TimeoutReject   TimeoutAction = "reject"
	TimeoutEscalate TimeoutAction = "escalate"
)

// Valid reports whether a is a known timeout action.
func (a TimeoutAction) Valid() bool {
	switch a {
	case TimeoutApprove, TimeoutReject, TimeoutEscalate:
		return true
	}
	return false
}

// Well-known actors recorded as decided_by for automatic decisions.
const (
	ActorTimeout             = "system:timeout"
	ActorEscalationExhausted = "system:escalation-exhausted"
)
