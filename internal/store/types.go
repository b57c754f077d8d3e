package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/sagacore/pkg/schema"
)

// SagaInstance is the persisted record of one saga execution.
type SagaInstance struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	SagaName       string            `json:"saga_name"`
	CorrelationID  string            `json:"correlation_id"`
	TriggerEventID string            `json:"trigger_event_id"`
	Context        map[string]any    `json:"context"`
	CurrentStep    int               `json:"current_step"`
	Status         schema.SagaStatus `json:"status"`
	StepResults    []StepResult      `json:"step_results"`
	// CompensatingFrom is the next step index compensation will attempt.
	// Nil until compensation starts.
	CompensatingFrom *int      `json:"compensating_from,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StepResult is one append-only entry in an instance's step history.
type StepResult struct {
	StepName    string            `json:"step_name"`
	Status      schema.StepStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// IsCompensation reports whether the entry was produced by a compensation.
func (r StepResult) IsCompensation() bool {
	return strings.HasSuffix(r.StepName, schema.CompensateSuffix)
}

// BaseStep strips the compensation suffix, if any.
func (r StepResult) BaseStep() string {
	return strings.TrimSuffix(r.StepName, schema.CompensateSuffix)
}

// Clone returns a deep copy of the instance.
func (i *SagaInstance) Clone() *SagaInstance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Context = schema.CloneMap(i.Context)
	cp.StepResults = append([]StepResult(nil), i.StepResults...)
	if i.CompensatingFrom != nil {
		v := *i.CompensatingFrom
		cp.CompensatingFrom = &v
	}
	return &cp
}

// ApprovalGate is a persisted checkpoint pausing a saga for a human decision.
type ApprovalGate struct {
	ID              string               `json:"id"`
	TenantID        string               `json:"tenant_id"`
	SagaInstanceID  string               `json:"saga_instance_id"`
	SagaName        string               `json:"saga_name"`
	StepName        string               `json:"step_name"`
	EntityType      string               `json:"entity_type"`
	EntityID        string               `json:"entity_id"`
	Title           string               `json:"title"`
	Description     string               `json:"description,omitempty"`
	RequestedBy     string               `json:"requested_by,omitempty"`
	ApprovalRoles   []string             `json:"approval_roles,omitempty"`
	Status          schema.GateStatus    `json:"status"`
	EscalationLevel int                  `json:"escalation_level"`
	EscalatedTo     string               `json:"escalated_to,omitempty"`
	TimeoutAt       time.Time            `json:"timeout_at"`
	TimeoutAction   schema.TimeoutAction `json:"timeout_action"`
	DecidedBy       string               `json:"decided_by,omitempty"`
	DecisionNote    string               `json:"decision_note,omitempty"`
	DecidedAt       *time.Time           `json:"decided_at,omitempty"`
	Context         map[string]any       `json:"context,omitempty"`
	Version         int64                `json:"version"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Clone returns a deep copy of the gate.
func (g *ApprovalGate) Clone() *ApprovalGate {
	if g == nil {
		return nil
	}
	cp := *g
	cp.ApprovalRoles = append([]string(nil), g.ApprovalRoles...)
	cp.Context = schema.CloneMap(g.Context)
	if g.DecidedAt != nil {
		t := *g.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

// EscalationChain is the per-tenant, per-saga list of escalation levels.
type EscalationChain struct {
	TenantID string            `json:"tenant_id"`
	SagaName string            `json:"saga_name"`
	Levels   []EscalationLevel `json:"levels"`
}

// EscalationLevel routes an unanswered approval to a role for a while.
type EscalationLevel struct {
	Role      string `json:"role"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// Timeout returns the level timeout as a duration.
func (l EscalationLevel) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// Event is an immutable entry in an instance's audit log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	StepName   string          `json:"step_name,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// --- Filter types ---

// InstanceFilter specifies criteria for listing saga instances.
type InstanceFilter struct {
	TenantID       string              `json:"tenant_id,omitempty"`
	SagaName       string              `json:"saga_name,omitempty"`
	TriggerEventID string              `json:"trigger_event_id,omitempty"`
	Statuses       []schema.SagaStatus `json:"statuses,omitempty"`
	UpdatedBefore  *time.Time          `json:"updated_before,omitempty"`
	Limit          int                 `json:"limit,omitempty"`
}

// GateFilter specifies criteria for listing approval gates.
type GateFilter struct {
	TenantID      string              `json:"tenant_id,omitempty"`
	InstanceID    string              `json:"saga_instance_id,omitempty"`
	StepName      string              `json:"step_name,omitempty"`
	Statuses      []schema.GateStatus `json:"statuses,omitempty"`
	TimeoutBefore *time.Time          `json:"timeout_before,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
}

func (f InstanceFilter) match(i *SagaInstance) bool {
	if f.TenantID != "" && f.TenantID != i.TenantID {
		return false
	}
	if f.SagaName != "" && f.SagaName != i.SagaName {
		return false
	}
	if f.TriggerEventID != "" && f.TriggerEventID != i.TriggerEventID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, i.Status) {
		return false
	}
	if f.UpdatedBefore != nil && i.UpdatedAt.After(*f.UpdatedBefore) {
		return false
	}
	return true
}

func (f GateFilter) match(g *ApprovalGate) bool {
	if f.TenantID != "" && f.TenantID != g.TenantID {
		return false
	}
	if f.InstanceID != "" && f.InstanceID != g.SagaInstanceID {
		return false
	}
	if f.StepName != "" && f.StepName != g.StepName {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, g.Status) {
		return false
	}
	if f.TimeoutBefore != nil && g.TimeoutAt.After(*f.TimeoutBefore) {
		return false
	}
	return true
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
