// Package approval creates and resolves the human approval checkpoints that
// pause a saga, including timeout handling and multi-level escalation.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/sagacore/internal/logging"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/internal/streaming"
	"github.com/rendis/sagacore/internal/validation"
	"github.com/rendis/sagacore/pkg/schema"
)

// Defaults applied when a gate or escalation level leaves them unset.
const (
	DefaultTimeout         = 24 * time.Hour
	DefaultTimeoutAction   = schema.TimeoutReject
	DefaultEscalationRole  = "admin"
	instanceUpdateAttempts = 3
)

// Publisher publishes domain events; satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, tenantID string, payload map[string]any, meta schema.EventMetadata) (*schema.DomainEvent, error)
}

// CreateParams are the inputs of CreateGate.
type CreateParams struct {
	TenantID       string               `json:"tenant_id"`
	SagaInstanceID string               `json:"saga_instance_id"`
	SagaName       string               `json:"saga_name"`
	StepName       string               `json:"step_name"`
	EntityType     string               `json:"entity_type"`
	EntityID       string               `json:"entity_id"`
	Title          string               `json:"title"`
	Description    string               `json:"description,omitempty"`
	RequestedBy    string               `json:"requested_by,omitempty"`
	ApprovalRoles  []string             `json:"approval_roles,omitempty"`
	TimeoutAction  schema.TimeoutAction `json:"timeout_action,omitempty"`
	Timeout        time.Duration        `json:"timeout,omitempty"`
	Context        map[string]any       `json:"context,omitempty"`
}

func (p CreateParams) validate() error {
	var r schema.Report
	if p.TenantID == "" {
		r.Errorf("tenant_id", "is required")
	}
	if p.SagaInstanceID == "" {
		r.Errorf("saga_instance_id", "is required")
	}
	if p.SagaName == "" {
		r.Errorf("saga_name", "is required")
	}
	if p.StepName == "" {
		r.Errorf("step_name", "is required")
	}
	if p.TimeoutAction != "" && !p.TimeoutAction.Valid() {
		r.Errorf("timeout_action", "unknown action %q", p.TimeoutAction)
	}
	if p.Timeout < 0 {
		r.Errorf("timeout", "must not be negative")
	}
	return r.Err()
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDefaultTimeout overrides the 24h gate timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithNotifier routes real-time notifications to n.
func WithNotifier(n streaming.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithValidator validates escalation chains before they are stored.
func WithValidator(v *validation.Validator) Option {
	return func(m *Manager) { m.validator = v }
}

// Manager owns approval gates and their escalation.
type Manager struct {
	store          store.Store
	publisher      Publisher
	notifier       streaming.Notifier
	validator      *validation.Validator
	logger         *slog.Logger
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewManager creates a Manager persisting to s and publishing decisions via pub.
func NewManager(s store.Store, pub Publisher, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:          s,
		publisher:      pub,
		logger:         logger,
		defaultTimeout: DefaultTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateGate opens a pending gate and moves the owning instance to
// waiting_approval. When an open gate already exists for the same
// instance and step it is returned unchanged, and the instance is still
// moved to waiting_approval if an earlier call stopped short of that.
func (m *Manager) CreateGate(ctx context.Context, p CreateParams) (*store.ApprovalGate, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	ctx = logging.WithSaga(ctx, p.TenantID, p.SagaInstanceID, "")
	ctx = logging.WithStep(ctx, p.StepName)

	inst, err := m.store.GetInstance(ctx, p.SagaInstanceID)
	if err != nil {
		return nil, err
	}
	if inst.TenantID != p.TenantID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"saga instance %q does not belong to tenant %q", inst.ID, p.TenantID)
	}
	if inst.Status != schema.SagaStatusRunning && inst.Status != schema.SagaStatusWaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"saga instance %q is %s, cannot wait for approval", inst.ID, inst.Status)
	}

	if open, err := m.openGate(ctx, p.SagaInstanceID, p.StepName); err != nil || open != nil {
		if err != nil {
			return nil, err
		}
		m.logger.DebugContext(ctx, "approval gate already open", "gate_id", open.ID)
		if err := m.markWaiting(ctx, inst); err != nil {
			return nil, err
		}
		return open, nil
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = m.defaultTimeout
	}
	action := p.TimeoutAction
	if action == "" {
		action = DefaultTimeoutAction
	}
	title := p.Title
	if title == "" {
		title = p.SagaName + ": " + p.StepName
	}
	now := m.now()
	gate := &store.ApprovalGate{
		ID:             uuid.NewString(),
		TenantID:       p.TenantID,
		SagaInstanceID: p.SagaInstanceID,
		SagaName:       p.SagaName,
		StepName:       p.StepName,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Title:          title,
		Description:    p.Description,
		RequestedBy:    p.RequestedBy,
		ApprovalRoles:  append([]string(nil), p.ApprovalRoles...),
		Status:         schema.GateStatusPending,
		TimeoutAt:      now.Add(timeout),
		TimeoutAction:  action,
		Context:        schema.CloneMap(p.Context),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateGate(ctx, gate); err != nil {
		if !errors.Is(err, schema.ErrConflict) {
			return nil, err
		}
		// A concurrent call opened the gate first.
		open, lerr := m.openGate(ctx, p.SagaInstanceID, p.StepName)
		if lerr != nil || open == nil {
			return nil, err
		}
		if err := m.markWaiting(ctx, inst); err != nil {
			return nil, err
		}
		return open, nil
	}
	if err := m.markWaiting(ctx, inst); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "approval gate created", "gate_id", gate.ID, "timeout_at", gate.TimeoutAt)
	m.notify(ctx, gate.TenantID, schema.NotifyApprovalRequested, map[string]any{
		"approval_id": gate.ID,
		"title":       gate.Title,
		"entity_type": gate.EntityType,
		"entity_id":   gate.EntityID,
		"saga_name":   gate.SagaName,
	})
	return gate, nil
}

// openGate returns the pending or escalated gate of an instance step, or
// nil when there is none.
func (m *Manager) openGate(ctx context.Context, instanceID, stepName string) (*store.ApprovalGate, error) {
	open, err := m.store.ListGates(ctx, store.GateFilter{
		InstanceID: instanceID,
		StepName:   stepName,
		Statuses:   []schema.GateStatus{schema.GateStatusPending, schema.GateStatusEscalated},
		Limit:      1,
	})
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return open[0], nil
}

// markWaiting moves inst to waiting_approval unless it already is.
func (m *Manager) markWaiting(ctx context.Context, inst *store.SagaInstance) error {
	for attempt := 0; ; attempt++ {
		switch inst.Status {
		case schema.SagaStatusWaitingApproval:
			return nil
		case schema.SagaStatusRunning:
		default:
			return schema.NewErrorf(schema.ErrCodeConflict,
				"saga instance %q is %s, cannot wait for approval", inst.ID, inst.Status)
		}
		inst.Status = schema.SagaStatusWaitingApproval
		err := m.store.UpdateInstance(ctx, inst)
		if err == nil {
			return nil
		}
		if !errors.Is(err, schema.ErrConflict) || attempt+1 >= instanceUpdateAttempts {
			return err
		}
		if inst, err = m.store.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
}

// Decide records a one-shot decision on a pending gate and publishes
// approval.<decision>. A missing gate is NOT_FOUND; a gate that is not
// pending, or that changed concurrently, is CONFLICT.
func (m *Manager) Decide(ctx context.Context, gateID string, decision schema.Decision, decidedBy, note string) (*store.ApprovalGate, error) {
	if !decision.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decision must be approved or rejected, got %q", decision)
	}
	if decidedBy == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "decided_by is required")
	}

	gate, err := m.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSaga(ctx, gate.TenantID, gate.SagaInstanceID, "")
	ctx = logging.WithStep(ctx, gate.StepName)

	if gate.Status != schema.GateStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval gate %q is already %s", gate.ID, gate.Status).
			WithDetails(map[string]any{"status": string(gate.Status), "decided_by": gate.DecidedBy})
	}
	next, err := advance(gate.Status, decisionTrigger(decision))
	if err != nil {
		return nil, err
	}

	now := m.now()
	gate.Status = next
	gate.DecidedBy = decidedBy
	gate.DecisionNote = note
	gate.DecidedAt = &now
	if err := m.store.UpdateGate(ctx, gate); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "approval gate decided", "gate_id", gate.ID, "decision", string(decision), "decided_by", decidedBy)

	meta := schema.EventMetadata{Source: "approval", UserID: decidedBy}
	if inst, err := m.store.GetInstance(ctx, gate.SagaInstanceID); err == nil {
		meta.CorrelationID = inst.CorrelationID
	}
	payload := map[string]any{
		"gate_id":          gate.ID,
		"saga_instance_id": gate.SagaInstanceID,
		"saga_name":        gate.SagaName,
		"step_name":        gate.StepName,
		"decision":         string(decision),
		"decided_by":       decidedBy,
		"note":             note,
		"decided_at":       now.Format(time.RFC3339Nano),
	}
	if m.publisher != nil {
		if _, err := m.publisher.Publish(ctx, "approval."+string(decision), gate.TenantID, payload, meta); err != nil {
			m.logger.ErrorContext(ctx, "publish approval decision", "gate_id", gate.ID, "error", err)
		}
	}
	return gate, nil
}

// ProcessTimeouts resolves every pending gate whose timeout has passed
// according to its timeout action. Individual failures are logged and
// skipped; the count of gates handled is returned.
func (m *Manager) ProcessTimeouts(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.store.ListGates(ctx, store.GateFilter{
		Statuses:      []schema.GateStatus{schema.GateStatusPending},
		TimeoutBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, gate := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		var err error
		switch gate.TimeoutAction {
		case schema.TimeoutApprove:
			_, err = m.Decide(ctx, gate.ID, schema.DecisionApproved, schema.ActorTimeout, "approval timed out")
		case schema.TimeoutEscalate:
			err = m.Escalate(ctx, gate)
		default:
			_, err = m.Decide(ctx, gate.ID, schema.DecisionRejected, schema.ActorTimeout, "approval timed out")
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "process approval timeout", "gate_id", gate.ID, "action", string(gate.TimeoutAction), "error", err)
			continue
		}
		processed++
	}
	if processed > 0 {
		m.logger.InfoContext(ctx, "approval timeouts processed", "due", len(due), "processed", processed)
	}
	return processed, nil
}

// Escalate moves a pending gate to the next level of its escalation
// chain, or auto-rejects it when the chain is exhausted.
func (m *Manager) Escalate(ctx context.Context, gate *store.ApprovalGate) error {
	ctx = logging.WithSaga(ctx, gate.TenantID, gate.SagaInstanceID, "")
	ctx = logging.WithStep(ctx, gate.StepName)

	chain := m.chainFor(ctx, gate.TenantID, gate.SagaName)
	nextLevel, level, ok := ResolveNextLevel(chain, gate.EscalationLevel)
	if !ok {
		m.logger.InfoContext(ctx, "escalation chain exhausted", "gate_id", gate.ID, "level", gate.EscalationLevel)
		_, err := m.Decide(ctx, gate.ID, schema.DecisionRejected, schema.ActorEscalationExhausted, "escalation chain exhausted")
		return err
	}

	escalated, err := advance(gate.Status, triggerEscalate)
	if err != nil {
		return err
	}
	reopened, err := advance(escalated, triggerReopen)
	if err != nil {
		return err
	}

	timeout := level.Timeout()
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	gate.Status = reopened
	gate.EscalationLevel = nextLevel
	gate.EscalatedTo = level.Role
	gate.TimeoutAt = m.now().Add(timeout)
	if err := m.store.UpdateGate(ctx, gate); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "approval gate escalated", "gate_id", gate.ID, "escalated_to", level.Role, "level", nextLevel)
	m.notify(ctx, gate.TenantID, schema.NotifyApprovalEscalated, map[string]any{
		"approval_id":      gate.ID,
		"saga_name":        gate.SagaName,
		"step_name":        gate.StepName,
		"escalated_to":     gate.EscalatedTo,
		"escalation_level": gate.EscalationLevel,
		"status":           string(escalated),
	})
	return nil
}

// chainFor loads the configured chain, falling back to DefaultChain when
// none is configured or the lookup fails.
func (m *Manager) chainFor(ctx context.Context, tenantID, sagaName string) *store.EscalationChain {
	chain, err := m.store.GetEscalationChain(ctx, tenantID, sagaName)
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return DefaultChain(tenantID, sagaName, m.defaultTimeout)
	case err != nil:
		m.logger.WarnContext(ctx, "escalation chain lookup failed, using default", "saga_name", sagaName, "error", err)
		return DefaultChain(tenantID, sagaName, m.defaultTimeout)
	case len(chain.Levels) == 0:
		return DefaultChain(tenantID, sagaName, m.defaultTimeout)
	}
	return chain
}

// DefaultChain is the single-level fallback used when a tenant has no
// chain configured for a saga.
func DefaultChain(tenantID, sagaName string, timeout time.Duration) *store.EscalationChain {
	return &store.EscalationChain{
		TenantID: tenantID,
		SagaName: sagaName,
		Levels:   []store.EscalationLevel{{Role: DefaultEscalationRole, TimeoutMs: timeout.Milliseconds()}},
	}
}

// ResolveNextLevel returns the level after current, or ok=false when the
// chain has no further level.
func ResolveNextLevel(chain *store.EscalationChain, current int) (next int, level store.EscalationLevel, ok bool) {
	next = current + 1
	if chain == nil || next < 0 || next >= len(chain.Levels) {
		return next, store.EscalationLevel{}, false
	}
	return next, chain.Levels[next], true
}

// GetGate returns one gate.
func (m *Manager) GetGate(ctx context.Context, id string) (*store.ApprovalGate, error) {
	return m.store.GetGate(ctx, id)
}

// ListGates lists gates matching filter.
func (m *Manager) ListGates(ctx context.Context, filter store.GateFilter) ([]*store.ApprovalGate, error) {
	return m.store.ListGates(ctx, filter)
}

// PutEscalationChain validates and stores a tenant's chain for a saga.
func (m *Manager) PutEscalationChain(ctx context.Context, chain *store.EscalationChain) error {
	if chain == nil {
		return schema.NewError(schema.ErrCodeValidation, "escalation chain is required")
	}
	if m.validator != nil {
		if err := m.validator.ValidateChain(chain); err != nil {
			return err
		}
	}
	return m.store.PutEscalationChain(ctx, chain)
}

func (m *Manager) notify(ctx context.Context, tenantID, kind string, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	n := streaming.Notification{Type: kind, TenantID: tenantID, Payload: payload, Timestamp: m.now()}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.WarnContext(ctx, "approval notification failed", "type", kind, "error", err)
	}
}
