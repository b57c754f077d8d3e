package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/sagacore/internal/eventbus"
	"github.com/rendis/sagacore/internal/expressions"
	"github.com/rendis/sagacore/internal/logging"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

// Start checks every registered definition and subscribes to their
// trigger events and to approval decisions. Matching events start or
// resume sagas on the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.bus == nil {
		return schema.NewError(schema.ErrCodeValidation, "orchestrator has no event bus to start on")
	}
	if err := o.CheckDefinitions(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, eventType := range o.registry.TriggerTypes() {
		o.unsubs = append(o.unsubs, o.bus.Subscribe(eventType, eventbus.SubscribeOptions{}, o.handleTrigger))
	}
	o.unsubs = append(o.unsubs,
		o.bus.Subscribe(schema.EventApprovalApproved, eventbus.SubscribeOptions{}, o.handleDecision),
		o.bus.Subscribe(schema.EventApprovalRejected, eventbus.SubscribeOptions{}, o.handleDecision),
	)
	o.logger.InfoContext(ctx, "orchestrator started", "sagas", o.registry.Count(), "triggers", len(o.registry.TriggerTypes()))
	return nil
}

// Stop unsubscribes from the bus and waits for in-flight sagas, or ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	return o.pool.Shutdown(ctx)
}

// CheckDefinitions compiles every trigger condition and payload schema so
// configuration mistakes surface at startup.
func (o *Orchestrator) CheckDefinitions() error {
	var r schema.Report
	for _, def := range o.registry.All() {
		if def.When != "" {
			if err := o.exprs.Compile(def.When); err != nil {
				r.Errorf(def.Name+".when", "%v", err)
			}
		}
		if len(def.PayloadSchema) > 0 {
			if o.validator == nil {
				r.Errorf(def.Name+".payload_schema", "declared but no validator is configured")
			} else if err := o.validator.CompileSchema(def.PayloadSchema); err != nil {
				r.Errorf(def.Name+".payload_schema", "%v", err)
			}
		}
	}
	return r.Err()
}

// Matches reports whether ev should start def: its payload must satisfy
// the definition's schema and its condition must hold.
func (o *Orchestrator) Matches(ctx context.Context, def *saga.Definition, ev *schema.DomainEvent) (bool, error) {
	if ev.Type != def.TriggerEvent {
		return false, nil
	}
	if len(def.PayloadSchema) > 0 {
		if o.validator == nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "saga %q declares a payload schema but no validator is configured", def.Name)
		}
		if err := o.validator.ValidatePayload(ev.Payload, def.PayloadSchema); err != nil {
			return false, err
		}
	}
	if def.When == "" {
		return true, nil
	}
	return expressions.Truthy(ctx, o.exprs, def.When, expressions.Bindings(nil, ev))
}

func (o *Orchestrator) handleTrigger(ctx context.Context, ev *schema.DomainEvent) error {
	for _, def := range o.registry.ByTrigger(ev.Type) {
		ok, err := o.Matches(ctx, def, ev)
		if err != nil {
			o.logger.WarnContext(ctx, "trigger event rejected", "saga_name", def.Name, "event_id", ev.ID, "error", err)
			continue
		}
		if !ok {
			o.logger.DebugContext(ctx, "trigger condition not met", "saga_name", def.Name, "event_id", ev.ID)
			continue
		}

		inst, prepared, err := o.begin(ctx, def, ev)
		if errors.Is(err, schema.ErrConflict) {
			o.logger.InfoContext(ctx, "duplicate trigger ignored", "saga_name", def.Name, "event_id", ev.ID)
			continue
		}
		if err != nil {
			o.logger.ErrorContext(ctx, "start saga", "saga_name", def.Name, "event_id", ev.ID, "error", err)
			continue
		}

		def := def
		o.dispatch(ctx, "execute "+inst.ID, func(ctx context.Context) error {
			return o.ExecuteFromStep(ctx, def, inst, 0, prepared)
		})
	}
	return nil
}

func (o *Orchestrator) handleDecision(ctx context.Context, ev *schema.DomainEvent) error {
	instanceID, _ := ev.Payload["saga_instance_id"].(string)
	stepName, _ := ev.Payload["step_name"].(string)
	if instanceID == "" || stepName == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "decision event %q lacks saga_instance_id or step_name", ev.ID)
	}
	d := saga.ApprovalDecision{Decision: string(schema.DecisionRejected)}
	if ev.Type == schema.EventApprovalApproved {
		d.Decision = string(schema.DecisionApproved)
	}
	d.GateID, _ = ev.Payload["gate_id"].(string)
	d.DecidedBy, _ = ev.Payload["decided_by"].(string)
	d.Note, _ = ev.Payload["note"].(string)
	d.DecidedAt = ev.Metadata.Timestamp
	if s, ok := ev.Payload["decided_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			d.DecidedAt = t
		}
	}

	o.dispatch(ctx, "decision "+instanceID, func(ctx context.Context) error {
		return o.ApplyDecision(ctx, instanceID, stepName, d)
	})
	return nil
}

// dispatch runs task on the worker pool, detached from the delivering
// handler's cancellation.
func (o *Orchestrator) dispatch(ctx context.Context, label string, task Task) {
	detached := context.WithoutCancel(ctx)
	run := func(context.Context) error { return task(detached) }
	if err := o.pool.Submit(ctx, label, run); err != nil {
		o.logger.ErrorContext(ctx, "dispatch saga work", "task", label, "error", err)
	}
}

// ApplyDecision resumes or fails the instance waiting on stepName.
// Approved re-enters the same step with the decision visible in its
// StepContext; rejected records the step as failed and compensates the
// steps before it. Decisions for instances that are no longer waiting are
// ignored.
func (o *Orchestrator) ApplyDecision(ctx context.Context, instanceID, stepName string, d saga.ApprovalDecision) error {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithSaga(ctx, inst.TenantID, inst.ID, inst.CorrelationID)
	if inst.Status != schema.SagaStatusWaitingApproval {
		o.logger.WarnContext(ctx, "decision for instance not waiting, ignored", "status", string(inst.Status))
		return nil
	}
	def, err := o.registry.Get(inst.SagaName)
	if err != nil {
		o.logger.ErrorContext(ctx, "decision for unknown saga", "saga_name", inst.SagaName, "error", err)
		return err
	}
	if inst.CurrentStep >= len(def.Steps) || def.Steps[inst.CurrentStep].Name() != stepName {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"saga instance %q waits at step %d, decision is for step %q", inst.ID, inst.CurrentStep, stepName)
	}

	ev := SyntheticEvent(def, inst)
	if d.Decision == string(schema.DecisionApproved) {
		recordApproval(inst, stepName, d)
		if err := o.fsm.Transition(ctx, inst, schema.SagaStatusRunning); err != nil {
			return err
		}
		if err := o.persist(ctx, inst); err != nil {
			return err
		}
		return o.ExecuteFromStep(ctx, def, inst, inst.CurrentStep, ev)
	}

	ctx, span := o.tracer.Start(ctx, "saga.reject")
	defer span.End()
	msg := "approval rejected"
	if d.DecidedBy != "" {
		msg += " by " + d.DecidedBy
	}
	if d.Note != "" {
		msg += ": " + d.Note
	}
	_ = o.fsm.Record(ctx, inst, stepName, schema.EventStepFailed, map[string]any{"index": inst.CurrentStep, "error": msg})
	return o.startCompensation(ctx, span, def, inst, inst.CurrentStep-1, ev, store.StepResult{
		StepName:    stepName,
		Status:      schema.StepStatusFailed,
		Error:       msg,
		CompletedAt: time.Now().UTC(),
	})
}

// InstanceStatus is a snapshot of one saga instance for operators.
type InstanceStatus struct {
	Instance *store.SagaInstance   `json:"instance"`
	Steps    []string              `json:"steps,omitempty"`
	Gates    []*store.ApprovalGate `json:"gates,omitempty"`
	Events   []*store.Event        `json:"events,omitempty"`
}

// Status returns an instance with its gates and audit log.
func (o *Orchestrator) Status(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	gates, err := o.store.ListGates(ctx, store.GateFilter{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	events, err := o.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, err
	}
	st := &InstanceStatus{Instance: inst, Gates: gates, Events: events}
	if def, err := o.registry.Get(inst.SagaName); err == nil {
		st.Steps = def.StepNames()
	}
	return st, nil
}

// ListInstances returns instances matching filter, newest first.
func (o *Orchestrator) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.SagaInstance, error) {
	return o.store.ListInstances(ctx, filter)
}
