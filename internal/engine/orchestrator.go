package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/sagacore/internal/approval"
	"github.com/rendis/sagacore/internal/eventbus"
	"github.com/rendis/sagacore/internal/expressions"
	"github.com/rendis/sagacore/internal/logging"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/internal/telemetry"
	"github.com/rendis/sagacore/internal/validation"
	"github.com/rendis/sagacore/pkg/schema"
)

// ApprovalsKey is the saga context key holding decisions per step name.
const ApprovalsKey = saga.ApprovalsKey

// Defaults for Config fields left zero.
const (
	DefaultPoolSize       = 10
	DefaultPersistRetries = 3
	DefaultPersistBackoff = 50 * time.Millisecond
)

// Gates opens approval gates; satisfied by *approval.Manager. CreateGate
// must also move the instance to waiting_approval, and return the open
// gate unchanged when called again for the same instance and step.
type Gates interface {
	CreateGate(ctx context.Context, p approval.CreateParams) (*store.ApprovalGate, error)
}

// Config tunes the orchestrator.
type Config struct {
	PoolSize       int           // max saga instances driven concurrently
	PersistRetries uint64        // extra attempts for a failed instance write
	PersistBackoff time.Duration // initial backoff between write attempts
}

// Deps are the collaborators of an Orchestrator. Bus, Gates and Validator
// are optional: without Bus there is no event dispatch, without Gates a
// step requesting approval fails, without Validator definitions may not
// declare payload schemas.
type Deps struct {
	Store     store.Store
	Registry  *saga.Registry
	Bus       *eventbus.Bus
	Gates     Gates
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Orchestrator drives saga instances: it runs steps in order, persists
// progress after each one, pauses for approvals and compensates failures
// in reverse order.
type Orchestrator struct {
	store     store.Store
	registry  *saga.Registry
	bus       *eventbus.Bus
	gates     Gates
	validator *validation.Validator
	exprs     *expressions.ExprEngine
	fsm       *SagaFSM
	pool      *WorkerPool
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config

	mu     sync.Mutex
	unsubs []func()
}

// NewOrchestrator wires an orchestrator. Store and Registry are required.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PersistRetries == 0 {
		cfg.PersistRetries = DefaultPersistRetries
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = DefaultPersistBackoff
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     deps.Store,
		registry:  deps.Registry,
		bus:       deps.Bus,
		gates:     deps.Gates,
		validator: deps.Validator,
		exprs:     expressions.NewExprEngine(),
		fsm:       NewSagaFSM(auditLog{appender: deps.Store, logger: logger}),
		pool:      NewWorkerPool(cfg.PoolSize, logger),
		logger:    logger,
		tracer:    telemetry.Tracer(),
		cfg:       cfg,
	}
}

// FSM exposes the status machine so callers can register hooks.
func (o *Orchestrator) FSM() *SagaFSM { return o.fsm }

// Registry returns the definition registry the orchestrator serves.
func (o *Orchestrator) Registry() *saga.Registry { return o.registry }

// InstanceID derives the instance id for a trigger event. The same event
// always maps to the same instance, which makes duplicate deliveries
// collide on create.
func InstanceID(tenantID, sagaName, eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("sagacore:"+tenantID+"/"+sagaName+"/"+eventID)).String()
}

// Execute creates a new instance for def triggered by ev and runs it from
// step 0. Step failures end in a failed instance, not an error; errors
// report infrastructure problems or a duplicate trigger (CONFLICT).
func (o *Orchestrator) Execute(ctx context.Context, def *saga.Definition, ev *schema.DomainEvent) (*store.SagaInstance, error) {
	inst, ev, err := o.begin(ctx, def, ev)
	if err != nil {
		return nil, err
	}
	return inst, o.ExecuteFromStep(ctx, def, inst, 0, ev)
}

func (o *Orchestrator) begin(ctx context.Context, def *saga.Definition, ev *schema.DomainEvent) (*store.SagaInstance, *schema.DomainEvent, error) {
	if def == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "saga definition is required")
	}
	if ev == nil || ev.TenantID == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "trigger event with a tenant is required")
	}
	ev = ev.Clone()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	corr := ev.Metadata.CorrelationID
	if corr == "" {
		corr = ev.ID
		ev.Metadata.CorrelationID = corr
	}

	inst := &store.SagaInstance{
		ID:             InstanceID(ev.TenantID, def.Name, ev.ID),
		TenantID:       ev.TenantID,
		SagaName:       def.Name,
		CorrelationID:  corr,
		TriggerEventID: ev.ID,
		Context:        schema.CloneMap(ev.Payload),
		Status:         schema.SagaStatusRunning,
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	// Engine-owned keys never come from the trigger payload.
	for k := range inst.Context {
		if strings.HasPrefix(k, saga.ReservedPrefix) {
			delete(inst.Context, k)
		}
	}
	if err := o.store.CreateInstance(ctx, inst); err != nil {
		return nil, nil, err
	}

	ctx = logging.WithSaga(ctx, inst.TenantID, inst.ID, inst.CorrelationID)
	_ = o.fsm.Record(ctx, inst, "", schema.EventSagaStarted, map[string]any{"trigger_event_id": ev.ID, "saga_name": def.Name})
	o.logger.InfoContext(ctx, "saga started", "saga_name", def.Name, "trigger_event_id", ev.ID)
	return inst, ev, nil
}

// ExecuteFromStep runs def's steps for inst starting at start. inst must be
// running. Completed steps before start are never re-run.
func (o *Orchestrator) ExecuteFromStep(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, start int, ev *schema.DomainEvent) error {
	if inst.Status != schema.SagaStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"saga instance %q is %s, not running", inst.ID, inst.Status)
	}
	if start < 0 || start > len(def.Steps) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"start index %d out of range for saga %q with %d steps", start, def.Name, len(def.Steps))
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	if ev == nil {
		ev = SyntheticEvent(def, inst)
	}

	ctx = logging.WithSaga(ctx, inst.TenantID, inst.ID, inst.CorrelationID)
	ctx, span := o.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.name", def.Name),
		attribute.String("saga.instance_id", inst.ID),
		attribute.String("saga.tenant_id", inst.TenantID),
		attribute.Int("saga.start_index", start),
	))
	defer span.End()

	for i := start; i < len(def.Steps); i++ {
		step := def.Steps[i]
		res := o.runStep(ctx, def, inst, i, ev)

		switch res.Outcome {
		case saga.OutcomeCompleted:
			if len(res.Output) > 0 {
				inst.Context[step.Name()] = schema.CloneMap(res.Output)
			}
			inst.StepResults = append(inst.StepResults, store.StepResult{
				StepName:    step.Name(),
				Status:      schema.StepStatusCompleted,
				CompletedAt: time.Now().UTC(),
			})
			inst.CurrentStep = i + 1
			if err := o.persist(ctx, inst); err != nil {
				return o.abandon(ctx, span, inst, err)
			}
			_ = o.fsm.Record(ctx, inst, step.Name(), schema.EventStepCompleted, map[string]any{"index": i})

		case saga.OutcomeNeedsApproval:
			return o.pause(ctx, span, def, inst, i, ev, res.Gate)

		default:
			return o.fail(ctx, span, def, inst, i, ev, res.Err)
		}
	}

	if err := o.fsm.Transition(ctx, inst, schema.SagaStatusCompleted); err != nil {
		return err
	}
	if err := o.persist(ctx, inst); err != nil {
		return o.abandon(ctx, span, inst, err)
	}
	o.logger.InfoContext(ctx, "saga completed", "saga_name", def.Name, "steps", len(def.Steps))
	return nil
}

// runStep invokes one forward action. Panics become failures.
func (o *Orchestrator) runStep(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, i int, ev *schema.DomainEvent) (res saga.Result) {
	step := def.Steps[i]
	ctx = logging.WithStep(ctx, step.Name())
	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.step", step.Name()),
		attribute.Int("saga.step_index", i),
	))
	defer func() {
		if r := recover(); r != nil {
			res = saga.Failed(schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(step.Name()))
		}
		if res.Outcome == saga.OutcomeFailed {
			if res.Err == nil {
				res = saga.Failed(nil)
			}
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.SetAttributes(attribute.String("saga.step_outcome", res.Outcome.String()))
		span.End()
	}()

	return step.Execute(ctx, stepContext(inst, i, step.Name(), ev))
}

func stepContext(inst *store.SagaInstance, i int, name string, ev *schema.DomainEvent) *saga.StepContext {
	return &saga.StepContext{
		InstanceID:    inst.ID,
		TenantID:      inst.TenantID,
		SagaName:      inst.SagaName,
		CorrelationID: inst.CorrelationID,
		StepIndex:     i,
		Context:       schema.CloneMap(inst.Context),
		Event:         ev.Clone(),
		Approval:      approvalFor(inst, name),
	}
}

// pause requests approval for step i and leaves inst waiting.
func (o *Orchestrator) pause(ctx context.Context, span trace.Span, def *saga.Definition, inst *store.SagaInstance, i int, ev *schema.DomainEvent, req *saga.GateRequest) error {
	step := def.Steps[i]
	if o.gates == nil {
		return o.fail(ctx, span, def, inst, i, ev,
			schema.NewError(schema.ErrCodeStepFailed, "step requested approval but no approval manager is configured").WithStep(step.Name()))
	}
	if req == nil {
		req = &saga.GateRequest{}
	}

	// The gate goes in first and moves the instance to waiting itself. A
	// stop in between leaves a running instance with an open gate, and
	// recovery re-runs this step, which finds that gate again.
	gate, err := o.gates.CreateGate(ctx, approval.CreateParams{
		TenantID:       inst.TenantID,
		SagaInstanceID: inst.ID,
		SagaName:       inst.SagaName,
		StepName:       step.Name(),
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Title:          req.Title,
		Description:    req.Description,
		RequestedBy:    req.RequestedBy,
		ApprovalRoles:  req.ApprovalRoles,
		TimeoutAction:  req.TimeoutAction,
		Timeout:        req.Timeout,
		Context:        req.Context,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create approval gate")
		o.logger.ErrorContext(ctx, "create approval gate, leaving instance for recovery", "step", step.Name(), "error", err)
		return err
	}

	stored, err := o.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return o.abandon(ctx, span, inst, err)
	}
	if stored.Status != schema.SagaStatusWaitingApproval {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"saga instance %q is %s after approval gate %q opened", inst.ID, stored.Status, gate.ID)
	}
	// Adopt the stored version and replay the transition in memory so
	// hooks and the audit log see it.
	*inst = *stored
	inst.Status = schema.SagaStatusRunning
	if err := o.fsm.Transition(ctx, inst, schema.SagaStatusWaitingApproval); err != nil {
		return err
	}

	span.AddEvent("saga.waiting_approval", trace.WithAttributes(attribute.String("approval.gate_id", gate.ID)))
	o.logger.InfoContext(ctx, "saga waiting for approval", "step", step.Name(), "gate_id", gate.ID)
	return nil
}

// fail records the failure of step i and compensates the steps before it.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, def *saga.Definition, inst *store.SagaInstance, i int, ev *schema.DomainEvent, cause error) error {
	step := def.Steps[i]
	msg := "step failed"
	if cause != nil {
		msg = cause.Error()
	}
	o.logger.WarnContext(ctx, "saga step failed", "step", step.Name(), "error", msg)
	span.RecordError(cause)

	entry := store.StepResult{
		StepName:    step.Name(),
		Status:      schema.StepStatusFailed,
		Error:       msg,
		CompletedAt: time.Now().UTC(),
	}
	_ = o.fsm.Record(ctx, inst, step.Name(), schema.EventStepFailed, map[string]any{"index": i, "error": msg})
	if ev == nil {
		ev = SyntheticEvent(def, inst)
	}
	return o.startCompensation(ctx, span, def, inst, i-1, ev, entry)
}

// startCompensation appends entry, switches inst to compensating and
// unwinds from index from down to 0. A failed compensation is an outcome
// of the saga and is not returned.
func (o *Orchestrator) startCompensation(ctx context.Context, span trace.Span, def *saga.Definition, inst *store.SagaInstance, from int, ev *schema.DomainEvent, entry store.StepResult) error {
	inst.StepResults = append(inst.StepResults, entry)
	if err := o.fsm.Transition(ctx, inst, schema.SagaStatusCompensating); err != nil {
		return err
	}
	inst.CompensatingFrom = &from
	if err := o.persist(ctx, inst); err != nil {
		return o.abandon(ctx, span, inst, err)
	}

	err := o.compensate(ctx, def, inst, from, ev)
	var se *schema.SagaError
	if errors.As(err, &se) && se.Code == schema.ErrCodeCompensationFailed {
		return nil
	}
	return err
}

// ResumeCompensation continues an interrupted compensation of inst from
// index from. It returns a COMPENSATION_FAILED error when a compensating
// action fails again.
func (o *Orchestrator) ResumeCompensation(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, from int, ev *schema.DomainEvent) error {
	if inst.Status != schema.SagaStatusCompensating {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"saga instance %q is %s, not compensating", inst.ID, inst.Status)
	}
	ctx = logging.WithSaga(ctx, inst.TenantID, inst.ID, inst.CorrelationID)
	return o.compensate(ctx, def, inst, from, ev)
}

// compensate runs compensations from index from down to 0 in strict
// reverse order, stopping at the first failure.
func (o *Orchestrator) compensate(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, from int, ev *schema.DomainEvent) error {
	ctx, span := o.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.name", def.Name),
		attribute.String("saga.instance_id", inst.ID),
		attribute.Int("saga.compensate_from", from),
	))
	defer span.End()

	if from >= len(def.Steps) {
		from = len(def.Steps) - 1
	}
	for i := from; i >= 0; i-- {
		step := def.Steps[i]
		if !saga.HasCompensation(step) {
			continue
		}
		name := step.Name() + schema.CompensateSuffix

		if err := o.runCompensation(ctx, def, inst, i, ev); err != nil {
			inst.StepResults = append(inst.StepResults, store.StepResult{
				StepName:    name,
				Status:      schema.StepStatusFailed,
				Error:       err.Error(),
				CompletedAt: time.Now().UTC(),
			})
			at := i
			inst.CompensatingFrom = &at
			_ = o.fsm.Record(ctx, inst, name, schema.EventCompensationFailed, map[string]any{"index": i, "error": err.Error()})
			if terr := o.fsm.Transition(ctx, inst, schema.SagaStatusFailed); terr != nil {
				return terr
			}
			if perr := o.persist(ctx, inst); perr != nil {
				return o.abandon(ctx, span, inst, perr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			o.logger.ErrorContext(ctx, "compensation failed, manual reconciliation required", "step", step.Name(), "error", err)
			return schema.NewErrorf(schema.ErrCodeCompensationFailed, "compensation of step %q failed", step.Name()).
				WithStep(step.Name()).WithCause(err)
		}

		inst.StepResults = append(inst.StepResults, store.StepResult{
			StepName:    name,
			Status:      schema.StepStatusCompleted,
			CompletedAt: time.Now().UTC(),
		})
		next := i - 1
		inst.CompensatingFrom = &next
		if err := o.persist(ctx, inst); err != nil {
			return o.abandon(ctx, span, inst, err)
		}
		_ = o.fsm.Record(ctx, inst, name, schema.EventCompensationCompleted, map[string]any{"index": i})
	}

	if err := o.fsm.Transition(ctx, inst, schema.SagaStatusFailed); err != nil {
		return err
	}
	if err := o.persist(ctx, inst); err != nil {
		return o.abandon(ctx, span, inst, err)
	}
	o.logger.InfoContext(ctx, "saga compensated", "saga_name", def.Name)
	return nil
}

// runCompensation invokes one compensating action. Panics become errors.
func (o *Orchestrator) runCompensation(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, i int, ev *schema.DomainEvent) (err error) {
	step := def.Steps[i]
	ctx = logging.WithStep(ctx, step.Name())
	ctx, span := o.tracer.Start(ctx, "saga.step.compensate", trace.WithAttributes(
		attribute.String("saga.step", step.Name()),
		attribute.Int("saga.step_index", i),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return step.Compensate(ctx, stepContext(inst, i, step.Name(), ev))
}

// persist writes inst with compare-and-swap, retrying transient store
// failures with exponential backoff. Conflicts are never retried: another
// owner has moved the instance on.
func (o *Orchestrator) persist(ctx context.Context, inst *store.SagaInstance) error {
	return persistWithRetry(ctx, o.store, inst, o.cfg.PersistRetries, o.cfg.PersistBackoff, o.logger)
}

// abandon stops driving inst after a write could not be made durable. The
// instance stays as last persisted and is picked up by recovery.
func (o *Orchestrator) abandon(ctx context.Context, span trace.Span, inst *store.SagaInstance, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "persist failed")
	o.logger.ErrorContext(ctx, "saga instance not persisted, leaving it for recovery", "status", string(inst.Status), "current_step", inst.CurrentStep, "error", err)
	return err
}

// Wait blocks until all dispatched saga work has finished.
func (o *Orchestrator) Wait() { o.pool.Wait() }

// PoolMetrics returns the dispatch pool counters.
func (o *Orchestrator) PoolMetrics() PoolMetrics { return o.pool.Metrics() }

// SyntheticEvent rebuilds a trigger event for inst when the original is no
// longer available. Its payload is the current saga context.
func SyntheticEvent(def *saga.Definition, inst *store.SagaInstance) *schema.DomainEvent {
	eventType := ""
	if def != nil {
		eventType = def.TriggerEvent
	}
	return &schema.DomainEvent{
		ID:       inst.TriggerEventID,
		Type:     eventType,
		Version:  1,
		TenantID: inst.TenantID,
		Payload:  schema.CloneMap(inst.Context),
		Metadata: schema.EventMetadata{
			Source:        "sagacore",
			CorrelationID: inst.CorrelationID,
			Timestamp:     inst.CreatedAt,
		},
	}
}

func approvalFor(inst *store.SagaInstance, stepName string) *saga.ApprovalDecision {
	if stepName == "" {
		return nil
	}
	all, _ := inst.Context[ApprovalsKey].(map[string]any)
	raw, ok := all[stepName]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var d saga.ApprovalDecision
	if err := json.Unmarshal(b, &d); err != nil || d.Decision == "" {
		return nil
	}
	return &d
}

func recordApproval(inst *store.SagaInstance, stepName string, d saga.ApprovalDecision) {
	all, _ := inst.Context[ApprovalsKey].(map[string]any)
	if all == nil {
		all = map[string]any{}
	}
	all[stepName] = map[string]any{
		"gate_id":    d.GateID,
		"decision":   d.Decision,
		"decided_by": d.DecidedBy,
		"note":       d.Note,
		"decided_at": d.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
	inst.Context[ApprovalsKey] = all
}

// auditLog is a best-effort appender: audit failures are logged and never
// stop a saga.
type auditLog struct {
	appender EventAppender
	logger   *slog.Logger
}

func (a auditLog) AppendEvent(ctx context.Context, event *store.Event) error {
	if a.appender == nil {
		return nil
	}
	if err := a.appender.AppendEvent(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "append saga audit event", "event_type", event.Type, "error", err)
	}
	return nil
}
