package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagacore/internal/approval"
	"github.com/rendis/sagacore/internal/eventbus"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/internal/validation"
	"github.com/rendis/sagacore/pkg/schema"
)

// --- Harness ---

// callLog records step and compensation invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func okStep(log *callLog, name string) saga.Step {
	return saga.Func(name,
		func(_ context.Context, sc *saga.StepContext) saga.Result {
			log.add(name)
			return saga.Completed(map[string]any{"index": sc.StepIndex})
		},
		func(context.Context, *saga.StepContext) error {
			log.add(name + ":compensate")
			return nil
		})
}

func failStep(log *callLog, name string) saga.Step {
	return saga.Func(name,
		func(context.Context, *saga.StepContext) saga.Result {
			log.add(name)
			return saga.Failed(errors.New(name + " exploded"))
		},
		func(context.Context, *saga.StepContext) error {
			log.add(name + ":compensate")
			return nil
		})
}

func compFailStep(log *callLog, name string) saga.Step {
	return saga.Func(name,
		func(context.Context, *saga.StepContext) saga.Result {
			log.add(name)
			return saga.Completed(nil)
		},
		func(context.Context, *saga.StepContext) error {
			log.add(name + ":compensate")
			return errors.New(name + " cannot be undone")
		})
}

func approvalStep(log *callLog, name string) saga.Step {
	return saga.Func(name,
		func(_ context.Context, sc *saga.StepContext) saga.Result {
			log.add(name)
			if sc.Approval == nil {
				return saga.NeedsApproval(saga.GateRequest{EntityType: "order", EntityID: "ord-1", Title: "Approve order"})
			}
			return saga.Completed(map[string]any{"approved_by": sc.Approval.DecidedBy})
		}, nil)
}

type harness struct {
	store    *store.MemoryStore
	registry *saga.Registry
	bus      *eventbus.Bus
	gates    *approval.Manager
	orch     *Orchestrator
}

func newHarness(t *testing.T, defs ...saga.Definition) *harness {
	t.Helper()
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	return newHarnessWithStore(t, s, s, defs...)
}

func newHarnessWithStore(t *testing.T, mem *store.MemoryStore, st store.Store, defs ...saga.Definition) *harness {
	t.Helper()
	logger := discardLogger()
	reg := saga.NewRegistry()
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	v, err := validation.NewValidator()
	require.NoError(t, err)
	bus := eventbus.New(logger)
	mgr := approval.NewManager(st, bus, logger)
	orch := NewOrchestrator(Deps{
		Store:     st,
		Registry:  reg,
		Bus:       bus,
		Gates:     mgr,
		Validator: v,
		Logger:    logger,
	}, Config{PoolSize: 4, PersistBackoff: time.Millisecond})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		_ = bus.Close(ctx)
	})
	return &harness{store: mem, registry: reg, bus: bus, gates: mgr, orch: orch}
}

// settle waits until the bus and the worker pool are both idle.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.bus.Drain(ctx))
		h.orch.Wait()
	}
}

func (h *harness) def(t *testing.T, name string) *saga.Definition {
	t.Helper()
	def, err := h.registry.Get(name)
	require.NoError(t, err)
	return def
}

func trigger(id string) *schema.DomainEvent {
	return &schema.DomainEvent{
		ID:       id,
		Type:     "order.placed",
		Version:  1,
		TenantID: "acme",
		Payload:  map[string]any{"order_id": "ord-1", "amount": 250},
	}
}

func resultPairs(inst *store.SagaInstance) []string {
	out := make([]string, len(inst.StepResults))
	for i, r := range inst.StepResults {
		out[i] = r.StepName + "=" + string(r.Status)
	}
	return out
}

func eventTypes(t *testing.T, s store.Store, instanceID string) []string {
	t.Helper()
	events, err := s.GetEvents(context.Background(), instanceID, 0)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// --- Happy path ---

func TestExecute_HappyPath(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7} {
		t.Run(fmt.Sprintf("%d steps", n), func(t *testing.T) {
			log := &callLog{}
			steps := make([]saga.Step, n)
			want := make([]string, n)
			for i := range steps {
				name := fmt.Sprintf("s%d", i)
				steps[i] = okStep(log, name)
				want[i] = name + "=completed"
			}
			h := newHarness(t)
			def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: steps}

			inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
			require.NoError(t, err)

			assert.Equal(t, schema.SagaStatusCompleted, inst.Status)
			assert.Equal(t, n, inst.CurrentStep)
			if n > 0 {
				assert.Equal(t, want, resultPairs(inst))
			} else {
				assert.Empty(t, inst.StepResults)
			}

			stored, err := h.store.GetInstance(context.Background(), inst.ID)
			require.NoError(t, err)
			assert.Equal(t, schema.SagaStatusCompleted, stored.Status)
			assert.Equal(t, inst.Version, stored.Version)
			assert.Len(t, stored.StepResults, n)
		})
	}
}

func TestExecute_ContextThreadsOutputs(t *testing.T) {
	var seen map[string]any
	reserve := saga.Func("reserve", func(context.Context, *saga.StepContext) saga.Result {
		return saga.Completed(map[string]any{"reservation_id": "res-9"})
	}, nil)
	charge := saga.Func("charge", func(_ context.Context, sc *saga.StepContext) saga.Result {
		seen = sc.Context
		assert.Equal(t, "evt-1", sc.Event.ID)
		assert.Equal(t, "acme", sc.TenantID)
		assert.Equal(t, 1, sc.StepIndex)
		return saga.Completed(nil)
	}, nil)
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{reserve, charge}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "ord-1", seen["order_id"])
	assert.Equal(t, float64(250), seen["amount"])
	assert.Equal(t, map[string]any{"reservation_id": "res-9"}, seen["reserve"])
	assert.Equal(t, "evt-1", inst.TriggerEventID)
	assert.Equal(t, "evt-1", inst.CorrelationID)
	assert.Equal(t, InstanceID("acme", "order", "evt-1"), inst.ID)
}

func TestExecute_AuditLog(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(log, "a"), okStep(log, "b")}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.EventSagaStarted,
		schema.EventStepCompleted,
		schema.EventStepCompleted,
		schema.EventSagaCompleted,
	}, eventTypes(t, h.store, inst.ID))
}

func TestExecute_DuplicateTrigger(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(log, "a")}}

	_, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)
	_, err = h.orch.Execute(context.Background(), def, trigger("evt-1"))
	assert.ErrorIs(t, err, schema.ErrConflict)
	assert.Equal(t, []string{"a"}, log.All())
}

func TestExecute_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Execute(context.Background(), nil, trigger("evt-1"))
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed"}
	_, err = h.orch.Execute(context.Background(), def, &schema.DomainEvent{Type: "order.placed"})
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))
}

// --- Compensation ---

func TestExecute_CompensatesInReverseOrder(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "A"), failStep(log, "B"), okStep(log, "C"),
	}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, schema.SagaStatusFailed, inst.Status)
	assert.Equal(t, []string{"A=completed", "B=failed", "A:compensate=completed"}, resultPairs(inst))
	assert.Equal(t, "B exploded", inst.StepResults[1].Error)
	assert.Equal(t, []string{"A", "B", "A:compensate"}, log.All())
	assert.NotContains(t, log.All(), "C")
	assert.NotContains(t, log.All(), "C:compensate")

	require.NotNil(t, inst.CompensatingFrom)
	assert.Equal(t, -1, *inst.CompensatingFrom)
	assert.Equal(t, 1, inst.CurrentStep)

	stored, err := h.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, resultPairs(inst), resultPairs(stored))
	assert.Equal(t, []string{
		schema.EventSagaStarted,
		schema.EventStepCompleted,
		schema.EventStepFailed,
		schema.EventSagaCompensating,
		schema.EventCompensationCompleted,
		schema.EventSagaFailed,
	}, eventTypes(t, h.store, inst.ID))
}

func TestExecute_CompensationFailFast(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "A"), compFailStep(log, "B"), failStep(log, "C"),
	}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, schema.SagaStatusFailed, inst.Status)
	assert.Equal(t, []string{"A", "B", "C", "B:compensate"}, log.All())
	assert.Equal(t, []string{"A=completed", "B=completed", "C=failed", "B:compensate=failed"}, resultPairs(inst))
	assert.Contains(t, inst.StepResults[3].Error, "cannot be undone")
	require.NotNil(t, inst.CompensatingFrom)
	assert.Equal(t, 1, *inst.CompensatingFrom)
}

func TestExecute_StepsWithoutCompensationAreSkipped(t *testing.T) {
	log := &callLog{}
	noUndo := saga.Func("notify", func(context.Context, *saga.StepContext) saga.Result {
		log.add("notify")
		return saga.Completed(nil)
	}, nil)
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "A"), noUndo, failStep(log, "C"),
	}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A=completed", "notify=completed", "C=failed", "A:compensate=completed"}, resultPairs(inst))
}

func TestExecute_FirstStepFails(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{failStep(log, "A")}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusFailed, inst.Status)
	assert.Equal(t, []string{"A=failed"}, resultPairs(inst))
}

func TestExecute_PanicsBecomeFailures(t *testing.T) {
	log := &callLog{}
	boom := saga.Func("boom", func(context.Context, *saga.StepContext) saga.Result {
		panic("kaboom")
	}, nil)
	badUndo := saga.Func("A", func(context.Context, *saga.StepContext) saga.Result {
		return saga.Completed(nil)
	}, func(context.Context, *saga.StepContext) error {
		panic("undo kaboom")
	})
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{badUndo, boom, okStep(log, "never")}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, schema.SagaStatusFailed, inst.Status)
	assert.Equal(t, []string{"A=completed", "boom=failed", "A:compensate=failed"}, resultPairs(inst))
	assert.Contains(t, inst.StepResults[1].Error, "kaboom")
	assert.Contains(t, inst.StepResults[2].Error, "undo kaboom")
	assert.Empty(t, log.All())
}

func TestResumeCompensation(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "A"), okStep(log, "B"), okStep(log, "C"),
	}}
	ctx := context.Background()
	from := 1
	inst := &store.SagaInstance{
		ID: "inst-1", TenantID: "acme", SagaName: "order", Status: schema.SagaStatusCompensating,
		CurrentStep: 2, CompensatingFrom: &from, Context: map[string]any{},
		StepResults: []store.StepResult{
			{StepName: "A", Status: schema.StepStatusCompleted},
			{StepName: "B", Status: schema.StepStatusCompleted},
			{StepName: "C", Status: schema.StepStatusFailed},
		},
	}
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	require.NoError(t, h.orch.ResumeCompensation(ctx, def, inst, 1, SyntheticEvent(def, inst)))
	assert.Equal(t, []string{"B:compensate", "A:compensate"}, log.All())
	assert.Equal(t, schema.SagaStatusFailed, inst.Status)

	err := h.orch.ResumeCompensation(ctx, def, inst, 0, nil)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeInvalidTransition}))
}

func TestResumeCompensation_FailsAgain(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "A"), compFailStep(log, "B"),
	}}
	ctx := context.Background()
	inst := &store.SagaInstance{
		ID: "inst-1", TenantID: "acme", SagaName: "order", Status: schema.SagaStatusCompensating,
		CurrentStep: 2, Context: map[string]any{},
	}
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	err := h.orch.ResumeCompensation(ctx, def, inst, 1, SyntheticEvent(def, inst))
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeCompensationFailed}))
	assert.Equal(t, schema.SagaStatusFailed, inst.Status)
	assert.Equal(t, []string{"B:compensate"}, log.All())
}

// --- ExecuteFromStep ---

func TestExecuteFromStep_SkipsCompletedSteps(t *testing.T) {
	log := &callLog{}
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "s0"), okStep(log, "s1"), okStep(log, "s2"), okStep(log, "s3"),
	}}
	ctx := context.Background()
	inst := &store.SagaInstance{
		ID: "inst-1", TenantID: "acme", SagaName: "order", Status: schema.SagaStatusRunning, CurrentStep: 2,
		StepResults: []store.StepResult{
			{StepName: "s0", Status: schema.StepStatusCompleted},
			{StepName: "s1", Status: schema.StepStatusCompleted},
		},
	}
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	require.NoError(t, h.orch.ExecuteFromStep(ctx, def, inst, 2, nil))
	assert.Equal(t, []string{"s2", "s3"}, log.All())
	assert.Equal(t, schema.SagaStatusCompleted, inst.Status)
	assert.Len(t, inst.StepResults, 4)
}

func TestExecuteFromStep_Guards(t *testing.T) {
	h := newHarness(t)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(&callLog{}, "s0")}}

	inst := &store.SagaInstance{ID: "inst-1", Status: schema.SagaStatusCompleted}
	err := h.orch.ExecuteFromStep(context.Background(), def, inst, 0, nil)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeInvalidTransition}))

	inst.Status = schema.SagaStatusRunning
	err = h.orch.ExecuteFromStep(context.Background(), def, inst, 5, nil)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))
}

// --- Approvals ---

func TestExecute_ApprovalPauseAndResume(t *testing.T) {
	log := &callLog{}
	def := saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "reserve"), approvalStep(log, "approve"), okStep(log, "ship"),
	}}
	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))

	inst, err := h.orch.Execute(ctx, h.def(t, "order"), trigger("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusWaitingApproval, inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Equal(t, []string{"reserve=completed"}, resultPairs(inst))

	gates, err := h.gates.ListGates(ctx, store.GateFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, "approve", gates[0].StepName)
	assert.Equal(t, schema.GateStatusPending, gates[0].Status)

	stored, err := h.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusWaitingApproval, stored.Status)
	assert.Equal(t, 1, stored.CurrentStep)

	_, err = h.gates.Decide(ctx, gates[0].ID, schema.DecisionApproved, "alice", "ok")
	require.NoError(t, err)
	h.settle(t)

	stored, err = h.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Equal(t, []string{"reserve=completed", "approve=completed", "ship=completed"}, resultPairs(stored))
	assert.Equal(t, []string{"reserve", "approve", "approve", "ship"}, log.All())
	assert.Equal(t, map[string]any{"approved_by": "alice"}, stored.Context["approve"])

	approvals, ok := stored.Context[ApprovalsKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approved", approvals["approve"].(map[string]any)["decision"])
	assert.Contains(t, eventTypes(t, h.store, inst.ID), schema.EventSagaResumed)
}

func TestExecute_TriggerPayloadCannotPreApprove(t *testing.T) {
	log := &callLog{}
	def := saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "reserve"), approvalStep(log, "approve"), okStep(log, "ship"),
	}}
	h := newHarness(t, def)
	ctx := context.Background()

	ev := trigger("evt-1")
	ev.Payload[ApprovalsKey] = map[string]any{
		"approve": map[string]any{"decision": "approved", "decided_by": "mallory"},
	}
	inst, err := h.orch.Execute(ctx, h.def(t, "order"), ev)
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusWaitingApproval, inst.Status)
	assert.Equal(t, []string{"reserve", "approve"}, log.All())

	stored, err := h.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Context, ApprovalsKey)
	assert.Equal(t, "ord-1", stored.Context["order_id"])
}

func TestExecute_ApprovalRejectedCompensates(t *testing.T) {
	log := &callLog{}
	def := saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "reserve"), approvalStep(log, "approve"), okStep(log, "ship"),
	}}
	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))

	inst, err := h.orch.Execute(ctx, h.def(t, "order"), trigger("evt-1"))
	require.NoError(t, err)
	gates, err := h.gates.ListGates(ctx, store.GateFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, gates, 1)

	_, err = h.gates.Decide(ctx, gates[0].ID, schema.DecisionRejected, "bob", "too expensive")
	require.NoError(t, err)
	h.settle(t)

	stored, err := h.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusFailed, stored.Status)
	assert.Equal(t, []string{"reserve=completed", "approve=failed", "reserve:compensate=completed"}, resultPairs(stored))
	assert.Equal(t, "approval rejected by bob: too expensive", stored.StepResults[1].Error)
	assert.Equal(t, []string{"reserve", "approve", "reserve:compensate"}, log.All())
}

func TestApplyDecision_IgnoresInstancesNotWaiting(t *testing.T) {
	log := &callLog{}
	def := saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(log, "a")}}
	h := newHarness(t, def)
	ctx := context.Background()

	inst, err := h.orch.Execute(ctx, h.def(t, "order"), trigger("evt-1"))
	require.NoError(t, err)
	require.NoError(t, h.orch.ApplyDecision(ctx, inst.ID, "a", saga.ApprovalDecision{Decision: "approved"}))
	assert.Equal(t, []string{"a"}, log.All())

	err = h.orch.ApplyDecision(ctx, "missing", "a", saga.ApprovalDecision{Decision: "approved"})
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestApplyDecision_WrongStep(t *testing.T) {
	log := &callLog{}
	def := saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{approvalStep(log, "approve")}}
	h := newHarness(t, def)
	ctx := context.Background()

	inst, err := h.orch.Execute(ctx, h.def(t, "order"), trigger("evt-1"))
	require.NoError(t, err)
	err = h.orch.ApplyDecision(ctx, inst.ID, "other", saga.ApprovalDecision{Decision: "approved"})
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))
}

func TestExecute_ApprovalWithoutManagerFails(t *testing.T) {
	log := &callLog{}
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	reg := saga.NewRegistry()
	orch := NewOrchestrator(Deps{Store: s, Registry: reg, Logger: discardLogger()}, Config{})
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "reserve"), approvalStep(log, "approve"),
	}}

	inst, err := orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusFailed, inst.Status)
	assert.Equal(t, []string{"reserve=completed", "approve=failed", "reserve:compensate=completed"}, resultPairs(inst))
}

// --- Event dispatch ---

func TestStart_TriggerDispatch(t *testing.T) {
	log := &callLog{}
	h := newHarness(t,
		saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(log, "a")}},
		saga.Definition{Name: "big-order", TriggerEvent: "order.placed", When: "event.payload.amount > 1000", Steps: []saga.Step{okStep(log, "big")}},
	)
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))

	ev, err := h.bus.Publish(ctx, "order.placed", "acme", map[string]any{"amount": 50}, schema.EventMetadata{})
	require.NoError(t, err)
	h.settle(t)

	all, err := h.store.ListInstances(ctx, store.InstanceFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "order", all[0].SagaName)
	assert.Equal(t, ev.ID, all[0].TriggerEventID)
	assert.Equal(t, schema.SagaStatusCompleted, all[0].Status)

	_, err = h.bus.Publish(ctx, "order.placed", "acme", map[string]any{"amount": 5000}, schema.EventMetadata{})
	require.NoError(t, err)
	h.settle(t)

	all, err = h.store.ListInstances(ctx, store.InstanceFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.ElementsMatch(t, []string{"a", "a", "big"}, log.All())
}

func TestStart_DuplicateEventIgnored(t *testing.T) {
	var runs int64
	step := saga.Func("a", func(context.Context, *saga.StepContext) saga.Result {
		atomic.AddInt64(&runs, 1)
		return saga.Completed(nil)
	}, nil)
	h := newHarness(t, saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{step}})
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))

	ev := trigger("evt-dup")
	require.NoError(t, h.bus.PublishEvent(ctx, ev))
	require.NoError(t, h.bus.PublishEvent(ctx, ev))
	h.settle(t)

	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
	all, err := h.store.ListInstances(ctx, store.InstanceFilter{TriggerEventID: "evt-dup"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStart_PayloadSchema(t *testing.T) {
	log := &callLog{}
	h := newHarness(t, saga.Definition{
		Name: "order", TriggerEvent: "order.placed",
		PayloadSchema: []byte(`{"type":"object","required":["order_id"]}`),
		Steps:         []saga.Step{okStep(log, "a")},
	})
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))

	_, err := h.bus.Publish(ctx, "order.placed", "acme", map[string]any{"amount": 1}, schema.EventMetadata{})
	require.NoError(t, err)
	_, err = h.bus.Publish(ctx, "order.placed", "acme", map[string]any{"order_id": "ord-2"}, schema.EventMetadata{})
	require.NoError(t, err)
	h.settle(t)

	all, err := h.store.ListInstances(ctx, store.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ord-2", all[0].Context["order_id"])
}

func TestCheckDefinitions(t *testing.T) {
	h := newHarness(t,
		saga.Definition{Name: "bad-when", TriggerEvent: "x", When: "event.payload.amount >", Steps: []saga.Step{okStep(&callLog{}, "a")}},
		saga.Definition{Name: "bad-schema", TriggerEvent: "y", PayloadSchema: []byte(`{"type": 12}`), Steps: []saga.Step{okStep(&callLog{}, "a")}},
	)
	err := h.orch.CheckDefinitions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad-when.when")
	assert.Contains(t, err.Error(), "bad-schema.payload_schema")
	assert.Error(t, h.orch.Start(context.Background()))
}

func TestStatus(t *testing.T) {
	log := &callLog{}
	h := newHarness(t, saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{
		okStep(log, "reserve"), approvalStep(log, "approve"),
	}})
	ctx := context.Background()
	inst, err := h.orch.Execute(ctx, h.def(t, "order"), trigger("evt-1"))
	require.NoError(t, err)

	st, err := h.orch.Status(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, st.Instance.ID)
	assert.Equal(t, []string{"reserve", "approve"}, st.Steps)
	assert.Len(t, st.Gates, 1)
	assert.NotEmpty(t, st.Events)

	_, err = h.orch.Status(ctx, "missing")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

// --- Persistence ---

// flakyStore fails the first n instance updates with a store error.
type flakyStore struct {
	store.Store
	failures int64
	calls    int64
}

func (f *flakyStore) UpdateInstance(ctx context.Context, inst *store.SagaInstance) error {
	atomic.AddInt64(&f.calls, 1)
	if atomic.AddInt64(&f.failures, -1) >= 0 {
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	return f.Store.UpdateInstance(ctx, inst)
}

func TestExecute_PersistRetries(t *testing.T) {
	mem, err := store.NewMemoryStore()
	require.NoError(t, err)
	flaky := &flakyStore{Store: mem, failures: 2}
	log := &callLog{}
	h := newHarnessWithStore(t, mem, flaky)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(log, "a")}}

	inst, err := h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusCompleted, inst.Status)
	assert.Equal(t, int64(4), atomic.LoadInt64(&flaky.calls))
}

func TestExecute_PersistGivesUp(t *testing.T) {
	mem, err := store.NewMemoryStore()
	require.NoError(t, err)
	flaky := &flakyStore{Store: mem, failures: 1000}
	log := &callLog{}
	h := newHarnessWithStore(t, mem, flaky)
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed", Steps: []saga.Step{okStep(log, "a"), okStep(log, "b")}}

	_, err = h.orch.Execute(context.Background(), def, trigger("evt-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeStore}))
	assert.Equal(t, int64(1+DefaultPersistRetries), atomic.LoadInt64(&flaky.calls))
	assert.Equal(t, []string{"a"}, log.All())

	stored, err := mem.GetInstance(context.Background(), InstanceID("acme", "order", "evt-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusRunning, stored.Status)
	assert.Equal(t, 0, stored.CurrentStep)
}

func TestPersist_ConflictNotRetried(t *testing.T) {
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	ctx := context.Background()
	inst := &store.SagaInstance{ID: "inst-1", TenantID: "acme", SagaName: "order", Status: schema.SagaStatusRunning}
	require.NoError(t, s.CreateInstance(ctx, inst))

	stale := inst.Clone()
	require.NoError(t, s.UpdateInstance(ctx, inst))

	err = persistWithRetry(ctx, s, stale, 5, time.Millisecond, discardLogger())
	assert.ErrorIs(t, err, schema.ErrConflict)
}

func TestSyntheticEvent(t *testing.T) {
	def := &saga.Definition{Name: "order", TriggerEvent: "order.placed"}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inst := &store.SagaInstance{
		TenantID: "acme", TriggerEventID: "evt-1", CorrelationID: "corr-1",
		Context: map[string]any{"order_id": "ord-1"}, CreatedAt: created,
	}

	ev := SyntheticEvent(def, inst)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "order.placed", ev.Type)
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, "corr-1", ev.Metadata.CorrelationID)
	assert.Equal(t, created, ev.Metadata.Timestamp)
	assert.Equal(t, "ord-1", ev.Payload["order_id"])

	ev.Payload["order_id"] = "changed"
	assert.Equal(t, "ord-1", inst.Context["order_id"])
}
