package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/internal/streaming"
	"github.com/rendis/sagacore/internal/validation"
	"github.com/rendis/sagacore/pkg/schema"
)

// --- Test doubles ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type published struct {
	Type     string
	TenantID string
	Payload  map[string]any
	Meta     schema.EventMetadata
}

// recordingPublisher captures published domain events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, tenantID string, payload map[string]any, meta schema.EventMetadata) (*schema.DomainEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{eventType, tenantID, payload, meta})
	return &schema.DomainEvent{Type: eventType, TenantID: tenantID, Payload: payload, Metadata: meta}, nil
}

func (p *recordingPublisher) All() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// chainFailStore fails escalation chain lookups.
type chainFailStore struct {
	store.Store
}

func (chainFailStore) GetEscalationChain(context.Context, string, string) (*store.EscalationChain, error) {
	return nil, errors.New("config service unavailable")
}

// failingGateStore fails UpdateGate for one gate id.
type failingGateStore struct {
	*store.MemoryStore
	failID string
}

func (s *failingGateStore) UpdateGate(ctx context.Context, gate *store.ApprovalGate) error {
	if gate.ID == s.failID {
		return schema.NewError(schema.ErrCodeStore, "disk full")
	}
	return s.MemoryStore.UpdateGate(ctx, gate)
}

// racingStore hides open gates from the next ListGates call, as if a
// concurrent CreateGate had not committed yet when it was read.
type racingStore struct {
	*store.MemoryStore
	hide atomic.Bool
}

func (s *racingStore) ListGates(ctx context.Context, filter store.GateFilter) ([]*store.ApprovalGate, error) {
	if s.hide.CompareAndSwap(true, false) {
		return nil, nil
	}
	return s.MemoryStore.ListGates(ctx, filter)
}

type fixture struct {
	store *store.MemoryStore
	mgr   *Manager
	pub   *recordingPublisher
	hub   *streaming.MemoryHub
	clock *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	v, err := validation.NewValidator()
	require.NoError(t, err)

	f := &fixture{store: s, pub: &recordingPublisher{}, hub: streaming.NewMemoryHub(), clock: newTestClock()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	all := append([]Option{WithClock(f.clock.Now), WithNotifier(f.hub), WithValidator(v)}, opts...)
	f.mgr = NewManager(s, f.pub, logger, all...)
	return f
}

func (f *fixture) seedInstance(t *testing.T, id string) *store.SagaInstance {
	t.Helper()
	inst := &store.SagaInstance{
		ID:             id,
		TenantID:       "acme",
		SagaName:       "order",
		CorrelationID:  "corr-" + id,
		TriggerEventID: "evt-" + id,
		Context:        map[string]any{},
		CurrentStep:    1,
		Status:         schema.SagaStatusRunning,
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))
	return inst
}

func (f *fixture) params(instanceID string) CreateParams {
	return CreateParams{
		TenantID:       "acme",
		SagaInstanceID: instanceID,
		SagaName:       "order",
		StepName:       "approve_discount",
		EntityType:     "order",
		EntityID:       "ord-1",
		Title:          "Approve discount",
		ApprovalRoles:  []string{"manager"},
		Context:        map[string]any{"amount": 1200},
	}
}

func (f *fixture) subscribe(t *testing.T) <-chan streaming.Notification {
	t.Helper()
	ch, cancel, err := f.hub.Subscribe(context.Background(), streaming.Filter{TenantID: "acme"})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func recv(t *testing.T, ch <-chan streaming.Notification) streaming.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification received")
		return streaming.Notification{}
	}
}

// --- CreateGate ---

func TestCreateGate_Defaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	notes := f.subscribe(t)

	gate, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, gate.ID)
	assert.Equal(t, schema.GateStatusPending, gate.Status)
	assert.Equal(t, 0, gate.EscalationLevel)
	assert.Equal(t, schema.TimeoutReject, gate.TimeoutAction)
	assert.True(t, gate.TimeoutAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.Equal(t, float64(1200), gate.Context["amount"])

	stored, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, gate.StepName, stored.StepName)

	inst, err := f.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusWaitingApproval, inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)

	n := recv(t, notes)
	assert.Equal(t, schema.NotifyApprovalRequested, n.Type)
	assert.Equal(t, gate.ID, n.Payload["approval_id"])
	assert.Equal(t, "Approve discount", n.Payload["title"])
	assert.Equal(t, "order", n.Payload["entity_type"])
	assert.Equal(t, "ord-1", n.Payload["entity_id"])
	assert.Equal(t, "order", n.Payload["saga_name"])
}

func TestCreateGate_CustomTimeout(t *testing.T) {
	f := newFixture(t)
	f.seedInstance(t, "inst-1")
	p := f.params("inst-1")
	p.Timeout = 2 * time.Hour
	p.TimeoutAction = schema.TimeoutEscalate

	gate, err := f.mgr.CreateGate(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, schema.TimeoutEscalate, gate.TimeoutAction)
	assert.True(t, gate.TimeoutAt.Equal(f.clock.Now().Add(2*time.Hour)))
}

func TestCreateGate_IdempotentPerStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")

	first, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)
	second, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	gates, err := f.store.ListGates(ctx, store.GateFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Len(t, gates, 1)
}

func TestCreateGate_RetryMovesRunningInstanceToWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	first, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	// The gate is open but the instance write was lost.
	inst, err := f.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	inst.Status = schema.SagaStatusRunning
	require.NoError(t, f.store.UpdateInstance(ctx, inst))

	again, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	inst, err = f.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.SagaStatusWaitingApproval, inst.Status)
}

func TestCreateGate_ConcurrentCreateReturnsOpenGate(t *testing.T) {
	mem, err := store.NewMemoryStore()
	require.NoError(t, err)
	s := &racingStore{MemoryStore: mem}
	mgr := NewManager(s, &recordingPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, &store.SagaInstance{
		ID: "inst-1", TenantID: "acme", SagaName: "order", Status: schema.SagaStatusRunning,
	}))
	params := CreateParams{TenantID: "acme", SagaInstanceID: "inst-1", SagaName: "order", StepName: "approve"}
	first, err := mgr.CreateGate(ctx, params)
	require.NoError(t, err)

	s.hide.Store(true)
	second, err := mgr.CreateGate(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	gates, err := s.ListGates(ctx, store.GateFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Len(t, gates, 1)
}

func TestCreateGate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.CreateGate(ctx, CreateParams{})
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	p := f.params("missing")
	_, err = f.mgr.CreateGate(ctx, p)
	assert.ErrorIs(t, err, schema.ErrNotFound)

	inst := f.seedInstance(t, "done")
	inst.Status = schema.SagaStatusCompleted
	require.NoError(t, f.store.UpdateInstance(ctx, inst))
	_, err = f.mgr.CreateGate(ctx, f.params("done"))
	assert.ErrorIs(t, err, schema.ErrConflict)

	f.seedInstance(t, "inst-2")
	p = f.params("inst-2")
	p.TenantID = "other"
	_, err = f.mgr.CreateGate(ctx, p)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	p = f.params("inst-2")
	p.TimeoutAction = "explode"
	_, err = f.mgr.CreateGate(ctx, p)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))
}

// --- Decide ---

func TestDecide_Approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	gate, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	decided, err := f.mgr.Decide(ctx, gate.ID, schema.DecisionApproved, "alice", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusApproved, decided.Status)
	assert.Equal(t, "alice", decided.DecidedBy)
	assert.Equal(t, "looks fine", decided.DecisionNote)
	require.NotNil(t, decided.DecidedAt)
	assert.True(t, decided.DecidedAt.Equal(f.clock.Now()))

	stored, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusApproved, stored.Status)

	events := f.pub.All()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventApprovalApproved, events[0].Type)
	assert.Equal(t, "acme", events[0].TenantID)
	assert.Equal(t, "inst-1", events[0].Payload["saga_instance_id"])
	assert.Equal(t, "approve_discount", events[0].Payload["step_name"])
	assert.Equal(t, gate.ID, events[0].Payload["gate_id"])
	assert.Equal(t, "corr-inst-1", events[0].Meta.CorrelationID)
	assert.Equal(t, "alice", events[0].Meta.UserID)
}

func TestDecide_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	gate, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	_, err = f.mgr.Decide(ctx, gate.ID, schema.DecisionRejected, "bob", "")
	require.NoError(t, err)

	events := f.pub.All()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventApprovalRejected, events[0].Type)
}

func TestDecide_SecondDecisionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	gate, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	_, err = f.mgr.Decide(ctx, gate.ID, schema.DecisionApproved, "alice", "")
	require.NoError(t, err)

	_, err = f.mgr.Decide(ctx, gate.ID, schema.DecisionRejected, "mallory", "changed my mind")
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrConflict)

	stored, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusApproved, stored.Status)
	assert.Equal(t, "alice", stored.DecidedBy)
	assert.Len(t, f.pub.All(), 1)
}

func TestDecide_NotFoundAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Decide(ctx, "nope", schema.DecisionApproved, "alice", "")
	assert.ErrorIs(t, err, schema.ErrNotFound)

	_, err = f.mgr.Decide(ctx, "nope", "maybe", "alice", "")
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	_, err = f.mgr.Decide(ctx, "nope", schema.DecisionApproved, "", "")
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))
}

func TestDecide_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	gate, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	var wins, conflicts int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Decide(ctx, gate.ID, schema.DecisionApproved, "approver", "")
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, schema.ErrConflict):
				atomic.AddInt64(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.Equal(t, int64(7), conflicts)
	assert.Len(t, f.pub.All(), 1)
}

// --- Timeouts and escalation ---

func TestProcessTimeouts_ApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-a")
	f.seedInstance(t, "inst-r")
	f.seedInstance(t, "inst-late")

	pa := f.params("inst-a")
	pa.TimeoutAction = schema.TimeoutApprove
	pa.Timeout = time.Hour
	ga, err := f.mgr.CreateGate(ctx, pa)
	require.NoError(t, err)

	pr := f.params("inst-r")
	pr.Timeout = time.Hour
	gr, err := f.mgr.CreateGate(ctx, pr)
	require.NoError(t, err)

	pl := f.params("inst-late")
	pl.Timeout = 10 * time.Hour
	gl, err := f.mgr.CreateGate(ctx, pl)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.store.GetGate(ctx, ga.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusApproved, got.Status)
	assert.Equal(t, schema.ActorTimeout, got.DecidedBy)

	got, err = f.store.GetGate(ctx, gr.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusRejected, got.Status)
	assert.Equal(t, schema.ActorTimeout, got.DecidedBy)

	got, err = f.store.GetGate(ctx, gl.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusPending, got.Status)

	n, err = f.mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessTimeouts_ContinuesPastFailingGate(t *testing.T) {
	mem, err := store.NewMemoryStore()
	require.NoError(t, err)
	s := &failingGateStore{MemoryStore: mem}
	clock := newTestClock()
	mgr := NewManager(s, &recordingPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now))
	ctx := context.Background()

	ids := map[string]string{}
	for i, id := range []string{"inst-a", "inst-b", "inst-c"} {
		require.NoError(t, s.CreateInstance(ctx, &store.SagaInstance{
			ID: id, TenantID: "acme", SagaName: "order", Status: schema.SagaStatusRunning,
		}))
		gate, err := mgr.CreateGate(ctx, CreateParams{
			TenantID: "acme", SagaInstanceID: id, SagaName: "order", StepName: "approve",
			Timeout: time.Duration(i+1) * time.Minute,
		})
		require.NoError(t, err)
		ids[id] = gate.ID
	}
	// The failing gate is neither first nor last in due order.
	s.failID = ids["inst-b"]

	clock.Advance(time.Hour)
	n, err := mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]schema.GateStatus{
		"inst-a": schema.GateStatusRejected,
		"inst-b": schema.GateStatusPending,
		"inst-c": schema.GateStatusRejected,
	} {
		got, err := s.GetGate(ctx, ids[id])
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

func TestProcessTimeouts_EscalationExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.PutEscalationChain(ctx, &store.EscalationChain{
		TenantID: "acme", SagaName: "order",
		Levels: []store.EscalationLevel{{Role: "manager", TimeoutMs: 60_000}},
	}))
	f.seedInstance(t, "inst-1")
	p := f.params("inst-1")
	p.TimeoutAction = schema.TimeoutEscalate
	p.Timeout = time.Minute
	gate, err := f.mgr.CreateGate(ctx, p)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	n, err := f.mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusRejected, got.Status)
	assert.Equal(t, schema.ActorEscalationExhausted, got.DecidedBy)
	assert.Equal(t, 0, got.EscalationLevel)

	events := f.pub.All()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventApprovalRejected, events[0].Type)
}

func TestProcessTimeouts_EscalationProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const t1, t2 = int64(60_000), int64(3_600_000)
	require.NoError(t, f.mgr.PutEscalationChain(ctx, &store.EscalationChain{
		TenantID: "acme", SagaName: "order",
		Levels: []store.EscalationLevel{
			{Role: "manager", TimeoutMs: t1},
			{Role: "director", TimeoutMs: t2},
		},
	}))
	f.seedInstance(t, "inst-1")
	notes := f.subscribe(t)
	p := f.params("inst-1")
	p.TimeoutAction = schema.TimeoutEscalate
	p.Timeout = time.Minute
	gate, err := f.mgr.CreateGate(ctx, p)
	require.NoError(t, err)
	recv(t, notes)

	f.clock.Advance(2 * time.Minute)
	n, err := f.mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusPending, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, "director", got.EscalatedTo)
	assert.True(t, got.TimeoutAt.Equal(f.clock.Now().Add(time.Duration(t2)*time.Millisecond)))
	assert.Empty(t, f.pub.All())

	note := recv(t, notes)
	assert.Equal(t, schema.NotifyApprovalEscalated, note.Type)
	assert.Equal(t, gate.ID, note.Payload["approval_id"])
	assert.Equal(t, "director", note.Payload["escalated_to"])
	assert.Equal(t, 1, note.Payload["escalation_level"])

	// The escalated gate is actionable again.
	_, err = f.mgr.Decide(ctx, gate.ID, schema.DecisionApproved, "dana", "")
	require.NoError(t, err)
}

func TestProcessTimeouts_EscalatesThenExhausts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.PutEscalationChain(ctx, &store.EscalationChain{
		TenantID: "acme", SagaName: "order",
		Levels: []store.EscalationLevel{
			{Role: "manager", TimeoutMs: 60_000},
			{Role: "director", TimeoutMs: 60_000},
		},
	}))
	f.seedInstance(t, "inst-1")
	p := f.params("inst-1")
	p.TimeoutAction = schema.TimeoutEscalate
	p.Timeout = time.Minute
	gate, err := f.mgr.CreateGate(ctx, p)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.mgr.ProcessTimeouts(ctx)
	require.NoError(t, err)

	got, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusRejected, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, schema.ActorEscalationExhausted, got.DecidedBy)
}

func TestEscalate_DefaultChainFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	p := f.params("inst-1")
	p.TimeoutAction = schema.TimeoutEscalate
	gate, err := f.mgr.CreateGate(ctx, p)
	require.NoError(t, err)

	// The default chain has a single level, so a gate at level 0 has
	// nowhere to go.
	require.NoError(t, f.mgr.Escalate(ctx, gate))
	got, err := f.store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusRejected, got.Status)
	assert.Equal(t, schema.ActorEscalationExhausted, got.DecidedBy)
}

func TestEscalate_ChainLookupFailureUsesDefault(t *testing.T) {
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	clock := newTestClock()
	pub := &recordingPublisher{}
	mgr := NewManager(chainFailStore{s}, pub, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, &store.SagaInstance{
		ID: "inst-1", TenantID: "acme", SagaName: "order", Status: schema.SagaStatusRunning,
	}))
	gate, err := mgr.CreateGate(ctx, CreateParams{
		TenantID: "acme", SagaInstanceID: "inst-1", SagaName: "order", StepName: "approve",
		TimeoutAction: schema.TimeoutEscalate,
	})
	require.NoError(t, err)
	assert.Equal(t, "order: approve", gate.Title)

	require.NoError(t, mgr.Escalate(ctx, gate))
	got, err := s.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActorEscalationExhausted, got.DecidedBy)
}

func TestResolveNextLevel(t *testing.T) {
	chain := &store.EscalationChain{Levels: []store.EscalationLevel{
		{Role: "manager", TimeoutMs: 1000},
		{Role: "director", TimeoutMs: 2000},
	}}

	next, level, ok := ResolveNextLevel(chain, 0)
	assert.True(t, ok)
	assert.Equal(t, 1, next)
	assert.Equal(t, "director", level.Role)
	assert.Equal(t, 2*time.Second, level.Timeout())

	_, _, ok = ResolveNextLevel(chain, 1)
	assert.False(t, ok)

	_, _, ok = ResolveNextLevel(nil, 0)
	assert.False(t, ok)

	def := DefaultChain("acme", "order", time.Hour)
	require.Len(t, def.Levels, 1)
	assert.Equal(t, DefaultEscalationRole, def.Levels[0].Role)
	assert.Equal(t, time.Hour, def.Levels[0].Timeout())
}

func TestPutEscalationChain_Validates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.mgr.PutEscalationChain(ctx, &store.EscalationChain{TenantID: "acme", SagaName: "order"})
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	err = f.mgr.PutEscalationChain(ctx, nil)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	_, err = f.store.GetEscalationChain(ctx, "acme", "order")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestListAndGetGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInstance(t, "inst-1")
	gate, err := f.mgr.CreateGate(ctx, f.params("inst-1"))
	require.NoError(t, err)

	got, err := f.mgr.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, gate.ID, got.ID)

	list, err := f.mgr.ListGates(ctx, store.GateFilter{TenantID: "acme", Statuses: []schema.GateStatus{schema.GateStatusPending}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, gate.ID, list[0].ID)
}

// --- Gate machine ---

func TestGateMachine(t *testing.T) {
	next, err := advance(schema.GateStatusPending, triggerApprove)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusApproved, next)

	next, err = advance(schema.GateStatusPending, triggerEscalate)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusEscalated, next)

	next, err = advance(next, triggerReopen)
	require.NoError(t, err)
	assert.Equal(t, schema.GateStatusPending, next)

	for _, terminal := range []schema.GateStatus{schema.GateStatusApproved, schema.GateStatusRejected} {
		for _, trig := range []string{triggerApprove, triggerReject, triggerEscalate, triggerReopen} {
			_, err := advance(terminal, trig)
			assert.ErrorIs(t, err, schema.ErrConflict, "%s/%s", terminal, trig)
		}
	}

	_, err = advance(schema.GateStatusEscalated, triggerApprove)
	assert.ErrorIs(t, err, schema.ErrConflict)
}
