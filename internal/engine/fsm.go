package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

// TransitionHook is called before or after a saga status transition.
type TransitionHook func(ctx context.Context, inst *store.SagaInstance, from, to schema.SagaStatus) error

// EventAppender is satisfied by store.Store; used by the FSM to record
// transitions in the instance audit log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type sagaHookKey struct {
	from, to schema.SagaStatus
}

// SagaFSM validates saga instance status transitions.
type SagaFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[sagaHookKey][]TransitionHook
	after    map[sagaHookKey][]TransitionHook
}

// NewSagaFSM creates an FSM that records transitions via appender.
// A nil appender disables the audit log.
func NewSagaFSM(appender EventAppender) *SagaFSM {
	return &SagaFSM{
		appender: appender,
		before:   make(map[sagaHookKey][]TransitionHook),
		after:    make(map[sagaHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error
// aborts the transition.
func (f *SagaFSM) OnBefore(from, to schema.SagaStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sagaHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *SagaFSM) OnAfter(from, to schema.SagaStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sagaHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves inst to status to, recording the matching audit event.
// Only the in-memory record changes; the caller persists it.
func (f *SagaFSM) Transition(ctx context.Context, inst *store.SagaInstance, to schema.SagaStatus) error {
	from := inst.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid saga transition: %s -> %s", from, to).
			WithDetails(map[string]any{"saga_instance_id": inst.ID, "from": string(from), "to": string(to)})
	}

	key := sagaHookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, inst, from, to); err != nil {
			return err
		}
	}

	inst.Status = to
	if err := f.Record(ctx, inst, "", sagaEventType(from, to), map[string]any{"from": string(from), "to": string(to)}); err != nil {
		return err
	}

	for _, hook := range after {
		if err := hook(ctx, inst, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Record appends an arbitrary audit event for inst.
func (f *SagaFSM) Record(ctx context.Context, inst *store.SagaInstance, stepName, eventType string, payload map[string]any) error {
	if f.appender == nil || eventType == "" {
		return nil
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "encode audit payload").WithCause(err)
		}
		raw = b
	}
	event := &store.Event{
		InstanceID: inst.ID,
		StepName:   stepName,
		Type:       eventType,
		Payload:    raw,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit saga event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func sagaEventType(from, to schema.SagaStatus) string {
	switch to {
	case schema.SagaStatusRunning:
		if from == schema.SagaStatusWaitingApproval {
			return schema.EventSagaResumed
		}
		return schema.EventSagaStarted
	case schema.SagaStatusWaitingApproval:
		return schema.EventSagaWaitingApproval
	case schema.SagaStatusCompensating:
		return schema.EventSagaCompensating
	case schema.SagaStatusCompleted:
		return schema.EventSagaCompleted
	case schema.SagaStatusFailed:
		return schema.EventSagaFailed
	default:
		return ""
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.SagaStatus) bool {
	for _, a := range ValidSagaTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidSagaTransitions defines the allowed status transitions for saga instances.
var ValidSagaTransitions = map[schema.SagaStatus][]schema.SagaStatus{
	schema.SagaStatusRunning:         {schema.SagaStatusWaitingApproval, schema.SagaStatusCompensating, schema.SagaStatusCompleted},
	schema.SagaStatusWaitingApproval: {schema.SagaStatusRunning, schema.SagaStatusCompensating},
	schema.SagaStatusCompensating:    {schema.SagaStatusFailed},
	schema.SagaStatusCompleted:       {},
	schema.SagaStatusFailed:          {},
}
