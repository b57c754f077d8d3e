package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/sagacore/internal/engine"
	"github.com/rendis/sagacore/internal/logging"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

// DefaultStaleAfter is how long an instance must go without an update
// before the sweeper treats it as abandoned.
const DefaultStaleAfter = 5 * time.Minute

// Runner resumes saga instances; satisfied by *engine.Orchestrator.
type Runner interface {
	ExecuteFromStep(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, start int, ev *schema.DomainEvent) error
	ResumeCompensation(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, from int, ev *schema.DomainEvent) error
	ApplyDecision(ctx context.Context, instanceID, stepName string, d saga.ApprovalDecision) error
}

// Report counts the outcome of one sweep.
type Report struct {
	Recovered int `json:"recovered"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Sweeper finds instances left behind by a crash and drives them on.
type Sweeper struct {
	store      store.Store
	registry   *saga.Registry
	runner     Runner
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithStaleAfter sets the staleness threshold. Non-positive values keep
// the default.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper.
func NewSweeper(s store.Store, registry *saga.Registry, runner Runner, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	sw := &Sweeper{
		store:      s,
		registry:   registry,
		runner:     runner,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// StaleAfter returns the configured threshold.
func (s *Sweeper) StaleAfter() time.Duration { return s.staleAfter }

// Sweep resumes stale running instances at their next step and finishes
// stale compensations. Instances waiting for approval are dormant, not
// stuck, and are counted as skipped; when their gate was already decided
// but the decision never reached the orchestrator, it is applied again.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := s.now().UTC().Add(-s.staleAfter)

	stale, err := s.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []schema.SagaStatus{
			schema.SagaStatusRunning,
			schema.SagaStatusCompensating,
			schema.SagaStatusWaitingApproval,
		},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return rep, err
	}

	for _, inst := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		s.recoverOne(ctx, inst, &rep)
	}

	if rep.Recovered > 0 || rep.Errors > 0 {
		s.logger.InfoContext(ctx, "recovery sweep finished",
			slog.Int("recovered", rep.Recovered),
			slog.Int("skipped", rep.Skipped),
			slog.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}

func (s *Sweeper) recoverOne(ctx context.Context, inst *store.SagaInstance, rep *Report) {
	ctx = logging.WithSaga(ctx, inst.TenantID, inst.ID, inst.CorrelationID)

	if inst.Status == schema.SagaStatusWaitingApproval {
		s.reconcileDecision(ctx, inst)
		rep.Skipped++
		return
	}
	def, err := s.registry.Get(inst.SagaName)
	if err != nil {
		s.logger.WarnContext(ctx, "stale instance of unregistered saga, skipped", slog.String("saga_name", inst.SagaName))
		rep.Skipped++
		return
	}

	// Claim: the version check fails if anyone else touched the instance
	// since it was listed.
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		if errors.Is(err, schema.ErrConflict) || errors.Is(err, schema.ErrNotFound) {
			s.logger.InfoContext(ctx, "stale instance claimed elsewhere, skipped")
			rep.Skipped++
			return
		}
		s.logger.ErrorContext(ctx, "claim stale instance", slog.String("error", err.Error()))
		rep.Errors++
		return
	}

	ev := engine.SyntheticEvent(def, inst)
	switch inst.Status {
	case schema.SagaStatusRunning:
		s.record(ctx, inst, map[string]any{"status": string(inst.Status), "from_step": inst.CurrentStep})
		s.logger.InfoContext(ctx, "resuming stale saga", slog.Int("from_step", inst.CurrentStep))
		err = s.runner.ExecuteFromStep(ctx, def, inst, inst.CurrentStep, ev)

	case schema.SagaStatusCompensating:
		from := CompensationResumeIndex(def, inst)
		s.record(ctx, inst, map[string]any{"status": string(inst.Status), "compensate_from": from})
		s.logger.InfoContext(ctx, "resuming stale compensation", slog.Int("compensate_from", from))
		err = s.runner.ResumeCompensation(ctx, def, inst, from, ev)
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "recovery of stale instance failed", slog.String("error", err.Error()))
		rep.Errors++
		return
	}
	rep.Recovered++
}

// reconcileDecision re-applies the decision of a gate that was decided
// while its instance stayed waiting, e.g. after a lost decision event.
func (s *Sweeper) reconcileDecision(ctx context.Context, inst *store.SagaInstance) {
	def, err := s.registry.Get(inst.SagaName)
	if err != nil || inst.CurrentStep < 0 || inst.CurrentStep >= len(def.Steps) {
		return
	}
	stepName := def.Steps[inst.CurrentStep].Name()
	gates, err := s.store.ListGates(ctx, store.GateFilter{InstanceID: inst.ID, StepName: stepName})
	if err != nil {
		s.logger.WarnContext(ctx, "list gates of waiting instance", slog.String("error", err.Error()))
		return
	}

	var decided *store.ApprovalGate
	for _, g := range gates {
		if g.Status.Open() {
			return
		}
		if g.DecidedAt == nil || (g.Status != schema.GateStatusApproved && g.Status != schema.GateStatusRejected) {
			continue
		}
		if decided == nil || g.DecidedAt.After(*decided.DecidedAt) {
			decided = g
		}
	}
	if decided == nil {
		return
	}

	s.logger.InfoContext(ctx, "applying decision missed by waiting saga",
		slog.String("gate_id", decided.ID),
		slog.String("decision", string(decided.Status)),
	)
	err = s.runner.ApplyDecision(ctx, inst.ID, stepName, saga.ApprovalDecision{
		GateID:    decided.ID,
		Decision:  string(decided.Status),
		DecidedBy: decided.DecidedBy,
		Note:      decided.DecisionNote,
		DecidedAt: *decided.DecidedAt,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "apply missed decision", slog.String("error", err.Error()))
	}
}

func (s *Sweeper) record(ctx context.Context, inst *store.SagaInstance, payload map[string]any) {
	ev := &store.Event{InstanceID: inst.ID, Type: schema.EventSagaRecovered}
	if b, err := json.Marshal(payload); err == nil {
		ev.Payload = b
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "append recovery event", slog.String("error", err.Error()))
	}
}

// CompensationResumeIndex returns the step index compensation of inst
// should continue from. The persisted CompensatingFrom wins; older records
// without it are resolved from the step log: after a completed
// ":compensate" entry resume one step earlier, after a failed one retry
// that step, and with none start at the last completed forward step.
func CompensationResumeIndex(def *saga.Definition, inst *store.SagaInstance) int {
	if inst.CompensatingFrom != nil {
		return *inst.CompensatingFrom
	}
	for i := len(inst.StepResults) - 1; i >= 0; i-- {
		r := inst.StepResults[i]
		if !r.IsCompensation() {
			continue
		}
		idx := def.StepIndex(r.BaseStep())
		if idx < 0 {
			continue
		}
		if r.Status == schema.StepStatusCompleted {
			return idx - 1
		}
		return idx
	}
	for i := len(inst.StepResults) - 1; i >= 0; i-- {
		r := inst.StepResults[i]
		if r.Status != schema.StepStatusCompleted {
			continue
		}
		if idx := def.StepIndex(r.StepName); idx >= 0 {
			return idx
		}
	}
	return -1
}
