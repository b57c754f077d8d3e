package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/sagacore/examples/orderfulfillment"
	"github.com/rendis/sagacore/internal/approval"
	"github.com/rendis/sagacore/internal/engine"
	"github.com/rendis/sagacore/internal/eventbus"
	"github.com/rendis/sagacore/internal/logging"
	"github.com/rendis/sagacore/internal/recovery"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/scheduler"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/internal/streaming"
	"github.com/rendis/sagacore/internal/telemetry"
	"github.com/rendis/sagacore/internal/validation"
)

// Scheduled job names.
const (
	jobApprovalTimeouts = "approval-timeouts"
	jobRecoverySweep    = "recovery-sweep"
)

// app is the wired process: one store, one bus, one orchestrator.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	registry  *saga.Registry
	bus       *eventbus.Bus
	hub       *streaming.MemoryHub
	validator *validation.Validator
	gates     *approval.Manager
	orch      *engine.Orchestrator
	sweeper   *recovery.Sweeper
	sched     *scheduler.Scheduler

	shutdownTracer func(context.Context) error
}

// newLogger builds the process logger. Logs always go to stderr so the
// MCP stdio transport keeps stdout to itself.
func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg DBConfig) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		s, err = store.NewMemoryStore()
	case "libsql", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
				return nil, fmt.Errorf("create db directory: %w", mkErr)
			}
		}
		if cfg.Driver == "libsql" {
			s, err = store.NewLibSQLStore("file:" + cfg.Path)
		} else {
			s, err = store.NewSQLiteStore(cfg.Path)
		}
	default:
		return nil, fmt.Errorf("unknown db driver %q (want libsql, sqlite or memory)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg.Log)

	exporter := "none"
	if cfg.Tracing.Enabled {
		exporter = "stdout"
	}
	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		ServiceName: cfg.Tracing.Service,
		Exporter:    exporter,
		Writer:      os.Stderr,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	st, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", "driver", cfg.DB.Driver, "path", cfg.DB.Path)

	validator, err := validation.NewValidator()
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := saga.NewRegistry()
	if cfg.Demo {
		if err := orderfulfillment.Register(registry, orderfulfillment.NewServices()); err != nil {
			st.Close()
			return nil, fmt.Errorf("register demo saga: %w", err)
		}
	}
	if registry.Count() == 0 {
		logger.Warn("no sagas registered; set demo: true or embed sagacore with your own definitions")
	}

	bus := eventbus.New(logger, eventbus.WithSource("sagacore"))
	hub := streaming.NewMemoryHub()
	gates := approval.NewManager(st, bus, logger,
		approval.WithDefaultTimeout(cfg.Approvals.DefaultTimeout),
		approval.WithNotifier(hub),
		approval.WithValidator(validator),
	)
	orch := engine.NewOrchestrator(engine.Deps{
		Store:     st,
		Registry:  registry,
		Bus:       bus,
		Gates:     gates,
		Validator: validator,
		Logger:    logger,
	}, engine.Config{PoolSize: cfg.PoolSize})
	sweeper := recovery.NewSweeper(st, registry, orch, logger, recovery.WithStaleAfter(cfg.Recovery.StaleAfter))

	a := &app{
		cfg:            cfg,
		logger:         logger,
		store:          st,
		registry:       registry,
		bus:            bus,
		hub:            hub,
		validator:      validator,
		gates:          gates,
		orch:           orch,
		sweeper:        sweeper,
		shutdownTracer: shutdownTracer,
	}

	a.sched = scheduler.NewScheduler(logger, scheduler.WithTick(cfg.Scheduler.Tick))
	jobs := []scheduler.Job{
		{Name: jobApprovalTimeouts, Cron: cfg.Approvals.TimeoutCron, Run: a.processTimeouts},
		{Name: jobRecoverySweep, Cron: cfg.Recovery.Cron, Run: a.sweep, Immediate: true},
	}
	for _, job := range jobs {
		if err := a.sched.Add(job); err != nil {
			st.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) processTimeouts(ctx context.Context) error {
	n, err := a.gates.ProcessTimeouts(ctx)
	if n > 0 {
		a.logger.InfoContext(ctx, "approval timeouts processed", "gates", n)
	}
	return err
}

func (a *app) sweep(ctx context.Context) error {
	report, err := a.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if report.Errors > 0 {
		return fmt.Errorf("recovery sweep: %d instances failed to recover", report.Errors)
	}
	return nil
}

// close stops the scheduler, lets queued events reach their sagas, stops
// the orchestrator and closes the bus and store.
func (a *app) close(ctx context.Context) {
	_ = a.sched.Stop()
	if err := a.bus.Drain(ctx); err != nil {
		a.logger.Warn("event bus drain", "error", err)
	}
	if err := a.orch.Stop(ctx); err != nil {
		a.logger.Warn("orchestrator stop", "error", err)
	}
	if err := a.bus.Close(ctx); err != nil {
		a.logger.Warn("event bus close", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn("tracer shutdown", "error", err)
	}
}
