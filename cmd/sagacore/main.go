package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/sagacore/internal/httpapi"
	"github.com/rendis/sagacore/internal/recovery"
	sagamcp "github.com/rendis/sagacore/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

const usage = `usage: sagacore <command> [flags]

commands:
  serve     run the HTTP API, orchestrator and scheduled jobs (default)
  mcp       run the MCP server on stdio
  sweep     recover stale sagas and process approval timeouts once, then exit
  version   print the version
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file (YAML)")
	demo := fs.Bool("demo", false, "register the order-fulfillment demo saga")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	if cmd == "version" {
		printVersion()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	if *demo {
		cfg.Demo = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "mcp":
		err = runMCP(ctx, cfg)
	case "sweep":
		err = runSweep(ctx, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// start builds the app and subscribes the orchestrator to the bus.
func start(ctx context.Context, cfg Config) (*app, error) {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.orch.Start(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func shutdown(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.close(ctx)
}

func runServe(ctx context.Context, cfg Config) error {
	a, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown(a)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Orchestrator: a.orch,
			Gates:        a.gates,
			Bus:          a.bus,
			Hub:          a.hub,
			Scheduler:    a.sched,
			Validator:    a.validator,
			Logger:       a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sched.Start(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func runMCP(ctx context.Context, cfg Config) error {
	a, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown(a)

	srv := sagamcp.NewSagaServer(sagamcp.SagaServerDeps{
		Orchestrator: a.orch,
		Gates:        a.gates,
		Bus:          a.bus,
		Validator:    a.validator,
		Logger:       a.logger,
	})

	// Closing stdin ends the session, so Serve returning stops the rest.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sched.Start(gctx)
	})
	g.Go(func() error {
		return srv.Notifier().Forward(gctx, a.hub)
	})
	g.Go(func() error {
		defer cancel()
		err := srv.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// runSweep performs one maintenance pass and prints what it did.
func runSweep(ctx context.Context, cfg Config) error {
	a, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown(a)

	timedOut, err := a.gates.ProcessTimeouts(ctx)
	if err != nil {
		return fmt.Errorf("process approval timeouts: %w", err)
	}
	report, err := a.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	if err := a.bus.Drain(ctx); err != nil {
		return err
	}
	a.orch.Wait()

	out := struct {
		TimedOutGates int             `json:"timed_out_gates"`
		Recovery      recovery.Report `json:"recovery"`
	}{timedOut, report}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
